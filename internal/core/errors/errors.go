package errors

const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpValidationError      = "validation_failed"
	HttpScopeNotFoundError   = "scope_not_found"
	HttpMalformedScopeError  = "malformed_scope"
	HttpInvalidModeError     = "invalid_completion_mode"
	HttpPayloadTooLargeError = "payload_too_large"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
