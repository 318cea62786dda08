package ingestion

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	v1 "github.com/aevon-lab/completion-aggregator/internal/api/v1"
	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	httperr "github.com/aevon-lab/completion-aggregator/internal/core/errors"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to record completion"
	msgMarkFailed     = "Failed to mark scope stale"
)

// ingestionError carries the structured HTTP error shape from a helper back to the handler.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// CompletionHandler records one leaf completion and queues its ancestors for recompute.
func (s *Service) CompletionHandler(c *gin.Context) {
	var evt v1.CompletionEvent
	if err := s.bindBody(c, &evt); err != nil {
		writeError(c, err)
		return
	}

	if err := evt.Validate(); err != nil {
		slog.Warn("[Ingestion] Completion validation failed", "error", err, "user_id", evt.UserID, "block_key", evt.BlockKey)
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		})
		return
	}

	result, err := aggregation.RecordCompletion(c.Request.Context(), s.deps, evt.Leaf(), s.syncOnWrite)
	if err != nil {
		slog.Error("[Ingestion] Failed to record completion", "error", err, "user_id", evt.UserID, "block_key", evt.BlockKey)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		})
		return
	}

	slog.Debug("[Ingestion] Completion recorded",
		"user_id", evt.UserID,
		"block_key", evt.BlockKey,
		"changed", result.Changed,
		"dispatched", result.Dispatched)

	c.JSON(http.StatusAccepted, v1.CompletionResponse{
		Status:     "accepted",
		Changed:    result.Changed,
		Dispatched: result.Dispatched,
	})
}

// MarkStaleHandler forces a whole-scope recompute for the given or all active users.
func (s *Service) MarkStaleHandler(c *gin.Context) {
	scopeKey := c.Param("scope_key")

	var req v1.StaleScopeRequest
	if c.Request.ContentLength != 0 {
		if err := s.bindBody(c, &req); err != nil {
			writeError(c, err)
			return
		}
	}

	marked, err := aggregation.MarkScopeStale(c.Request.Context(), s.deps, scopeKey, req.Users, req.Sync, s.kinds())
	if err != nil {
		writeError(c, markError(scopeKey, err))
		return
	}

	slog.Info("[Ingestion] Scope marked stale", "scope_key", scopeKey, "users", marked, "sync", req.Sync)
	c.JSON(http.StatusAccepted, v1.StaleScopeResponse{ScopeKey: scopeKey, Marked: marked})
}

func markError(scopeKey string, err error) *ingestionError {
	var modeErr *coreagg.InvalidCompletionModeError
	switch {
	case errors.Is(err, coreagg.ErrInvalidKey):
		return &ingestionError{statusCode: http.StatusBadRequest, errorType: httperr.HttpValidationError, message: err.Error()}
	case errors.As(err, &modeErr):
		slog.Error("[Ingestion] Invalid completion mode during sync update", "scope_key", scopeKey, "error", err)
		return &ingestionError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInvalidModeError, message: err.Error()}
	default:
		slog.Error("[Ingestion] Failed to mark scope stale", "scope_key", scopeKey, "error", err)
		return &ingestionError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: msgMarkFailed}
	}
}

// bindBody reads at most maxBodySizeBytes and decodes the JSON body into dst.
func (s *Service) bindBody(c *gin.Context, dst interface{}) *ingestionError {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpPayloadTooLargeError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := c.ShouldBindJSON(dst); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return nil
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
