package projection

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	httperr "github.com/aevon-lab/completion-aggregator/internal/core/errors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/progress/:scope_key/:user_id", s.HandleProgress)
}

// HandleProgress handles GET /v1/progress/:scope_key/:user_id
// Query parameters: kinds (comma separated), live
func (s *Service) HandleProgress(c *gin.Context) {
	var uri struct {
		ScopeKey string `uri:"scope_key" binding:"required"`
		UserID   string `uri:"user_id" binding:"required"`
	}
	var query struct {
		Kinds string `form:"kinds"`
		Live  bool   `form:"live"`
	}

	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	resp, err := s.Progress(c.Request.Context(), ProgressQuery{
		UserID:   uri.UserID,
		ScopeKey: uri.ScopeKey,
		Kinds:    splitKinds(query.Kinds),
		Live:     query.Live,
	})
	if err != nil {
		status, body := progressError(err)
		if status == http.StatusInternalServerError {
			slog.Error("[Projection] Failed to load progress", "scope_key", uri.ScopeKey, "user_id", uri.UserID, "error", err)
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func progressError(err error) (int, httperr.ErrorResponse) {
	var modeErr *coreagg.InvalidCompletionModeError
	switch {
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, coreagg.ErrInvalidKey):
		return http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid progress query",
			Details:   err.Error(),
		}
	case errors.Is(err, coreagg.ErrScopeNotFound):
		return http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpScopeNotFoundError,
			Message:   "Scope not found",
		}
	case errors.Is(err, coreagg.ErrMalformedScope):
		return http.StatusUnprocessableEntity, httperr.ErrorResponse{
			ErrorType: httperr.HttpMalformedScopeError,
			Message:   "Scope content tree is malformed",
			Details:   err.Error(),
		}
	case errors.As(err, &modeErr):
		return http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidModeError,
			Message:   "Invalid completion mode in content tree",
			Details:   err.Error(),
		}
	default:
		return http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to load progress",
		}
	}
}

func splitKinds(raw string) []string {
	var kinds []string
	for _, kind := range strings.Split(raw, ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
