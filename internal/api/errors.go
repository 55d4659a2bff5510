package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/storyforge/internal/types"
)

const (
	ErrorBadRequest         = "BAD_REQUEST"
	ErrorNotFound           = "NOT_FOUND"
	ErrorConflict           = "CONFLICT"
	ErrorInvalidSessionData = "INVALID_SESSION_DATA"
	ErrorProvider           = "PROVIDER_ERROR"
	ErrorRateLimited        = "RATE_LIMITED"
	ErrorInternal           = "INTERNAL_ERROR"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	var pe *types.ProviderError
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, ErrorNotFound
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, ErrorBadRequest
	case errors.Is(err, types.ErrFailedPrecondition):
		return http.StatusConflict, ErrorConflict
	case errors.Is(err, types.ErrInvalidSessionData):
		return http.StatusUnprocessableEntity, ErrorInvalidSessionData
	case errors.As(err, &pe):
		if types.IsRateLimit(err) {
			return http.StatusBadGateway, ErrorRateLimited
		}
		return http.StatusBadGateway, ErrorProvider
	}
	return http.StatusInternalServerError, ErrorInternal
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
		msg = "An internal error occurred"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// bind decodes an optional JSON body into v. An empty body leaves v unchanged.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return types.InvalidArgument("Invalid request body: " + err.Error())
	}
	return nil
}
