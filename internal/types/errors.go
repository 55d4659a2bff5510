package types

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidSessionData = errors.New("invalid session data")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrRateLimited        = errors.New("rate limited")
)

// Error carries a user-visible message together with the kind it belongs to.
// errors.Is(err, ErrNotFound) and friends match on Kind.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) error {
	return &Error{Kind: ErrNotFound, Message: message}
}

func InvalidArgument(message string) error {
	return &Error{Kind: ErrInvalidArgument, Message: message}
}

func FailedPrecondition(message string) error {
	return &Error{Kind: ErrFailedPrecondition, Message: message}
}

func InvalidSessionData(message string, cause error) error {
	return &Error{Kind: ErrInvalidSessionData, Message: message, Err: cause}
}

// ProviderError is an opaque failure reported by a GenerationService.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider error (status %d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: provider error: %s", e.Op, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// rateLimitPattern matches the message shapes providers use for throttling.
var rateLimitPattern = regexp.MustCompile(`(?i)(rate[\s_-]?limit|too many requests|\b429\b|quota exceeded|exceeded your current quota|concurrency limit|resource[\s_]exhausted)`)

// IsRateLimit reports whether err is a provider throttling error, either by
// status code or by the shape of its message.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return rateLimitPattern.MatchString(err.Error())
}
