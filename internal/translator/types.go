package translator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/frozenspider/rosetta/internal/llm"
)

// Request is one translation call for a single segment.
type Request struct {
	Text       string
	SourceLang string
	TargetLang string

	// Subject, Tone and Instructions come from the owning job and shape the
	// prompt; all are optional.
	Subject      string
	Tone         string
	Instructions string
}

// Translator turns one piece of source text into the target language.
// Implementations must be safe for concurrent use: the dispatcher calls
// Translate from many workers at once.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies a provider failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindAuth
	KindInvalidInput
	KindContentPolicy
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "RateLimited"
	case KindTimeout:
		return "Timeout"
	case KindAuth:
		return "Auth"
	case KindInvalidInput:
		return "InvalidInput"
	case KindContentPolicy:
		return "ContentPolicy"
	default:
		return "Unknown"
	}
}

// ProviderError is a classified translation failure.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s]: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Transient reports whether the failure is worth retrying. Rate limits,
// timeouts and server-side failures are; auth, invalid input and content
// policy rejections are terminal for the segment.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnknown:
		return true
	}
	return false
}

// Classify wraps an arbitrary provider failure as a ProviderError.
func Classify(err error) *ProviderError {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Kind: classifyAPIError(apiErr), Message: apiErr.Error(), Cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return &ProviderError{Kind: KindTimeout, Message: err.Error(), Cause: err}
	}

	return &ProviderError{Kind: KindUnknown, Message: err.Error(), Cause: err}
}

func classifyAPIError(apiErr *llm.APIError) ErrorKind {
	code := strings.ToLower(apiErr.Code)
	if strings.Contains(code, "content_policy") || strings.Contains(code, "moderation") {
		return KindContentPolicy
	}

	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindInvalidInput
	}
	return KindUnknown
}
