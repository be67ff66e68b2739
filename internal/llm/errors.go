package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrServiceTransient marks failures worth retrying: timeouts, 408, 429
	// rate limits, 5xx and network errors.
	ErrServiceTransient = errors.New("inference service transient failure")
	// ErrServiceDegraded is returned without contacting the service while
	// the circuit breaker is open.
	ErrServiceDegraded   = errors.New("inference service degraded")
	ErrMalformedResponse = errors.New("malformed inference response")
	ErrNonRetryable      = errors.New("inference request rejected")
	ErrQuotaExhausted    = errors.New("inference quota exhausted")
)

// MalformedResponseError carries the raw reply that never yielded a JSON
// object.
type MalformedResponseError struct {
	Raw      string
	Attempts int
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrMalformedResponse, e.Attempts, e.Err)
}

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// classify maps a transport or API error onto the sentinel taxonomy. ctx is
// the caller context; once it is done its error is returned unchanged so it
// neither retries nor counts against the breaker.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErrorCode(apiErr), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, "", err)
	}
	// Per-attempt timeouts and connection errors.
	return fmt.Errorf("%w: %w", ErrServiceTransient, err)
}

func classifyStatus(status int, code string, err error) error {
	switch {
	case status == http.StatusTooManyRequests && code == "insufficient_quota":
		return fmt.Errorf("%w: status %d: %w", ErrQuotaExhausted, status, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: status %d: %w", ErrServiceTransient, status, err)
	case status >= 400:
		return fmt.Errorf("%w: status %d: %w", ErrNonRetryable, status, err)
	default:
		return fmt.Errorf("%w: status %d: %w", ErrServiceTransient, status, err)
	}
}

func apiErrorCode(e *openai.APIError) string {
	if s, ok := e.Code.(string); ok && s != "" {
		return strings.ToLower(s)
	}
	return strings.ToLower(e.Type)
}

func retryable(err error) bool {
	return errors.Is(err, ErrServiceTransient) || errors.Is(err, ErrMalformedResponse)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ErrNonRetryable):
		return "non_retryable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transient"
	}
}
