package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failed provider stream.
type ErrorKind string

const (
	ErrProtocol         ErrorKind = "protocol"          // malformed wire data
	ErrTruncated        ErrorKind = "truncated"         // stream ended without a terminal frame
	ErrRateLimited      ErrorKind = "rate_limited"      // 429 / overloaded
	ErrServerError      ErrorKind = "server_error"      // 5xx
	ErrNetworkTransient ErrorKind = "network_transient" // connection level failure
	ErrContextExceeded  ErrorKind = "context_exceeded"  // request larger than the model input limit
)

// StreamError is the error returned by Stream.Recv when a provider call fails.
type StreamError struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration // server supplied hint, zero if absent
	Err        error
}

func (e *StreamError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *StreamError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrServerError, ErrNetworkTransient:
		return true
	}
	return false
}

// NewStreamError builds a StreamError of an explicit kind.
func NewStreamError(kind ErrorKind, format string, args ...any) *StreamError {
	return &StreamError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind of err, or "" if err is not a StreamError.
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ClassifyError maps a provider or transport error to a StreamError.
// Errors that are already StreamErrors are returned unchanged.
func ClassifyError(provider string, err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		if se.Provider == "" {
			se.Provider = provider
		}
		return se
	}
	return &StreamError{
		Kind:       classify(err),
		Provider:   provider,
		RetryAfter: parseRetryAfter(err),
		Err:        err,
	}
}

func classify(err error) ErrorKind {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ErrProtocol
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}

	errStr := strings.ToLower(err.Error())

	// Context overflow phrasing varies per provider; check before status codes
	// because overflow is usually reported as a 400 or 413.
	if isContextOverflow(errStr) {
		return ErrContextExceeded
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "overloaded") {
		return ErrRateLimited
	}

	if strings.Contains(errStr, "500 internal") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "api_error") {
		return ErrServerError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetworkTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetworkTransient
	}
	// SDKs sometimes flatten socket errors into text. Timeouts are only
	// trusted through the typed checks above.
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") {
		return ErrNetworkTransient
	}

	return ErrProtocol
}

var contextOverflowPhrases = []string{
	"context length",
	"context_length_exceeded",
	"context window",
	"maximum context length",
	"too many tokens",
	"token limit",
	"prompt is too long",
	"prompt too long",
	"request too large",
	"messages too long",
	"reduce the length",
	"input too long",
	"content too large",
	"exceeds the maximum number of tokens",
}

func isContextOverflow(errStr string) bool {
	for _, phrase := range contextOverflowPhrases {
		if strings.Contains(errStr, phrase) {
			return true
		}
	}
	return false
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[":\s]+(\d+)`)

func parseRetryAfter(err error) time.Duration {
	if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
		if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// classifyHTTPError refines ClassifyError with the status code and headers of
// an SDK API error.
func classifyHTTPError(provider string, status int, header http.Header, err error) *StreamError {
	se := ClassifyError(provider, err)
	switch {
	case se.Kind == ErrContextExceeded:
	case status == http.StatusTooManyRequests || status == 529:
		se.Kind = ErrRateLimited
	case status == http.StatusRequestEntityTooLarge:
		se.Kind = ErrContextExceeded
	case status >= 500:
		se.Kind = ErrServerError
	}
	if d := parseRetryAfterHeader(header); d > 0 {
		se.RetryAfter = d
	}
	return se
}

func parseRetryAfterHeader(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if v := header.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
