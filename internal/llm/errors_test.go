package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"429 status", errors.New(`POST "https://api.example.com/v1/messages": 429 Too Many Requests`), ErrRateLimited},
		{"overloaded", errors.New(`received error while streaming: {"type":"overloaded_error"}`), ErrRateLimited},
		{"resource exhausted", errors.New("Error 429, Status: RESOURCE_EXHAUSTED"), ErrRateLimited},
		{"529", errors.New("529 site overloaded"), ErrRateLimited},
		{"502", errors.New("502 Bad Gateway"), ErrServerError},
		{"500", errors.New("500 Internal Server Error"), ErrServerError},
		{"503", errors.New("503 Service Unavailable"), ErrServerError},
		{"context length", errors.New("400 Bad Request: This model's maximum context length is 128000 tokens"), ErrContextExceeded},
		{"prompt too long", errors.New("prompt is too long: 210000 tokens > 200000 maximum"), ErrContextExceeded},
		{"openai code", errors.New(`{"code":"context_length_exceeded"}`), ErrContextExceeded},
		{"connection refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), ErrNetworkTransient},
		{"connection reset", errors.New("read tcp 10.0.0.2:443: read: connection reset by peer"), ErrNetworkTransient},
		{"dns", fmt.Errorf("dial tcp: %w", &net.DNSError{Err: "no such host", Name: "api.example.com", IsNotFound: true}), ErrNetworkTransient},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}, ErrNetworkTransient},
		{"deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), ErrNetworkTransient},
		{"json syntax", &json.SyntaxError{}, ErrProtocol},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), ErrTruncated},
		{"other", errors.New("400 Bad Request: invalid model"), ErrProtocol},
		{"timeout in message", errors.New("400 Bad Request: invalid timeout parameter"), ErrProtocol},
		{"deadline in message", errors.New("400 Bad Request: deadline exceeded the allowed range"), ErrProtocol},
		{"host in message", errors.New("400 Bad Request: no such host alias configured"), ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError("test", tt.err)
			if got.Kind != tt.want {
				t.Errorf("ClassifyError(%q).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the original")
			}
		})
	}
}

func TestClassifyError_PreservesStreamError(t *testing.T) {
	orig := NewStreamError(ErrTruncated, "cut short")
	got := ClassifyError("anthropic", fmt.Errorf("wrapped: %w", orig))
	if got != orig {
		t.Fatalf("expected the original StreamError back")
	}
	if got.Provider != "anthropic" {
		t.Errorf("provider = %q", got.Provider)
	}
}

func TestStreamError_Retryable(t *testing.T) {
	for kind, want := range map[ErrorKind]bool{
		ErrRateLimited:      true,
		ErrServerError:      true,
		ErrNetworkTransient: true,
		ErrContextExceeded:  false,
		ErrProtocol:         false,
		ErrTruncated:        false,
	} {
		if got := (&StreamError{Kind: kind}).Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestClassifyHTTPError(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	got := classifyHTTPError("openai", 429, header, errors.New("slow down"))
	if got.Kind != ErrRateLimited {
		t.Errorf("kind = %s", got.Kind)
	}
	if got.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got.RetryAfter)
	}

	got = classifyHTTPError("openai", 413, nil, errors.New("payload"))
	if got.Kind != ErrContextExceeded {
		t.Errorf("413 kind = %s", got.Kind)
	}

	header = http.Header{}
	header.Set("Retry-After-Ms", "1500")
	got = classifyHTTPError("openai", 503, header, errors.New("unavailable"))
	if got.Kind != ErrServerError || got.RetryAfter != 1500*time.Millisecond {
		t.Errorf("got %s / %v", got.Kind, got.RetryAfter)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	err := errors.New("503 Service Unavailable")

	for attempt := 1; attempt <= 6; attempt++ {
		base := float64(cfg.BaseBackoff) * float64(int(1)<<(attempt-1))
		lo := time.Duration(base * 0.75)
		hi := time.Duration(base * 1.25)
		if hi > cfg.MaxBackoff {
			hi = cfg.MaxBackoff
		}
		if lo > cfg.MaxBackoff {
			lo = cfg.MaxBackoff
		}
		for i := 0; i < 20; i++ {
			got := cfg.Backoff(attempt, err)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestRetryConfig_BackoffHonoursRetryAfter(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 5 * time.Second}

	hinted := &StreamError{Kind: ErrRateLimited, RetryAfter: 2 * time.Second, Err: errors.New("429")}
	if got := cfg.Backoff(1, hinted); got != 2*time.Second {
		t.Errorf("backoff = %v, want 2s", got)
	}

	capped := &StreamError{Kind: ErrRateLimited, RetryAfter: time.Minute, Err: errors.New("429")}
	if got := cfg.Backoff(1, capped); got != 5*time.Second {
		t.Errorf("backoff = %v, want cap 5s", got)
	}

	text := errors.New(`429 {"error":"rate limited","retry-after": 3}`)
	if got := cfg.Backoff(1, text); got != 3*time.Second {
		t.Errorf("backoff = %v, want 3s from message", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Sleep did not return promptly")
	}
}
