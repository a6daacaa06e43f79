package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseServer replays a canned server-sent event body for every request.
func sseServer(t *testing.T, status int, header http.Header, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if status == http.StatusOK {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func anthropicSSE(frames []string) string {
	var sb strings.Builder
	for _, frame := range frames {
		typ := frame[len(`{"type":"`):]
		typ = typ[:strings.Index(typ, `"`)]
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", typ, frame)
	}
	return sb.String()
}

func openaiSSE(frames []string, done bool) string {
	var sb strings.Builder
	for _, frame := range frames {
		fmt.Fprintf(&sb, "data: %s\n\n", frame)
	}
	if done {
		sb.WriteString("data: [DONE]\n\n")
	}
	return sb.String()
}

func drain(t *testing.T, stream Stream) ([]Event, error) {
	t.Helper()
	defer stream.Close()
	var events []Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestAnthropicProvider_StreamOverHTTP(t *testing.T) {
	srv := sseServer(t, http.StatusOK, nil, anthropicSSE(anthropicListTurn))
	p, err := NewAnthropicProvider("test-key", srv.URL, "claude-test", "api_key")
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	stream, err := p.Stream(context.Background(), Request{Messages: []Message{UserText("list files")}, Tools: []ToolSpec{{Name: "list", Schema: map[string]interface{}{"type": "object"}}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	calls := completedCalls(events)
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Name != "list" {
		t.Fatalf("calls = %+v", calls)
	}
	if events[len(events)-1].Stop != StopToolUse {
		t.Errorf("stop = %q", events[len(events)-1].Stop)
	}
}

func TestAnthropicProvider_ConnectionClosedEarly(t *testing.T) {
	srv := sseServer(t, http.StatusOK, nil, anthropicSSE(anthropicListTurn[:7]))
	p, _ := NewAnthropicProvider("test-key", srv.URL, "claude-test", "api_key")
	stream, err := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, err = drain(t, stream)
	var se *StreamError
	if !errors.As(err, &se) || se.Kind != ErrTruncated {
		t.Fatalf("err = %v, want truncated StreamError", err)
	}
	if se.Provider != "anthropic" {
		t.Errorf("provider = %q", se.Provider)
	}
}

func TestAnthropicProvider_MalformedFrame(t *testing.T) {
	body := anthropicSSE(anthropicListTurn[:2]) + "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\n\n"
	srv := sseServer(t, http.StatusOK, nil, body)
	p, _ := NewAnthropicProvider("test-key", srv.URL, "claude-test", "api_key")
	stream, _ := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	_, err := drain(t, stream)
	if KindOf(err) != ErrProtocol {
		t.Fatalf("err = %v, want protocol", err)
	}
}

func TestAnthropicProvider_OverloadedEvent(t *testing.T) {
	body := anthropicSSE(anthropicListTurn[:1]) + "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	srv := sseServer(t, http.StatusOK, nil, body)
	p, _ := NewAnthropicProvider("test-key", srv.URL, "claude-test", "api_key")
	stream, _ := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	_, err := drain(t, stream)
	if KindOf(err) != ErrRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
}

func TestOpenAIProvider_StreamOverHTTP(t *testing.T) {
	srv := sseServer(t, http.StatusOK, nil, openaiSSE(openaiListTurn, true))
	p, err := NewOpenAIProvider("test-key", srv.URL, "gpt-test", "api_key")
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	stream, _ := p.Stream(context.Background(), Request{Messages: []Message{UserText("list files")}})
	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	calls := completedCalls(events)
	if len(calls) != 1 || calls[0].ID != "call_abc" {
		t.Fatalf("calls = %+v", calls)
	}
	if n := countType(events, EventUsage); n != 1 {
		t.Errorf("usage events = %d", n)
	}
}

func TestOpenAIProvider_RateLimitedWithRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	srv := sseServer(t, http.StatusTooManyRequests, header, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
	p, _ := NewOpenAIProvider("test-key", srv.URL, "gpt-test", "api_key")
	stream, _ := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	_, err := drain(t, stream)
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if se.Kind != ErrRateLimited || se.RetryAfter != 7*time.Second {
		t.Errorf("got %s retry-after %v", se.Kind, se.RetryAfter)
	}
}

func TestOpenAIProvider_ContextExceeded(t *testing.T) {
	srv := sseServer(t, http.StatusBadRequest, nil, `{"error":{"message":"This model's maximum context length is 8192 tokens","code":"context_length_exceeded"}}`)
	p, _ := NewOpenAIProvider("test-key", srv.URL, "gpt-test", "api_key")
	stream, _ := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	_, err := drain(t, stream)
	if KindOf(err) != ErrContextExceeded {
		t.Fatalf("err = %v, want context_exceeded", err)
	}
}

func TestOpenAIProvider_CompatibleServerWithoutKey(t *testing.T) {
	srv := sseServer(t, http.StatusOK, nil, openaiSSE(openaiListTurn, true))
	p, err := NewOpenAIProvider("", srv.URL, "llama3", "")
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.Credential() != "none" {
		t.Errorf("credential = %q", p.Credential())
	}
	if _, err := NewOpenAIProvider("", "", "gpt", ""); err == nil {
		t.Error("expected error without key or base URL")
	}
}

func TestEventStream_CloseStopsProducer(t *testing.T) {
	done := make(chan struct{})
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		defer close(done)
		for {
			if err := send(ctx, events, Event{Type: EventTextDelta, Text: "x"}); err != nil {
				return err
			}
		}
	})
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	stream.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running after Close")
	}
}
