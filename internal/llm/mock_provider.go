package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a scripted Provider for tests. Each call to Stream consumes
// the next MockTurn.
type MockProvider struct {
	name string

	mu       sync.Mutex
	turns    []MockTurn
	turnIdx  int
	Requests []Request

	// Handler, when set, supplies turns once the script is exhausted.
	Handler func(req Request) MockTurn
}

// MockTurn scripts one provider call.
type MockTurn struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     Usage
	Stop      StopReason

	// Delay is applied before the first event.
	Delay time.Duration
	// OpenErr is returned from Stream itself.
	OpenErr error
	// Err is returned from Recv after the scripted content events, in place
	// of the usage and stop events.
	Err error
	// Block holds the stream open after the content events until the
	// request context is cancelled.
	Block bool
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string       { return m.name }
func (m *MockProvider) Credential() string { return "mock" }

// AddTurn appends a scripted turn.
func (m *MockProvider) AddTurn(turn MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return m
}

// AddTextResponse scripts a plain text answer.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Text: text})
}

// AddToolCall scripts a turn that requests a single tool call.
func (m *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	return m.AddTurn(MockTurn{ToolCalls: []ToolCall{MockCall(id, name, args)}})
}

// AddError scripts a turn whose stream fails with err.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{Err: err})
}

// MockCall builds a ToolCall with args marshalled to JSON.
func MockCall(id, name string, args any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("mock call args: %v", err))
	}
	return ToolCall{ID: id, Name: name, Arguments: raw}
}

// CurrentTurn returns how many turns have been consumed.
func (m *MockProvider) CurrentTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnIdx
}

// RequestCount returns the number of Stream calls made.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// Request returns a copy of the i-th recorded request.
func (m *MockProvider) Request(i int) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[i]
}

// Reset clears the script position and recorded requests.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnIdx = 0
	m.Requests = nil
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	m.Requests = append(m.Requests, req)
	var turn MockTurn
	switch {
	case m.turnIdx < len(m.turns):
		turn = m.turns[m.turnIdx]
		m.turnIdx++
	case m.Handler != nil:
		m.turnIdx++
		handler := m.Handler
		m.mu.Unlock()
		turn = handler(req)
		m.mu.Lock()
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider %s: no more turns configured (turn %d)", m.name, m.turnIdx+1)
	}
	m.mu.Unlock()

	if turn.OpenErr != nil {
		return nil, turn.OpenErr
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			if err := Sleep(ctx, turn.Delay); err != nil {
				return err
			}
		}
		emit := func(ev Event) error { return send(ctx, events, ev) }

		if turn.Reasoning != "" {
			if err := emit(Event{Type: EventReasoningDelta, Text: turn.Reasoning}); err != nil {
				return err
			}
		}
		for _, chunk := range chunkText(turn.Text, 16) {
			if err := emit(Event{Type: EventTextDelta, Text: chunk}); err != nil {
				return err
			}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			delta := call
			if err := emit(Event{Type: EventToolCallDelta, Tool: &delta}); err != nil {
				return err
			}
			if err := emit(Event{Type: EventToolCallComplete, Tool: &call}); err != nil {
				return err
			}
		}
		if turn.Block {
			<-ctx.Done()
			return ctx.Err()
		}
		if turn.Err != nil {
			return turn.Err
		}

		stop := turn.Stop
		if stop == "" {
			stop = StopEndTurn
			if len(turn.ToolCalls) > 0 {
				stop = StopToolUse
			}
		}
		usage := turn.Usage
		if usage == (Usage{}) {
			usage = Usage{InputTokens: 10, OutputTokens: len(turn.Text)/4 + 1}
		}
		if err := emit(Event{Type: EventUsage, Use: &usage}); err != nil {
			return err
		}
		return emit(Event{Type: EventStop, Stop: stop})
	}), nil
}

// chunkText splits text into chunks of at most size bytes.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}
