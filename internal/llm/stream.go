package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
)

type eventStream struct {
	events chan Event
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

// newEventStream runs fn on its own goroutine and exposes the events it sends
// as a Stream. The error fn returns is reported by Recv after the last event.
func newEventStream(ctx context.Context, fn func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.err = fn(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.events {
		}
	})
	return nil
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameSource is the iteration surface shared by the SDK streaming types.
type frameSource[T any] interface {
	Next() bool
	Current() T
	Err() error
}

// frameDecoder reassembles one wire variant's frames into normalized events.
// Decode is called once per frame in wire order; Finish after the source is
// exhausted without error. Finish reports ErrTruncated when no terminal frame
// was seen and otherwise emits the final usage and stop events.
type frameDecoder[T any] interface {
	Decode(frame T, emit func(Event)) error
	Finish(emit func(Event)) error
}

// pump drives dec over src and forwards the resulting events. Transport
// errors from src are mapped through classify.
func pump[T any](ctx context.Context, classify func(error) *StreamError, src frameSource[T], dec frameDecoder[T], events chan<- Event) error {
	var pending []Event
	emit := func(ev Event) { pending = append(pending, ev) }
	flush := func() error {
		for _, ev := range pending {
			if err := send(ctx, events, ev); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}

	for src.Next() {
		err := dec.Decode(src.Current(), emit)
		if ferr := flush(); ferr != nil {
			return ferr
		}
		if err != nil {
			return classify(err)
		}
	}
	if err := src.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := dec.Finish(emit); err != nil {
		if ferr := flush(); ferr != nil {
			return ferr
		}
		return classify(err)
	}
	return flush()
}

// seqSource adapts a pull iterator such as the one genai returns.
type seqSource[T any] struct {
	next func() (T, error, bool)
	stop func()
	cur  T
	err  error
}

func newSeqSource[T any](seq iter.Seq2[T, error]) *seqSource[T] {
	next, stop := iter.Pull2(seq)
	return &seqSource[T]{next: next, stop: stop}
}

func (s *seqSource[T]) Next() bool {
	if s.err != nil {
		return false
	}
	v, err, ok := s.next()
	if !ok {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.cur = v
	return true
}

func (s *seqSource[T]) Current() T { return s.cur }
func (s *seqSource[T]) Err() error { return s.err }
func (s *seqSource[T]) Close()     { s.stop() }

// pendingCall buffers the argument fragments of one streamed tool call.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// complete validates the buffered arguments and returns the finished call.
func (c *pendingCall) complete() (*ToolCall, error) {
	if c.name == "" {
		return nil, NewStreamError(ErrProtocol, "tool call %s has no name", c.id)
	}
	raw := strings.TrimSpace(c.args.String())
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return nil, NewStreamError(ErrProtocol, "tool call %s (%s): arguments are not valid JSON: %s", c.id, c.name, truncate(raw, 200))
	}
	return &ToolCall{ID: c.id, Name: c.name, Arguments: json.RawMessage(raw)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func syntheticCallID(position int) string {
	return fmt.Sprintf("call_%d", position)
}

// finishEvents emits the usage and stop pair that ends every successful stream.
func finishEvents(emit func(Event), usage Usage, stop StopReason) {
	if stop == "" {
		stop = StopEndTurn
	}
	u := usage
	emit(Event{Type: EventUsage, Use: &u})
	emit(Event{Type: EventStop, Stop: stop})
}
