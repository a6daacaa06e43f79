package agent

import (
	"crypto/sha256"
	"fmt"

	"github.com/samsaffron/tau/internal/llm"
)

const (
	loopWindow        = 10
	maxLoopPatternLen = 3
)

// loopDetector watches the most recent tool calls for a short repeating
// pattern.
type loopDetector struct {
	window int
	sigs   []string
	names  []string
}

func newLoopDetector(window int) *loopDetector {
	if window <= 0 {
		window = loopWindow
	}
	return &loopDetector{window: window}
}

func callSignature(call llm.ToolCall) string {
	h := sha256.Sum256(call.Arguments)
	return fmt.Sprintf("%s:%x", call.Name, h[:8])
}

// Observe records call and returns the repeating tool names when the last
// window calls follow a pattern of length 1 to 3. The history is cleared
// after a detection so one loop is reported once.
func (d *loopDetector) Observe(call llm.ToolCall) []string {
	d.sigs = append(d.sigs, callSignature(call))
	d.names = append(d.names, call.Name)
	if len(d.sigs) > d.window {
		d.sigs = d.sigs[len(d.sigs)-d.window:]
		d.names = d.names[len(d.names)-d.window:]
	}
	if len(d.sigs) < d.window {
		return nil
	}

	for n := 1; n <= maxLoopPatternLen; n++ {
		if repeats(d.sigs, n) {
			pattern := append([]string(nil), d.names[:n]...)
			d.Reset()
			return pattern
		}
	}
	return nil
}

func (d *loopDetector) Reset() {
	d.sigs = nil
	d.names = nil
}

// repeats reports whether sigs is periodic with period n.
func repeats(sigs []string, n int) bool {
	for i := n; i < len(sigs); i++ {
		if sigs[i] != sigs[i-n] {
			return false
		}
	}
	return true
}
