// Package governor stops a Task that keeps failing.
package governor

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/satto/internal/protocol"
)

// DefaultMax is the default consecutive mistake limit.
const DefaultMax = 3

// Governor counts consecutive mistakes on a Task. The count lives on the
// Task so it survives across invocations.
type Governor struct {
	max int
	// recent holds the mistakes since the last reset, for the abort message.
	recent []protocol.Mistake
}

// New creates a governor; max < 1 selects DefaultMax.
func New(max int) *Governor {
	if max < 1 {
		max = DefaultMax
	}
	return &Governor{max: max}
}

// Max returns the limit.
func (g *Governor) Max() int { return g.max }

// Seed restores the recent mistakes from the Task's committed turns so an
// abort after a restart can still name them.
func (g *Governor) Seed(task *protocol.Task) {
	g.recent = nil
	remaining := task.MistakeCount
	for i := len(task.Turns) - 1; i >= 0 && remaining > 0; i-- {
		ms := task.Turns[i].Mistakes
		for j := len(ms) - 1; j >= 0 && remaining > 0; j-- {
			g.recent = append([]protocol.Mistake{ms[j]}, g.recent...)
			remaining--
		}
	}
}

// Record counts one mistake and reports whether the Task must abort.
func (g *Governor) Record(task *protocol.Task, m protocol.Mistake) bool {
	task.MistakeCount++
	g.recent = append(g.recent, m)
	return task.MistakeCount >= g.max
}

// Reset clears the count after a successful action.
func (g *Governor) Reset(task *protocol.Task) {
	task.MistakeCount = 0
	g.recent = nil
}

// Exceeded reports whether the Task has already hit the limit.
func (g *Governor) Exceeded(task *protocol.Task) bool {
	return task.MistakeCount >= g.max
}

// AbortReason describes the mistakes that triggered an abort.
func (g *Governor) AbortReason(task *protocol.Task) string {
	counts := map[protocol.ErrorKind]int{}
	var order []protocol.ErrorKind
	for _, m := range g.recent {
		if counts[m.Kind] == 0 {
			order = append(order, m.Kind)
		}
		counts[m.Kind]++
	}
	parts := make([]string, 0, len(order))
	for _, kind := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[kind], kind))
	}
	reason := fmt.Sprintf("%d consecutive mistakes (limit %d)", task.MistakeCount, g.max)
	if len(parts) > 0 {
		reason += ": " + strings.Join(parts, ", ")
	}
	if n := len(g.recent); n > 0 {
		reason += "; last: " + g.recent[n-1].Message
	}
	return reason
}

// Error returns the GovernorAborted error for the Task.
func (g *Governor) Error(task *protocol.Task) error {
	return protocol.Errorf(protocol.KindGovernorAborted, "max_mistakes", "%s", g.AbortReason(task))
}
