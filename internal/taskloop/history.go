package taskloop

import (
	"github.com/iambrandonn/satto/internal/protocol"
)

const interruptedNote = "[Response interrupted by user]"

// contextLimit returns the prompt size, in tokens, past which the history
// of the next request is shortened.
func contextLimit(window int) int {
	switch window {
	case 64_000:
		return window - 27_000
	case 128_000:
		return window - 30_000
	case 200_000:
		return window - 40_000
	}
	return max(window-40_000, int(float64(window)*0.8))
}

// historyTurns returns how many committed turns the next request carries.
// The window grows by one turn per request. When the previous request came
// close to the context window, the oldest turns after the first are dropped:
// half of them, or all but a quarter when the request was twice the limit.
// Dropped turns stay dropped for the rest of the task.
func historyTurns(task *protocol.Task, contextWindow int) int {
	last := task.LastTurn()
	if last == nil {
		return 0
	}
	n := min(last.HistoryTurns+1, len(task.Turns))
	if contextWindow <= 0 {
		return n
	}

	u := last.Usage
	total := u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
	limit := contextLimit(contextWindow)
	if total < limit || n < 2 {
		return n
	}
	rest := n - 1
	if total/2 > limit {
		rest /= 4
	} else {
		rest -= rest / 2
	}
	return rest + 1
}

// buildHistory renders the first committed turn plus the most recent n-1,
// followed by the new input.
func buildHistory(turns []protocol.Turn, n int, input string) []protocol.Message {
	msgs := make([]protocol.Message, 0, 2*n+1)
	if n > 0 && len(turns) > 0 {
		msgs = appendExchange(msgs, &turns[0])
		for i := max(1, len(turns)-(n-1)); i < len(turns); i++ {
			msgs = appendExchange(msgs, &turns[i])
		}
	}
	return append(msgs, protocol.Message{Role: protocol.RoleUser, Content: input})
}

func appendExchange(msgs []protocol.Message, turn *protocol.Turn) []protocol.Message {
	reply := turn.ResponseText()
	if turn.Outcome == protocol.OutcomeInterrupted {
		if reply != "" {
			reply += "\n\n"
		}
		reply += interruptedNote
	}
	if reply == "" {
		reply = "(no response)"
	}
	return append(msgs,
		protocol.Message{Role: protocol.RoleUser, Content: turn.Input},
		protocol.Message{Role: protocol.RoleAssistant, Content: reply},
	)
}
