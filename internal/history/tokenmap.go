package history

import "github.com/sablefox/conduit/internal/chatevent"

// turnTracker emits a turn_start exactly when a genuinely new turn
// begins, per §9's "do not assume a canonical ordering across entry
// types; rely on file order for ties". A turn spans a human message and
// everything the agent does in response to it, including the
// tool_result carrier entries Claude's and Pi's wire formats interleave
// as role "user" between "assistant" entries; callers signal a real
// boundary explicitly rather than by comparing raw roles, since role
// alone toggles on every tool round-trip within one logical turn.
type turnTracker struct {
	sessionID   string
	turnID      string
	turnCounter int
	seen        map[string]struct{} // dedupe key -> emitted, per §4.2's "per-response set"
}

func newTurnTracker(sessionID string) *turnTracker {
	return &turnTracker{sessionID: sessionID, seen: make(map[string]struct{})}
}

// startTurnIfNeeded opens a turn if none is open yet, or closes the
// currently open one and opens a fresh one when isNewTurn reports a
// genuine new human turn. Continuation entries (tool calls, tool
// results, assistant replies) pass isNewTurn=false and simply ride the
// already-open turn.
func (t *turnTracker) startTurnIfNeeded(isNewTurn bool, trigger string, out *[]chatevent.Event) {
	if t.turnID != "" {
		if !isNewTurn {
			return
		}
		t.closeTurn(out)
	}
	t.turnCounter++
	t.turnID = idFor(t.sessionID, "turn", t.turnCounter)
	*out = append(*out, chatevent.TurnStart(t.sessionID, t.turnID, trigger))
}

func (t *turnTracker) closeTurn(out *[]chatevent.Event) {
	if t.turnID == "" {
		return
	}
	*out = append(*out, chatevent.TurnEnd(t.sessionID, t.turnID))
	t.turnID = ""
}

// dedupe reports whether key was already seen, and records it.
func (t *turnTracker) dedupe(key string) bool {
	if _, ok := t.seen[key]; ok {
		return true
	}
	t.seen[key] = struct{}{}
	return false
}

func idFor(sessionID, kind string, n int) string {
	return sessionID + "-" + kind + "-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
