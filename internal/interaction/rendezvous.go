package interaction

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CliCallRecord is what the rendezvous remembers about a tool call
// an external CLI reported via tool_execution_start/end, so a later
// tool_result can be matched back even when only one side is observed
// (§4.9).
type CliCallRecord struct {
	SessionID  string
	CallID     string
	ToolName   string
	ArgsJSON   string
	ArgsHash   string
	RecordedAt time.Time
}

// ArgsHash keys rendezvous records deterministically when the same tool
// name fires twice in one turn, mirroring a tool-loop tracker's
// record-by-name-and-args keying.
func ArgsHash(toolName, argsJSON string) string {
	sum := sha256.Sum256([]byte(toolName + "\x00" + argsJSON))
	return hex.EncodeToString(sum[:8])
}

// CliRendezvous keys records by sessionId+callId when a callId is known,
// falling back to sessionId+toolName+argsHash when it isn't: the case
// an external CLI echoes a tool call without the controller's own id.
type CliRendezvous struct {
	mu      sync.Mutex
	byCall  map[string]CliCallRecord // sessionId:callId
	byArgs  map[string]CliCallRecord // sessionId:toolName:argsHash
}

func NewCliRendezvous() *CliRendezvous {
	return &CliRendezvous{
		byCall: make(map[string]CliCallRecord),
		byArgs: make(map[string]CliCallRecord),
	}
}

func (c *CliRendezvous) Record(sessionID, callID, toolName, argsJSON string) CliCallRecord {
	rec := CliCallRecord{
		SessionID: sessionID, CallID: callID, ToolName: toolName,
		ArgsJSON: argsJSON, ArgsHash: ArgsHash(toolName, argsJSON), RecordedAt: time.Now(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if callID != "" {
		c.byCall[sessionID+":"+callID] = rec
	}
	c.byArgs[sessionID+":"+toolName+":"+rec.ArgsHash] = rec
	return rec
}

// MatchOpts selects which index to probe.
type MatchOpts struct {
	SessionID string
	CallID    string
	ToolName  string
	ArgsJSON  string
}

func (c *CliRendezvous) Match(opts MatchOpts) (CliCallRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.CallID != "" {
		if rec, ok := c.byCall[opts.SessionID+":"+opts.CallID]; ok {
			return rec, true
		}
	}
	if opts.ToolName != "" {
		key := opts.SessionID + ":" + opts.ToolName + ":" + ArgsHash(opts.ToolName, opts.ArgsJSON)
		if rec, ok := c.byArgs[key]; ok {
			return rec, true
		}
	}
	return CliCallRecord{}, false
}

func (c *CliRendezvous) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := sessionID + ":"
	for k := range c.byCall {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.byCall, k)
		}
	}
	for k := range c.byArgs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.byArgs, k)
		}
	}
}
