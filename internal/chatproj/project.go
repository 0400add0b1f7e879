// Package chatproj implements the Chat-Message Projection (C3): folding
// a ChatEvent stream into a provider-specific ChatCompletionMessage list,
// per the rules of §4.3.
package chatproj

import (
	"encoding/json"
	"fmt"

	"github.com/sablefox/conduit/internal/chatevent"
)

type Provider string

const (
	ProviderGeneric   Provider = "generic"
	ProviderClaudeCLI Provider = "claude-cli"
	ProviderCodexCLI  Provider = "codex-cli"
	ProviderPi        Provider = "pi"
)

// Project folds events into messages for provider. The generic
// projection preserves full structure (tool_calls, meta); Claude/Codex
// CLI projections flatten to a plain transcript string wrapped in a
// single user message, per §4.3's "Provider variants". Pi is the one
// provider whose wire format natively carries a signed thinking block
// (PiSDKMessage is its provider-opaque passthrough), so it is the
// "provider that preserves signatures" rule 6 refers to; Generic keeps
// the plain projection's own exclusion and Claude/Codex CLI flatten to
// text anyway, leaving no structured slot for a signature.
func Project(events []chatevent.Event, provider Provider) []chatevent.CompletionMessage {
	generic := projectGeneric(events, provider == ProviderPi)
	switch provider {
	case ProviderClaudeCLI, ProviderCodexCLI:
		return []chatevent.CompletionMessage{
			chatevent.NewUserMessage(RenderTranscript(generic), nil),
		}
	default:
		return generic
	}
}

// projectGeneric implements rules 1-6. preserveThinking controls rule 6:
// when true, a thinking_done event's text and signature ride along on
// the next assistant message as its PiSDKMessage blob instead of being
// dropped.
func projectGeneric(events []chatevent.Event, preserveThinking bool) []chatevent.CompletionMessage {
	var out []chatevent.CompletionMessage
	var pendingToolCallMsg *int // index into out of an open synthetic assistant message collecting tool_calls
	var pendingThinking json.RawMessage

	flushPendingToolCalls := func() {
		pendingToolCallMsg = nil
	}

	attachPendingThinking := func(idx int) {
		if pendingThinking == nil {
			return
		}
		out[idx].PiSDKMessage = pendingThinking
		pendingThinking = nil
	}

	for _, ev := range events {
		switch ev.Type {
		case chatevent.TypeUserMessage:
			flushPendingToolCalls()
			out = append(out, chatevent.NewUserMessage(ev.Text, ev.Meta))

		case chatevent.TypeToolCall:
			ref := chatevent.ToolCallRef{ID: ev.CallID, ToolName: ev.ToolName, ArgumentsJSON: ev.ArgsJSON}
			if pendingToolCallMsg != nil {
				out[*pendingToolCallMsg].ToolCalls = append(out[*pendingToolCallMsg].ToolCalls, ref)
				continue
			}
			out = append(out, chatevent.CompletionMessage{Role: chatevent.RoleAssistant, ToolCalls: []chatevent.ToolCallRef{ref}})
			idx := len(out) - 1
			pendingToolCallMsg = &idx
			attachPendingThinking(idx)

		case chatevent.TypeToolResult:
			flushPendingToolCalls()
			content := resultContent(ev)
			out = append(out, chatevent.NewToolMessage(ev.CallID, content))

		case chatevent.TypeAssistantDone:
			if pendingToolCallMsg != nil && out[*pendingToolCallMsg].Content == "" {
				out[*pendingToolCallMsg].Content = ev.Text
				flushPendingToolCalls()
				continue
			}
			flushPendingToolCalls()
			out = append(out, chatevent.NewAssistantMessage(ev.Text))
			attachPendingThinking(len(out) - 1)

		case chatevent.TypeAgentCallback:
			flushPendingToolCalls()
			text := fmt.Sprintf("[Callback from %s]: %s", ev.FromAgentID, ev.Text)
			out = append(out, chatevent.NewUserMessage(text, &chatevent.MessageMeta{Source: "agent", FromAgentID: ev.FromAgentID}))

		case chatevent.TypeThinkingDone:
			// Rule 6: dropped everywhere except when preserveThinking asks
			// for it, in which case it rides the next assistant message
			// (tool-call or plain) as that message's PiSDKMessage blob.
			if preserveThinking {
				if blob, err := json.Marshal(map[string]string{
					"thinking": ev.Text, "signature": ev.Signature,
				}); err == nil {
					pendingThinking = blob
				}
			}

		case chatevent.TypeTurnStart, chatevent.TypeTurnEnd, chatevent.TypeSummaryMessage,
			chatevent.TypeCustomMessage, chatevent.TypeInterrupt:
			// Structural/out-of-band markers; no direct completion-message
			// representation in the generic projection.
		}
	}
	return out
}

func resultContent(ev chatevent.Event) string {
	if ev.ResultOk != nil && !*ev.ResultOk {
		body, _ := json.Marshal(map[string]any{"ok": false, "error": ev.ResultError})
		return string(body)
	}
	return ev.ResultText
}

// RenderTranscript renders a generic-projected message list as the plain
// "User: ...\nAssistant: ..." transcript the Claude/Codex CLI provider
// variants expect (§4.3).
func RenderTranscript(msgs []chatevent.CompletionMessage) string {
	var out string
	for _, m := range msgs {
		switch m.Role {
		case chatevent.RoleUser:
			out += "User: " + m.Content + "\n"
		case chatevent.RoleAssistant:
			out += "Assistant: " + m.Content + "\n"
		}
	}
	return out
}
