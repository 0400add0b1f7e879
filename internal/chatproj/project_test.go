package chatproj

import (
	"strings"
	"testing"

	"github.com/sablefox/conduit/internal/chatevent"
)

func TestProjectGroupsConsecutiveToolCalls(t *testing.T) {
	events := []chatevent.Event{
		chatevent.UserMessage("s1", "t1", "do it", nil),
		chatevent.ToolCall("s1", "t1", "r1", "c1", "read_file", `{"path":"a"}`),
		chatevent.ToolCall("s1", "t1", "r1", "c2", "read_file", `{"path":"b"}`),
		chatevent.ToolResultOK("s1", "t1", "r1", "c1", "contents a"),
		chatevent.ToolResultOK("s1", "t1", "r1", "c2", "contents b"),
		chatevent.AssistantDone("s1", "t1", "r1", "done", false),
	}
	msgs := Project(events, ProviderGeneric)

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5: %#v", len(msgs), msgs)
	}
	if msgs[0].Role != chatevent.RoleUser {
		t.Errorf("msg0 role = %s, want user", msgs[0].Role)
	}
	if len(msgs[1].ToolCalls) != 2 {
		t.Fatalf("expected 2 grouped tool calls, got %d", len(msgs[1].ToolCalls))
	}
	if msgs[2].Role != chatevent.RoleTool || msgs[2].ToolCallID != "c1" {
		t.Errorf("msg2 = %#v, want tool result for c1", msgs[2])
	}
	if msgs[4].Content != "done" {
		t.Errorf("final assistant content = %q, want done", msgs[4].Content)
	}
}

func TestProjectAttachesTextToSyntheticAssistant(t *testing.T) {
	events := []chatevent.Event{
		chatevent.UserMessage("s1", "t1", "hi", nil),
		chatevent.ToolCall("s1", "t1", "r1", "c1", "search", `{}`),
		chatevent.AssistantDone("s1", "t1", "r1", "found it", false),
		chatevent.ToolResultOK("s1", "t1", "r1", "c1", "ok"),
	}
	msgs := Project(events, ProviderGeneric)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant-with-tool-calls+text, tool): %#v", len(msgs), msgs)
	}
	assistantMsg := msgs[1]
	if assistantMsg.Content != "found it" {
		t.Errorf("expected text folded into tool-call message, got %#v", assistantMsg)
	}
}

func TestProjectAgentCallbackPrefix(t *testing.T) {
	events := []chatevent.Event{
		chatevent.AgentCallback("s1", "t1", "agent-42", "status update"),
	}
	msgs := Project(events, ProviderGeneric)
	if len(msgs) != 1 || msgs[0].Content != "[Callback from agent-42]: status update" {
		t.Fatalf("got %#v", msgs)
	}
}

func TestProjectPiPreservesThinkingSignatureOnNextAssistantMessage(t *testing.T) {
	events := []chatevent.Event{
		chatevent.UserMessage("s1", "t1", "hi", nil),
		chatevent.ThinkingDone("s1", "t1", "r1", "reasoning about it", "sig-123"),
		chatevent.AssistantDone("s1", "t1", "r1", "done", false),
	}

	generic := Project(events, ProviderGeneric)
	for _, m := range generic {
		if len(m.PiSDKMessage) != 0 {
			t.Fatalf("generic projection must drop thinking_done per rule 6, got %#v", m)
		}
	}

	pi := Project(events, ProviderPi)
	if len(pi) != 2 {
		t.Fatalf("got %d messages, want 2 (user, assistant): %#v", len(pi), pi)
	}
	assistantMsg := pi[1]
	if len(assistantMsg.PiSDKMessage) == 0 {
		t.Fatalf("expected thinking_done to ride along as PiSDKMessage, got %#v", assistantMsg)
	}
	if !strings.Contains(string(assistantMsg.PiSDKMessage), "sig-123") {
		t.Errorf("expected signature in PiSDKMessage blob, got %s", assistantMsg.PiSDKMessage)
	}
}

func TestProjectClaudeCLIYieldsPlainTranscript(t *testing.T) {
	events := []chatevent.Event{
		chatevent.UserMessage("s1", "t1", "hi", nil),
		chatevent.AssistantDone("s1", "t1", "r1", "hello", false),
	}
	msgs := Project(events, ProviderClaudeCLI)
	if len(msgs) != 1 {
		t.Fatalf("expected single transcript message, got %d", len(msgs))
	}
	want := "User: hi\nAssistant: hello\n"
	if msgs[0].Content != want {
		t.Errorf("got %q, want %q", msgs[0].Content, want)
	}
}
