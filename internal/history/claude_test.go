package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/sessionindex"
)

func writeJSONL(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseClaudeJSONLUserAssistantToolPair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeJSONL(t, path, []string{
		`{"type":"user","message":{"role":"user","content":"hi there"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"call1","name":"read_file","input":{"path":"a.go"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"call1","content":"file contents"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done reading"}]}}`,
	})

	events, err := parseClaudeJSONL(path, "s1")
	if err != nil {
		t.Fatal(err)
	}

	var types []chatevent.Type
	for _, e := range events {
		types = append(types, e.Type)
	}
	// The tool_use and tool_result round-trip rides the same turn as the
	// user message that opened it: one turn_start, one turn_end.
	want := []chatevent.Type{
		chatevent.TypeTurnStart, chatevent.TypeUserMessage,
		chatevent.TypeToolCall,
		chatevent.TypeToolResult,
		chatevent.TypeAssistantDone,
		chatevent.TypeTurnEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}

func TestParseClaudeJSONLSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeJSONL(t, path, []string{
		`not json at all`,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
	})
	events, err := parseClaudeJSONL(path, "s1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Type == chatevent.TypeUserMessage && e.Text == "hello" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected valid line to still be parsed, got %#v", events)
	}
}

func TestClaudeSessionHistoryProviderCachesByMtime(t *testing.T) {
	dir := t.TempDir()
	cwd := "/w"
	sessionID := "abc"
	path := ClaudePath(dir, cwd, sessionID)
	writeJSONL(t, path, []string{`{"type":"user","message":{"role":"user","content":"hi"}}`})

	provider := NewClaudeSessionHistoryProvider(dir)
	summary := &sessionindex.Summary{
		SessionID: "logical-session",
		Attributes: map[string]any{
			"providers": map[string]any{
				"claude-cli": map[string]any{"sessionId": sessionID, "cwd": cwd},
			},
		},
	}
	if !provider.Supports(summary) {
		t.Fatal("expected provider to support session with claude-cli attrs")
	}

	first, err := provider.GetHistory(context.Background(), summary)
	if err != nil {
		t.Fatal(err)
	}
	second, err := provider.GetHistory(context.Background(), summary)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Errorf("expected cached result to match, got %d vs %d", len(first), len(second))
	}
}

func TestClaudeSessionHistoryProviderFallsBackOnMissingFile(t *testing.T) {
	provider := NewClaudeSessionHistoryProvider(t.TempDir())
	summary := &sessionindex.Summary{
		SessionID: "s1",
		Attributes: map[string]any{
			"providers": map[string]any{
				"claude-cli": map[string]any{"sessionId": "missing", "cwd": "/nowhere"},
			},
		},
	}
	events, err := provider.GetHistory(context.Background(), summary)
	if err != nil {
		t.Fatalf("expected ENOENT to be treated as empty history, got error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
