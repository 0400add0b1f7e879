package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/sessionindex"
)

// ClaudeSessionHistoryProvider reads the Claude CLI's on-disk JSONL
// session log and translates it into ChatEvents, grounded on the
// discriminated-union StreamEvent/ContentBlock parsing shown in
// other_examples' claude-manager.go.
type ClaudeSessionHistoryProvider struct {
	BaseDir string
	cache   *fileCache
}

func NewClaudeSessionHistoryProvider(baseDir string) *ClaudeSessionHistoryProvider {
	return &ClaudeSessionHistoryProvider{BaseDir: baseDir, cache: newFileCache()}
}

func (p *ClaudeSessionHistoryProvider) Supports(summary *sessionindex.Summary) bool {
	if p.BaseDir == "" {
		return false
	}
	attrs := summary.ProviderAttrs("claude-cli")
	_, hasSession := attrs["sessionId"]
	_, hasCwd := attrs["cwd"]
	return hasSession && hasCwd
}

// ClaudePath builds <base>/<encodedCwd>/<sessionId>.jsonl (§6).
func ClaudePath(baseDir, cwd, sessionID string) string {
	return filepath.Join(baseDir, encodeCwd(cwd), sessionID+".jsonl")
}

func encodeCwd(cwd string) string {
	replacer := strings.NewReplacer("\\", "-", "/", "-", ":", "-")
	return replacer.Replace(cwd)
}

func (p *ClaudeSessionHistoryProvider) GetHistory(ctx context.Context, summary *sessionindex.Summary) ([]chatevent.Event, error) {
	attrs := summary.ProviderAttrs("claude-cli")
	sessionID, _ := attrs["sessionId"].(string)
	cwd, _ := attrs["cwd"].(string)
	path := ClaudePath(p.BaseDir, cwd, sessionID)

	statMs, err := statMtimeMs(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil // fall back to event store per §4.2
		}
		return nil, apperr.StorageError(err)
	}
	if cached, ok := p.cache.get(path, statMs); ok {
		return cached, nil
	}
	events, err := parseClaudeJSONL(path, summary.SessionID)
	if err != nil {
		return nil, err
	}
	p.cache.put(path, statMs, events)
	return events, nil
}

func (p *ClaudeSessionHistoryProvider) ShouldPersist(summary *sessionindex.Summary) bool {
	return false
}

type claudeLine struct {
	Type    string          `json:"type"`
	Summary string          `json:"summary,omitempty"`
	Message *claudeMessage  `json:"message,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// containsToolResult reports whether any block is a tool_result carrier.
// Claude's CLI wire format represents a tool's result as a role "user"
// entry whose content is exclusively tool_result blocks; that entry
// belongs to the turn still in progress, not a new human turn.
func containsToolResult(blocks []claudeBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

func parseClaudeBlocks(raw json.RawMessage) []claudeBlock {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []claudeBlock{{Type: "text", Text: asString}}
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	return nil
}

// parseClaudeJSONL implements the translation rules of §4.2.
func parseClaudeJSONL(path, sessionID string) ([]chatevent.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.StorageError(err)
	}
	defer f.Close()

	tracker := newTurnTracker(sessionID)
	var out []chatevent.Event
	respCounter := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry claudeLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Warn("history/claude: skipping malformed line", "path", path, "error", err)
			continue
		}

		switch entry.Type {
		case "system", "file-history-snapshot":
			continue

		case "summary":
			respCounter++
			turnID := idFor(sessionID, "turn", respCounter+1000)
			out = append(out, chatevent.TurnStart(sessionID, turnID, "agent"))
			out = append(out, chatevent.SummaryMessage(sessionID, turnID, "summary", entry.Summary))
			out = append(out, chatevent.TurnEnd(sessionID, turnID))

		case "user", "assistant":
			if entry.Message == nil {
				continue
			}
			blocks := parseClaudeBlocks(entry.Message.Content)
			isNewTurn := entry.Message.Role == "user" && !containsToolResult(blocks)
			tracker.startTurnIfNeeded(isNewTurn, "user", &out)
			respCounter++
			responseID := idFor(sessionID, "resp", respCounter)

			var thinkingText, thinkingSig, assistantText string
			for _, b := range blocks {
				switch b.Type {
				case "text":
					if entry.Message.Role == "user" {
						if tracker.dedupe("user:" + responseID + ":" + b.Text) {
							continue
						}
						out = append(out, chatevent.UserMessage(sessionID, tracker.turnID, b.Text, nil))
					} else {
						assistantText += b.Text
					}
				case "thinking":
					thinkingText += b.Thinking
					thinkingSig = b.Signature
				case "tool_use":
					key := "toolcall:" + b.ID
					if tracker.dedupe(key) {
						continue
					}
					argsJSON := string(b.Input)
					out = append(out, chatevent.ToolCall(sessionID, tracker.turnID, responseID, b.ID, b.Name, argsJSON))
				case "tool_result":
					key := "toolresult:" + b.ToolUseID
					if tracker.dedupe(key) {
						continue
					}
					text, isErr := flattenToolResultContent(b.Content)
					if isErr || b.IsError {
						out = append(out, chatevent.ToolResultErr(sessionID, tracker.turnID, responseID, b.ToolUseID, text))
					} else {
						out = append(out, chatevent.ToolResultOK(sessionID, tracker.turnID, responseID, b.ToolUseID, text))
					}
				}
			}
			if thinkingText != "" {
				out = append(out, chatevent.ThinkingDone(sessionID, tracker.turnID, responseID, thinkingText, thinkingSig))
			}
			if assistantText != "" {
				out = append(out, chatevent.AssistantDone(sessionID, tracker.turnID, responseID, assistantText, false))
			}
		}
	}
	tracker.closeTurn(&out)
	if err := scanner.Err(); err != nil {
		slog.Warn("history/claude: scan error", "path", path, "error", err)
	}
	return out, nil
}

func flattenToolResultContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, false
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var text string
		for _, b := range blocks {
			text += b.Text
		}
		return text, false
	}
	return string(raw), false
}

var _ Provider = (*ClaudeSessionHistoryProvider)(nil)
