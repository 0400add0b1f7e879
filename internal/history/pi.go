package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"context"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/sessionindex"
)

// PiSessionHistoryProvider reads the Pi CLI's on-disk JSONL transcript
// and translates it per §4.2's Pi translation rules.
type PiSessionHistoryProvider struct {
	BaseDir string
	cache   *fileCache
}

func NewPiSessionHistoryProvider(baseDir string) *PiSessionHistoryProvider {
	return &PiSessionHistoryProvider{BaseDir: baseDir, cache: newFileCache()}
}

func (p *PiSessionHistoryProvider) Supports(summary *sessionindex.Summary) bool {
	if p.BaseDir == "" {
		return false
	}
	attrs := summary.ProviderAttrs("pi")
	_, hasSession := attrs["sessionId"]
	_, hasCwd := attrs["cwd"]
	return hasSession && hasCwd
}

// piDir builds <base>/--<stripLeadingSlash(cwd).replace(/[\\/:]/g,'-')>--
// per §6.
func piDir(baseDir, cwd string) string {
	stripped := strings.TrimPrefix(cwd, "/")
	replacer := strings.NewReplacer("\\", "-", "/", "-", ":", "-")
	return filepath.Join(baseDir, "--"+replacer.Replace(stripped)+"--")
}

// resolvePiPath finds the lexicographically-latest
// <timestamp>_<sessionId>.jsonl file for the session.
func resolvePiPath(baseDir, cwd, sessionID string) (string, error) {
	dir := piDir(baseDir, cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	suffix := "_" + sessionID + ".jsonl"
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[len(matches)-1]), nil
}

func (p *PiSessionHistoryProvider) GetHistory(ctx context.Context, summary *sessionindex.Summary) ([]chatevent.Event, error) {
	attrs := summary.ProviderAttrs("pi")
	sessionID, _ := attrs["sessionId"].(string)
	cwd, _ := attrs["cwd"].(string)

	path, err := resolvePiPath(p.BaseDir, cwd, sessionID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.StorageError(err)
	}

	statMs, err := statMtimeMs(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.StorageError(err)
	}
	if cached, ok := p.cache.get(path, statMs); ok {
		return cached, nil
	}
	events, err := parsePiJSONL(path, summary.SessionID)
	if err != nil {
		return nil, err
	}
	p.cache.put(path, statMs, events)
	return events, nil
}

func (p *PiSessionHistoryProvider) ShouldPersist(summary *sessionindex.Summary) bool {
	return false
}

type piEntry struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Text       string          `json:"text,omitempty"`
	Label      string          `json:"label,omitempty"`
	SummaryType string         `json:"summaryType,omitempty"`
	CallID     string          `json:"callId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ArgsJSON   json.RawMessage `json:"args,omitempty"`
	ResultJSON json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// parsePiJSONL implements the Pi translation rules of §4.2.
func parsePiJSONL(path, sessionID string) ([]chatevent.Event, error) {
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
		var e piEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("history/pi: skipping malformed line", "path", path, "error", err)
			continue
		}

		switch e.Type {
		case "session":
			continue

		case "compaction", "branch_summary":
			respCounter++
			turnID := idFor(sessionID, "turn", respCounter+2000)
			out = append(out, chatevent.TurnStart(sessionID, turnID, "agent"))
			out = append(out, chatevent.SummaryMessage(sessionID, turnID, e.Type, e.Text))
			out = append(out, chatevent.TurnEnd(sessionID, turnID))

		case "custom_message":
			tracker.startTurnIfNeeded(false, "agent", &out)
			out = append(out, chatevent.CustomMessage(sessionID, tracker.turnID, e.Label, e.Text))

		case "tool_execution_start":
			tracker.startTurnIfNeeded(false, "agent", &out)
			respCounter++
			responseID := idFor(sessionID, "resp", respCounter)
			out = append(out, chatevent.ToolCall(sessionID, tracker.turnID, responseID, e.CallID, e.ToolName, string(e.ArgsJSON)))

		case "tool_execution_update":
			continue

		case "tool_execution_end":
			responseID := idFor(sessionID, "resp", respCounter)
			if e.IsError {
				out = append(out, chatevent.ToolResultErr(sessionID, tracker.turnID, responseID, e.CallID, string(e.ResultJSON)))
			} else {
				out = append(out, chatevent.ToolResultOK(sessionID, tracker.turnID, responseID, e.CallID, string(e.ResultJSON)))
			}

		case "message":
			role := e.Role
			tracker.startTurnIfNeeded(role == "user", "user", &out)
			switch role {
			case "user":
				out = append(out, chatevent.UserMessage(sessionID, tracker.turnID, e.Text, nil))
			case "assistant":
				respCounter++
				responseID := idFor(sessionID, "resp", respCounter)
				out = append(out, chatevent.AssistantDone(sessionID, tracker.turnID, responseID, e.Text, false))
			}

		case "toolResult":
			responseID := idFor(sessionID, "resp", respCounter)
			if e.IsError {
				out = append(out, chatevent.ToolResultErr(sessionID, tracker.turnID, responseID, e.CallID, e.Text))
			} else {
				out = append(out, chatevent.ToolResultOK(sessionID, tracker.turnID, responseID, e.CallID, e.Text))
			}
		}
	}
	tracker.closeTurn(&out)
	if err := scanner.Err(); err != nil {
		slog.Warn("history/pi: scan error", "path", path, "error", err)
	}
	return out, nil
}

var _ Provider = (*PiSessionHistoryProvider)(nil)
