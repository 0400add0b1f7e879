// Package sessionindex implements the Session Index (C5): durable
// session summaries with deep-merge attribute patching.
package sessionindex

import (
	"strings"
	"time"

	"github.com/sablefox/conduit/internal/apperr"
)

// Summary mirrors §3's SessionSummary entity.
type Summary struct {
	SessionID  string
	AgentID    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Name       string
	PinnedAt   *time.Time
	Deleted    bool
	Attributes map[string]any
}

func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Attributes = deepCloneMap(s.Attributes)
	if s.PinnedAt != nil {
		t := *s.PinnedAt
		cp.PinnedAt = &t
	}
	return &cp
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCloneMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// reservedWorkingDirPath is the dotted attribute path that must always
// hold an absolute path (§9).
const reservedWorkingDirPath = "core.workingDir"

// MergeAttributes applies patch onto dst using the rule from §4.5:
// undefined (key absent from patch) = keep, null (nil) = delete, object
// vs object = recurse, else = replace. dst is mutated and returned.
func MergeAttributes(dst map[string]any, patch map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		patchChild, patchIsObj := v.(map[string]any)
		existing, existingIsObj := dst[k].(map[string]any)
		if patchIsObj && existingIsObj {
			dst[k] = MergeAttributes(existing, patchChild)
			continue
		}
		if patchIsObj {
			dst[k] = MergeAttributes(map[string]any{}, patchChild)
			continue
		}
		dst[k] = v
	}
	return dst
}

// ValidateAttributePatch enforces the boundary rule that core.workingDir,
// if present and non-null in the patch, must be an absolute path.
func ValidateAttributePatch(patch map[string]any) error {
	v, ok := lookupDotted(patch, reservedWorkingDirPath)
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "/") {
		return apperr.InvalidArguments("core.workingDir must be an absolute path")
	}
	return nil
}

func lookupDotted(m map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	cur := any(m)
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// WorkingDir reads core.workingDir out of a summary's attribute tree.
func (s *Summary) WorkingDir() string {
	if s == nil || s.Attributes == nil {
		return ""
	}
	v, ok := lookupDotted(s.Attributes, reservedWorkingDirPath)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// ProviderAttrs reads providers.<id> as a map, for provider-keyed
// continuation handles (sessionId, cwd).
func (s *Summary) ProviderAttrs(providerID string) map[string]any {
	if s == nil || s.Attributes == nil {
		return nil
	}
	v, ok := lookupDotted(s.Attributes, "providers."+providerID)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}
