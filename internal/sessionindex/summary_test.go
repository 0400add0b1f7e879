package sessionindex

import (
	"reflect"
	"testing"
)

func TestMergeAttributes(t *testing.T) {
	tests := []struct {
		name  string
		dst   map[string]any
		patch map[string]any
		want  map[string]any
	}{
		{
			name:  "replace scalar",
			dst:   map[string]any{"core": map[string]any{"activeBranch": "main"}},
			patch: map[string]any{"core": map[string]any{"activeBranch": "dev"}},
			want:  map[string]any{"core": map[string]any{"activeBranch": "dev"}},
		},
		{
			name:  "null deletes key",
			dst:   map[string]any{"core": map[string]any{"activeBranch": "main", "autoTitle": "x"}},
			patch: map[string]any{"core": map[string]any{"activeBranch": nil}},
			want:  map[string]any{"core": map[string]any{"autoTitle": "x"}},
		},
		{
			name:  "absent key is kept",
			dst:   map[string]any{"core": map[string]any{"activeBranch": "main"}, "providers": map[string]any{"claude-cli": map[string]any{"sessionId": "s1"}}},
			patch: map[string]any{"core": map[string]any{"autoTitle": "t"}},
			want: map[string]any{
				"core":      map[string]any{"activeBranch": "main", "autoTitle": "t"},
				"providers": map[string]any{"claude-cli": map[string]any{"sessionId": "s1"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeAttributes(tt.dst, tt.patch)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeAttributes() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestValidateAttributePatchRejectsRelativeWorkingDir(t *testing.T) {
	patch := map[string]any{"core": map[string]any{"workingDir": "relative/path"}}
	if err := ValidateAttributePatch(patch); err == nil {
		t.Fatal("expected error for relative workingDir")
	}
}

func TestValidateAttributePatchAcceptsAbsoluteWorkingDir(t *testing.T) {
	patch := map[string]any{"core": map[string]any{"workingDir": "/abs/path"}}
	if err := ValidateAttributePatch(patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
