package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/pkg/types"
)

func TestItemHandlersCoverEveryKind(t *testing.T) {
	for k := itemKind(0); k < numItemKinds; k++ {
		h := itemHandlers[k]
		assert.NotNil(t, h.started, "%s has no start handler", k)
		assert.NotNil(t, h.completed, "%s has no completion handler", k)

		parsed, ok := parseItemKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, parsed)
	}

	_, ok := parseItemKind("contextCompaction")
	assert.False(t, ok)
	assert.Equal(t, "itemKind(42)", itemKind(42).String())
}

func TestCountChanges(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		text     string
		add, del int
	}{
		{"empty", "update", "", 0, 0},
		{"unified", "update", "--- a/x\n+++ b/x\n@@ -1,2 +1,2 @@\n-old\n+new\n ctx\n", 1, 1},
		{"hunk only", "update", "@@ -1 +1,3 @@\n+a\n+b\n", 2, 0},
		{"header-like content lines", "update", "@@ -1,2 +1,2 @@\n--- old\n+++counter\n ctx\n", 1, 1},
		{"two files", "update", "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n--- a/y\n+++ b/y\n@@ -1,2 +1 @@\n-c\n d\n", 1, 2},
		{"no newline marker", "update", "@@ -1 +1 @@\n-a\n\\ No newline at end of file\n+b\n", 1, 1},
		{"added file", "add", "one\ntwo\n", 2, 0},
		{"added without newline", "add", "one\ntwo", 2, 0},
		{"deleted file", "delete", "a\nb\nc\n", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			add, del := countChanges(tt.kind, tt.text)
			assert.Equal(t, tt.add, add, "additions")
			assert.Equal(t, tt.del, del, "deletions")
		})
	}
}

func TestLineDiff(t *testing.T) {
	add, del := lineDiff("a\nb\nc\n", "a\nB\nc\nd\n")
	assert.Equal(t, 2, add)
	assert.Equal(t, 1, del)
}

func TestRelPath(t *testing.T) {
	assert.Equal(t, "pkg/a.go", relPath("/work", "/work/pkg/a.go"))
	assert.Equal(t, "/other/a.go", relPath("/work", "/other/a.go"))
	assert.Equal(t, "/work2/a.go", relPath("/work", "/work2/a.go"))
	assert.Equal(t, "rel/a.go", relPath("/work", "rel/a.go"))
	assert.Equal(t, "/work/a.go", relPath("", "/work/a.go"))
}

func TestFileDiffs(t *testing.T) {
	diffs := fileDiffs("/work", []codex.FileUpdateChange{
		{Path: "/work/a.go", Kind: codex.PatchChangeKind{Type: "update", MovePath: "/work/b.go"}, Diff: "@@ -1 +1 @@\n-x\n+y\n"},
		{Path: "/work/gone.txt", Kind: codex.PatchChangeKind{Type: "delete"}, Diff: "bye\n"},
	})
	assert.Equal(t, []types.FileDiff{
		{Path: "a.go", Kind: "update", MovePath: "b.go", Additions: 1, Deletions: 1},
		{Path: "gone.txt", Kind: "delete", Deletions: 1},
	}, diffs)
}

func TestMcpOutput(t *testing.T) {
	assert.Equal(t, "", mcpOutput(nil))
	assert.Equal(t, "", mcpOutput([]byte("null")))
	assert.Equal(t, "a\nb", mcpOutput([]byte(`{"content":[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]}`)))
	assert.Equal(t, `{"ok":true}`, mcpOutput([]byte(`{"ok":true}`)))
}

func TestTokenUsage(t *testing.T) {
	got := tokenUsage(codex.TokenUsageBreakdown{InputTokens: 10, CachedInputTokens: 25, OutputTokens: 3})
	assert.Equal(t, types.TokenUsage{Input: 0, Output: 3, Cache: types.CacheUsage{Read: 25}}, got)
}

func TestDecision(t *testing.T) {
	assert.Equal(t, codex.DecisionAccept, decision(nil))
}

func TestInstructionsRejected(t *testing.T) {
	assert.True(t, instructionsRejected("codex rpc error: Developer Instructions Are Not Valid"))
	assert.False(t, instructionsRejected("model not found"))
}
