package contenttree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTreeYAML = `
scope: course-v1:edX+DemoX+2026
root: block-v1:edX+DemoX+2026+type@course+block@course
blocks:
  - id: block-v1:edX+DemoX+2026+type@course+block@course
    children:
      - block-v1:edX+DemoX+2026+type@chapter+block@ch1
  - id: block-v1:edX+DemoX+2026+type@chapter+block@ch1
    children:
      - block-v1:edX+DemoX+2026+type@html+block@h1
      - block-v1:edX+DemoX+2026+type@custom+block@c1
  - id: block-v1:edX+DemoX+2026+type@html+block@h1
  - id: block-v1:edX+DemoX+2026+type@custom+block@c1
    mode: completable
`

func writeTree(t *testing.T, dir, scope, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(scope)), []byte(content), 0o644))
}

func newFileSystemProvider(t *testing.T) (*FileSystemProvider, string) {
	t.Helper()

	registry, err := aggregation.NewModeRegistry(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	return NewFileSystemProvider(dir, registry), dir
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "course-v1_edX+DemoX+2026.yaml", FileName(testScope))
}

func TestFileSystemProvider_Materialize(t *testing.T) {
	provider, dir := newFileSystemProvider(t)
	writeTree(t, dir, testScope, testTreeYAML)

	tree, err := Materialize(context.Background(), provider, testScope, "")
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Len())

	custom, ok := tree.Node(block("custom", "c1"))
	require.True(t, ok)
	assert.Equal(t, aggregation.ModeCompletable, custom.Mode, "override applies to unregistered types")

	got, ok := tree.AncestorsOf(html1)
	require.True(t, ok)
	assert.Equal(t, []string{ch1, course}, got)
}

func TestFileSystemProvider_InvalidModePassesThrough(t *testing.T) {
	provider, dir := newFileSystemProvider(t)
	writeTree(t, dir, testScope, `
root: block-v1:edX+DemoX+2026+type@html+block@h1
blocks:
  - id: block-v1:edX+DemoX+2026+type@html+block@h1
    mode: sometimes
`)

	mode, err := provider.CompletionMode(context.Background(), testScope, html1)
	require.NoError(t, err)
	assert.Equal(t, aggregation.Mode("sometimes"), mode)
	assert.False(t, mode.Valid())
}

func TestFileSystemProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "missing file", content: "", wantErr: aggregation.ErrScopeNotFound},
		{name: "unparseable yaml", content: "root: [unterminated", wantErr: aggregation.ErrMalformedScope},
		{name: "block without id", content: "root: x\nblocks:\n  - children: []\n", wantErr: aggregation.ErrMalformedScope},
		{name: "wrong scope", content: "scope: course-v1:A+B+C\nroot: x\n", wantErr: aggregation.ErrMalformedScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, dir := newFileSystemProvider(t)
			if tt.content != "" {
				writeTree(t, dir, testScope, tt.content)
			}
			_, err := provider.ResolveRoot(context.Background(), testScope)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
