package mount

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func startMirror(t *testing.T, doc *crdt.Doc, path string) *Mirror {
	t.Helper()
	m, err := New(doc, Options{LocalPath: path, Settle: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("mirror did not stop")
		}
	})
	return m
}

func fileContent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "<missing>"
	}
	return string(data)
}

func docText(doc *crdt.Doc) string {
	s, _ := doc.Text(DefaultField)
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{LocalPath: "a.md"})
	assert.Error(t, err)
	_, err = New(crdt.New(), Options{LocalPath: "  "})
	assert.Error(t, err)

	m, err := New(crdt.New(), Options{LocalPath: "a.md"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(m.Path()))
	assert.Equal(t, DefaultField, m.field)
}

func TestMirrorWritesDocumentToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes", "a.md")
	doc := crdt.New()
	require.NoError(t, doc.SetText(DefaultField, "# hello"))

	startMirror(t, doc, path)
	require.Eventually(t, func() bool { return fileContent(path) == "# hello" }, waitFor, tick)

	require.NoError(t, doc.SetText(DefaultField, "# hello world"))
	require.Eventually(t, func() bool { return fileContent(path) == "# hello world" }, waitFor, tick)
}

func TestMirrorAppliesLocalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.md")
	doc := crdt.New()
	require.NoError(t, doc.SetText(DefaultField, "draft"))

	startMirror(t, doc, path)
	require.Eventually(t, func() bool { return fileContent(path) == "draft" }, waitFor, tick)

	require.NoError(t, os.WriteFile(path, []byte("draft two"), 0o644))
	require.Eventually(t, func() bool { return docText(doc) == "draft two" }, waitFor, tick)
}

func TestMirrorSeedsEmptyDocumentFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.md")
	require.NoError(t, os.WriteFile(path, []byte("already here"), 0o644))
	doc := crdt.New()

	startMirror(t, doc, path)
	require.Eventually(t, func() bool { return docText(doc) == "already here" }, waitFor, tick)
	assert.Equal(t, "already here", fileContent(path))
}

func TestMirrorSuppressesEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.md")
	doc := crdt.New()
	require.NoError(t, doc.SetText(DefaultField, "stable"))

	var changes atomic.Int32
	startMirror(t, doc, path)
	require.Eventually(t, func() bool { return fileContent(path) == "stable" }, waitFor, tick)

	unobserve := doc.Observe(func(crdt.Update) { changes.Add(1) })
	defer unobserve()
	heads := doc.Heads()

	require.NoError(t, doc.SetText(DefaultField, "stable!"))
	require.Eventually(t, func() bool { return fileContent(path) == "stable!" }, waitFor, tick)
	// give the watcher time to report our own rename
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), changes.Load(), "our own file write came back as an edit")
	assert.NotEqual(t, heads, doc.Heads())
}

func TestWriteFileAtomicReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.md")
	require.NoError(t, os.WriteFile(path, []byte("# old"), 0o644))
	require.NoError(t, writeFileAtomic(path, []byte("# new"), 0o644))
	assert.Equal(t, "# new", fileContent(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteFileAtomicFailureLeavesOriginalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.md")
	require.NoError(t, os.WriteFile(path, []byte("# old"), 0o644))
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Skipf("chmod unsupported in this environment: %v", err)
	}
	defer func() { _ = os.Chmod(dir, 0o755) }()

	if err := writeFileAtomic(path, []byte("# new"), 0o644); err == nil {
		t.Skip("atomic write unexpectedly succeeded with read-only directory")
	}
	assert.Equal(t, "# old", fileContent(path))
}
