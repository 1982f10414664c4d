// Package mount mirrors one text field of a shared document to a local file.
// Remote changes are written atomically; edits to the file become text
// splices on the document.
package mount

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultField  = "content"
	DefaultSettle = 100 * time.Millisecond
)

type Options struct {
	LocalPath string
	// Field is the root text key to mirror.
	Field string
	// Settle is how long the file must stay quiet before it is read back.
	Settle time.Duration
	Mode   os.FileMode
	Clock  clock.Clock
	Logger *slog.Logger
}

// Mirror keeps a file and a document field equal. Content hashes suppress
// the echo of our own writes in both directions.
type Mirror struct {
	doc    *crdt.Doc
	path   string
	field  string
	settle time.Duration
	mode   os.FileMode
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
	changed  chan struct{}
}

func New(doc *crdt.Doc, opts Options) (*Mirror, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is required")
	}
	localPath := strings.TrimSpace(opts.LocalPath)
	if localPath == "" {
		return nil, fmt.Errorf("local path is required")
	}
	localPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, err
	}
	m := &Mirror{
		doc:     doc,
		path:    localPath,
		field:   opts.Field,
		settle:  opts.Settle,
		mode:    opts.Mode,
		clock:   opts.Clock,
		logger:  opts.Logger,
		changed: make(chan struct{}, 1),
	}
	if m.field == "" {
		m.field = DefaultField
	}
	if m.settle <= 0 {
		m.settle = DefaultSettle
	}
	if m.mode == 0 {
		m.mode = 0o644
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "mount", "file", localPath, "field", m.field)
	return m, nil
}

func (m *Mirror) Path() string { return m.path }

// Run mirrors until ctx is cancelled. A non-empty file next to an empty
// field seeds the document; otherwise the document wins at start.
func (m *Mirror) Run(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file watcher: %w", err)
	}
	defer watcher.Close()
	// atomic replacements swap the inode, so watch the directory
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	unobserve := m.doc.Observe(func(crdt.Update) {
		select {
		case m.changed <- struct{}{}:
		default:
		}
	})
	defer unobserve()

	if err := m.reconcile(); err != nil {
		return err
	}

	var settle *clock.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.changed:
			if err := m.pullDocument(); err != nil {
				m.logger.Warn("write local file failed", "error", err)
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if filepath.Clean(ev.Name) != m.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if settle == nil {
				settle = m.clock.Timer(m.settle)
			} else {
				settle.Reset(m.settle)
			}
			settleC = settle.C
		case <-settleC:
			settleC = nil
			if err := m.pushFile(); err != nil {
				m.logger.Warn("read local file failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			m.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (m *Mirror) reconcile() error {
	text, err := m.doc.Text(m.field)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case text == "" && len(data) > 0:
		m.logger.Info("seeding document from local file", "bytes", len(data))
		return m.pushFile()
	}
	return m.pullDocument()
}

// pullDocument writes the field to disk unless the file already holds it.
func (m *Mirror) pullDocument() error {
	text, err := m.doc.Text(m.field)
	if err != nil {
		return err
	}
	hash := hashString(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == m.lastHash {
		return nil
	}
	if err := writeFileAtomic(m.path, []byte(text), m.mode); err != nil {
		return err
	}
	m.lastHash = hash
	m.logger.Debug("wrote local file", "bytes", len(text))
	return nil
}

// pushFile splices the file content into the document.
func (m *Mirror) pushFile() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	hash := hashBytes(data)
	m.mu.Lock()
	if hash == m.lastHash {
		m.mu.Unlock()
		return nil
	}
	m.lastHash = hash
	m.mu.Unlock()
	if err := m.doc.SetText(m.field, string(data)); err != nil {
		return fmt.Errorf("apply local edit: %w", err)
	}
	m.logger.Debug("applied local edit", "bytes", len(data))
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
