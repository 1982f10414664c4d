// Package crdt wraps an automerge document behind the small surface the sync
// engine needs: opaque deltas out, opaque deltas in, and a change feed tagged
// with the origin of every mutation.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// OriginLocal tags deltas produced by mutations made through Change.
const OriginLocal = "local"

var ErrMalformedUpdate = errors.New("malformed update")

// Update is a delta together with the origin it was applied under.
type Update struct {
	Data   []byte
	Origin string
}

// Doc is safe for concurrent use. Observers run on the goroutine that caused
// the change, after the document lock is released.
type Doc struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[int]func(Update)
	nextObs   int
}

func New() *Doc {
	return &Doc{doc: automerge.New(), observers: map[int]func(Update){}}
}

// Load restores a document from a snapshot produced by EncodeState.
func Load(snapshot []byte) (*Doc, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	// start incremental tracking from the loaded state
	_ = doc.SaveIncremental()
	return &Doc{doc: doc, observers: map[int]func(Update){}}, nil
}

func (d *Doc) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// Observe registers fn for every change. The returned func removes it.
func (d *Doc) Observe(fn func(Update)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Change runs fn against the underlying document and emits the resulting
// delta with OriginLocal. A change that produces no operations emits nothing.
func (d *Doc) Change(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	before := headKey(d.doc.Heads())
	if err := fn(d.doc); err != nil {
		d.mu.Unlock()
		return err
	}
	delta := d.doc.SaveIncremental()
	changed := headKey(d.doc.Heads()) != before
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	if !changed || len(delta) == 0 {
		return nil
	}
	notify(observers, Update{Data: delta, Origin: OriginLocal})
	return nil
}

// ApplyUpdate merges a remote delta or snapshot. It reports whether the
// document heads moved; observers are only notified when they did.
func (d *Doc) ApplyUpdate(update []byte, origin string) (bool, error) {
	if len(update) == 0 {
		return false, nil
	}
	d.mu.Lock()
	before := headKey(d.doc.Heads())
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	// remote changes must not leak into the next local delta
	_ = d.doc.SaveIncremental()
	changed := headKey(d.doc.Heads()) != before
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	if changed {
		notify(observers, Update{Data: update, Origin: origin})
	}
	return changed, nil
}

// EncodeState returns a full snapshot of the document.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the current change hashes in hex.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

// Get returns the Go value stored at a root key, or nil.
func (d *Doc) Get(key string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() == automerge.KindText {
		return v.Text().Get()
	}
	return v.Interface(), nil
}

// Text returns the text stored at a root key, or "" when absent.
func (d *Doc) Text(field string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return textLocked(d.doc, field)
}

// SetText replaces the text at field with content, splicing only the
// changed middle section so concurrent edits elsewhere survive the merge.
func (d *Doc) SetText(field, content string) error {
	return d.Change(func(doc *automerge.Doc) error {
		v, err := doc.Path(field).Get()
		if err != nil {
			return err
		}
		if v.Kind() != automerge.KindText {
			return doc.Path(field).Set(automerge.NewText(content))
		}
		current, err := v.Text().Get()
		if err != nil {
			return err
		}
		pos, del, insert := spliceDiff(current, content)
		if del == 0 && insert == "" {
			return nil
		}
		return doc.Path(field).Text().Splice(pos, del, insert)
	})
}

// MergeUpdates folds deltas into one blob. Automerge accepts concatenated
// incremental chunks, so merging is concatenation.
func MergeUpdates(updates ...[]byte) []byte {
	size := 0
	for _, u := range updates {
		size += len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range updates {
		out = append(out, u...)
	}
	return out
}

func (d *Doc) snapshotObserversLocked() []func(Update) {
	out := make([]func(Update), 0, len(d.observers))
	for _, fn := range d.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []func(Update), u Update) {
	for _, fn := range observers {
		fn(u)
	}
}

func textLocked(doc *automerge.Doc, field string) (string, error) {
	v, err := doc.Path(field).Get()
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

func headKey(heads []automerge.ChangeHash) string {
	key := ""
	for _, h := range heads {
		key += h.String()
	}
	return key
}

// spliceDiff returns the code point position, deletion count and insertion
// that turn current into next, trimming the common prefix and suffix.
func spliceDiff(current, next string) (int, int, string) {
	a, b := []rune(current), []rune(next)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, len(a) - prefix - suffix, string(b[prefix : len(b)-suffix])
}
