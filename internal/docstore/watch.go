package docstore

import (
	"strings"
	"sync"
)

type EventType string

const (
	EventDocument  EventType = "document"
	EventInstances EventType = "instances"
	EventSignal    EventType = "signal"
	EventError     EventType = "error"
)

const (
	CodePermissionDenied = "permission_denied"
	CodeDeleted          = "deleted"
	CodeSlowConsumer     = "slow_consumer"
)

// StreamError is the payload of an EventError event.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one item of a watch stream. Exactly one payload field is set,
// matching Type. Document is nil with Exists false while the document has
// never been written.
type Event struct {
	Type      EventType    `json:"type"`
	Document  *Document    `json:"document,omitempty"`
	Exists    bool         `json:"exists,omitempty"`
	Instances []Instance   `json:"instances,omitempty"`
	Signal    *Signal      `json:"signal,omitempty"`
	Error     *StreamError `json:"error,omitempty"`
}

// ErrorFromCode maps a stream error code back to its sentinel.
func ErrorFromCode(code string) error {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeDeleted:
		return ErrDeleted
	case CodeSlowConsumer:
		return ErrSlowConsumer
	default:
		return ErrClosed
	}
}

type WatchRequest struct {
	WorkspaceID string
	Path        string
	Agent       string
	// ClientID receives signals addressed to it. Empty watches without
	// signals.
	ClientID string
	// Kinds filters the stream. Empty means every kind; error events are
	// always delivered.
	Kinds []EventType
}

func (r WatchRequest) wants(t EventType) bool {
	if len(r.Kinds) == 0 || t == EventError {
		return true
	}
	for _, k := range r.Kinds {
		if k == t {
			return true
		}
	}
	return false
}

// Watcher streams events for one document. The channel closes when the
// watcher ends; Err then reports why.
type Watcher struct {
	id     uint64
	key    string
	req    WatchRequest
	store  *Store
	events chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// Watch subscribes to one document. The stream starts with the current
// document and instance list, followed by any held signals.
func (s *Store) Watch(req WatchRequest) (*Watcher, error) {
	if req.WorkspaceID == "" || strings.TrimSpace(req.Path) == "" || req.Agent == "" {
		return nil, ErrInvalidInput
	}
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	req.Path = normalizePath(req.Path)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.documentLocked(req.WorkspaceID, req.Path)
	if doc != nil && !canRead(doc, req.Agent) {
		return nil, ErrPermissionDenied
	}
	key := docKey(req.WorkspaceID, req.Path)
	w := &Watcher{
		id:     s.watcherSeq.Add(1),
		key:    key,
		req:    req,
		store:  s,
		events: make(chan Event, s.watchBuffer),
	}
	w.deliver(documentEvent(doc))
	w.deliver(Event{Type: EventInstances, Instances: s.instanceListLocked(key)})
	if req.ClientID != "" {
		if held := s.held[key]; held != nil {
			for _, sig := range held[req.ClientID] {
				sig := sig
				w.deliver(Event{Type: EventSignal, Signal: &sig})
			}
			delete(held, req.ClientID)
		}
	}
	if w.Err() != nil {
		return nil, w.Err()
	}
	s.watchers.Store(w.id, w)
	watchersGauge.Set(float64(s.watchers.Size()))
	return w, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) Close() {
	w.closeWith(nil)
}

// deliver never blocks. A full buffer ends the watcher.
func (w *Watcher) deliver(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if !w.req.wants(ev.Type) {
		return true
	}
	select {
	case w.events <- ev:
		return true
	default:
		w.closeLocked(ErrSlowConsumer)
		return false
	}
}

// fail sends a last event, best effort, and closes.
func (w *Watcher) fail(ev Event, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
	}
	w.closeLocked(err)
}

func (w *Watcher) closeWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closeLocked(err)
}

func (w *Watcher) closeLocked(err error) {
	w.closed = true
	w.err = err
	close(w.events)
	w.store.watchers.Delete(w.id)
	watchersGauge.Set(float64(w.store.watchers.Size()))
}

func (s *Store) forEachWatcherLocked(key string, fn func(w *Watcher)) {
	s.watchers.Range(func(_ uint64, w *Watcher) bool {
		if w.key == key {
			fn(w)
		}
		return true
	})
}

// broadcastDocumentLocked also enforces read access: a watcher whose agent
// can no longer read is told so and dropped.
func (s *Store) broadcastDocumentLocked(workspaceID string, doc *Document) {
	key := docKey(workspaceID, doc.Path)
	s.forEachWatcherLocked(key, func(w *Watcher) {
		if !canRead(doc, w.req.Agent) {
			w.fail(Event{Type: EventError, Error: &StreamError{Code: CodePermissionDenied, Message: "read access revoked"}}, ErrPermissionDenied)
			return
		}
		w.deliver(documentEvent(doc))
	})
}

func (s *Store) broadcastInstancesLocked(key string) {
	list := s.instanceListLocked(key)
	s.forEachWatcherLocked(key, func(w *Watcher) {
		w.deliver(Event{Type: EventInstances, Instances: append([]Instance(nil), list...)})
	})
}

func documentEvent(doc *Document) Event {
	if doc == nil {
		return Event{Type: EventDocument}
	}
	clone := cloneDocument(doc)
	return Event{Type: EventDocument, Document: &clone, Exists: true}
}
