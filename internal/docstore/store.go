package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrSlowConsumer     = errors.New("slow consumer")
	ErrDeleted          = errors.New("document deleted")
	ErrClosed           = errors.New("store closed")
)

const (
	defaultInstanceTTL     = 30 * time.Second
	defaultReapInterval    = time.Second
	defaultWatchBuffer     = 256
	defaultMaxContentBytes = 16 << 20
	maxHeldSignals         = 256
)

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

type Metadata map[string]any

// Document is the durable record of one collaborative document.
type Document struct {
	Path        string    `json:"path"`
	Revision    string    `json:"revision"`
	Content     []byte    `json:"content,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Owner       string    `json:"owner"`
	ReadAccess  []string  `json:"readAccess,omitempty"`
	WriteAccess []string  `json:"writeAccess,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
}

type WriteRequest struct {
	WorkspaceID string
	Path        string
	Agent       string
	// IfMatch is optional. "0" requires the document to be absent.
	IfMatch string
	// Content nil keeps the stored content.
	Content       []byte
	Metadata      Metadata
	CorrelationID string
}

type WriteResult struct {
	Revision  string    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
	Created   bool      `json:"created"`
}

type AccessRequest struct {
	WorkspaceID string
	Path        string
	Agent       string
	Owner       string
	ReadAccess  []string
	WriteAccess []string
}

type Instance struct {
	ClientID  string    `json:"clientId"`
	Agent     string    `json:"agent"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Registration struct {
	Instance
	ServerTime time.Time `json:"serverTime"`
	TTLMillis  int64     `json:"ttlMs"`
}

func (r Registration) TTL() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

type Signal struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	StateBackend   string `json:"stateBackend"`
	Documents      int    `json:"documents"`
	Instances      int    `json:"instances"`
	Watchers       int    `json:"watchers"`
}

type StoreOptions struct {
	StateFile       string
	StateBackend    StateBackend
	BackendProfile  string
	InstanceTTL     time.Duration
	ReapInterval    time.Duration
	WatchBuffer     int
	MaxContentBytes int
	DisableWorkers  bool
	Now             func() time.Time
	Logger          *slog.Logger
}

type Store struct {
	mu             sync.RWMutex
	workspaces     map[string]*workspaceState
	instances      map[string]map[string]*Instance
	held           map[string]map[string][]Signal
	watchers       *xsync.MapOf[uint64, *Watcher]
	watcherSeq     atomic.Uint64
	stateBackend   StateBackend
	backendProfile string
	instanceTTL    time.Duration
	reapInterval   time.Duration
	watchBuffer    int
	maxContent     int
	now            func() time.Time
	logger         *slog.Logger
	closed         chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
}

type workspaceState struct {
	Documents map[string]*Document `json:"documents"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	instanceTTL := opts.InstanceTTL
	if instanceTTL <= 0 {
		instanceTTL = defaultInstanceTTL
	}
	reapInterval := opts.ReapInterval
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}
	watchBuffer := opts.WatchBuffer
	if watchBuffer <= 0 {
		watchBuffer = defaultWatchBuffer
	}
	maxContent := opts.MaxContentBytes
	if maxContent <= 0 {
		maxContent = defaultMaxContentBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		workspaces:     map[string]*workspaceState{},
		instances:      map[string]map[string]*Instance{},
		held:           map[string]map[string][]Signal{},
		watchers:       xsync.NewMapOf[uint64, *Watcher](),
		stateBackend:   stateBackend,
		backendProfile: strings.TrimSpace(opts.BackendProfile),
		instanceTTL:    instanceTTL,
		reapInterval:   reapInterval,
		watchBuffer:    watchBuffer,
		maxContent:     maxContent,
		now:            now,
		logger:         logger.With("component", "docstore"),
		closed:         make(chan struct{}),
	}
	if err := s.loadFromDisk(); err != nil {
		s.logger.Error("load state failed", "error", err)
	}
	if !opts.DisableWorkers {
		s.wg.Add(1)
		go s.reaper()
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.watchers.Range(func(_ uint64, w *Watcher) bool {
			w.closeWith(ErrClosed)
			return true
		})
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
		s.wg.Wait()
	})
}

func (s *Store) InstanceTTL() time.Duration {
	return s.instanceTTL
}

func (s *Store) ReadDocument(workspaceID, path, agent string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := s.documentLocked(workspaceID, normalizePath(path))
	if doc == nil {
		return Document{}, ErrNotFound
	}
	if !canRead(doc, agent) {
		return Document{}, ErrPermissionDenied
	}
	return cloneDocument(doc), nil
}

// WriteDocument merges metadata field by field and replaces content when the
// request carries some.
func (s *Store) WriteDocument(req WriteRequest) (WriteResult, error) {
	if req.WorkspaceID == "" || strings.TrimSpace(req.Path) == "" || req.Agent == "" {
		writesTotal.WithLabelValues("invalid").Inc()
		return WriteResult{}, ErrInvalidInput
	}
	if len(req.Content) > s.maxContent {
		writesTotal.WithLabelValues("invalid").Inc()
		return WriteResult{}, &ValidationError{Field: "content", Reason: "exceeds size limit"}
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writesTotal.WithLabelValues("invalid").Inc()
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := normalizePath(req.Path)
	ws := s.ensureWorkspaceLocked(req.WorkspaceID)
	now := s.now().UTC()
	existing := ws.Documents[path]

	if existing == nil {
		if req.IfMatch != "" && req.IfMatch != "0" {
			writesTotal.WithLabelValues("conflict").Inc()
			return WriteResult{}, ErrNotFound
		}
		doc := &Document{
			Path:      path,
			Revision:  nextRevision(),
			Content:   append([]byte(nil), req.Content...),
			Metadata:  mergeMetadata(nil, req.Metadata),
			Owner:     req.Agent,
			CreatedAt: now,
			UpdatedAt: now,
			UpdatedBy: req.Agent,
		}
		ws.Documents[path] = doc
		s.persistLocked()
		s.broadcastDocumentLocked(req.WorkspaceID, doc)
		writesTotal.WithLabelValues("created").Inc()
		return WriteResult{Revision: doc.Revision, UpdatedAt: now, Created: true}, nil
	}

	if !canWrite(existing, req.Agent) {
		writesTotal.WithLabelValues("denied").Inc()
		return WriteResult{}, ErrPermissionDenied
	}
	if req.IfMatch != "" && req.IfMatch != existing.Revision {
		writesTotal.WithLabelValues("conflict").Inc()
		return WriteResult{}, &ConflictError{ExpectedRevision: req.IfMatch, CurrentRevision: existing.Revision}
	}

	existing.Revision = nextRevision()
	if req.Content != nil {
		existing.Content = append([]byte(nil), req.Content...)
	}
	existing.Metadata = mergeMetadata(existing.Metadata, req.Metadata)
	existing.UpdatedAt = now
	existing.UpdatedBy = req.Agent
	s.persistLocked()
	s.broadcastDocumentLocked(req.WorkspaceID, existing)
	writesTotal.WithLabelValues("updated").Inc()
	return WriteResult{Revision: existing.Revision, UpdatedAt: now}, nil
}

// SetAccess replaces the access lists. Only the owner may call it. Watchers
// that lose read access are told so and closed.
func (s *Store) SetAccess(req AccessRequest) (Document, error) {
	if req.WorkspaceID == "" || strings.TrimSpace(req.Path) == "" || req.Agent == "" {
		return Document{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.documentLocked(req.WorkspaceID, normalizePath(req.Path))
	if doc == nil {
		return Document{}, ErrNotFound
	}
	if doc.Owner != req.Agent {
		return Document{}, ErrPermissionDenied
	}
	if owner := strings.TrimSpace(req.Owner); owner != "" {
		doc.Owner = owner
	}
	doc.ReadAccess = normalizeStringSlice(req.ReadAccess)
	doc.WriteAccess = normalizeStringSlice(req.WriteAccess)
	doc.Revision = nextRevision()
	s.persistLocked()
	s.broadcastDocumentLocked(req.WorkspaceID, doc)
	return cloneDocument(doc), nil
}

// DeleteDocument removes the record, its instances and its watchers.
func (s *Store) DeleteDocument(workspaceID, path, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = normalizePath(path)
	doc := s.documentLocked(workspaceID, path)
	if doc == nil {
		return ErrNotFound
	}
	if doc.Owner != agent {
		return ErrPermissionDenied
	}
	delete(s.workspaces[workspaceID].Documents, path)
	key := docKey(workspaceID, path)
	delete(s.instances, key)
	delete(s.held, key)
	s.persistLocked()
	s.forEachWatcherLocked(key, func(w *Watcher) {
		w.fail(Event{Type: EventError, Error: &StreamError{Code: CodeDeleted, Message: "document deleted"}}, ErrDeleted)
	})
	instancesGauge.Set(float64(s.instanceCountLocked()))
	return nil
}

func (s *Store) RegisterInstance(workspaceID, path, agent string) (Registration, error) {
	if workspaceID == "" || strings.TrimSpace(path) == "" || agent == "" {
		return Registration{}, ErrInvalidInput
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Registration{}, fmt.Errorf("client id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path = normalizePath(path)
	if doc := s.documentLocked(workspaceID, path); doc != nil && !canWrite(doc, agent) {
		return Registration{}, ErrPermissionDenied
	}
	now := s.now().UTC()
	inst := &Instance{
		ClientID:  id.String(),
		Agent:     agent,
		Path:      path,
		CreatedAt: now,
		ExpiresAt: now.Add(s.instanceTTL),
	}
	key := docKey(workspaceID, path)
	if s.instances[key] == nil {
		s.instances[key] = map[string]*Instance{}
	}
	s.instances[key][inst.ClientID] = inst
	s.broadcastInstancesLocked(key)
	instancesGauge.Set(float64(s.instanceCountLocked()))
	return Registration{Instance: *inst, ServerTime: now, TTLMillis: s.instanceTTL.Milliseconds()}, nil
}

// HeartbeatInstance extends an instance's lease. Expired records are gone
// and report ErrNotFound.
func (s *Store) HeartbeatInstance(workspaceID, path, clientID string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(workspaceID, normalizePath(path))
	inst, ok := s.instances[key][clientID]
	now := s.now().UTC()
	if !ok || !now.Before(inst.ExpiresAt) {
		return Instance{}, ErrNotFound
	}
	inst.ExpiresAt = now.Add(s.instanceTTL)
	return *inst, nil
}

func (s *Store) DeleteInstance(workspaceID, path, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(workspaceID, normalizePath(path))
	if _, ok := s.instances[key][clientID]; !ok {
		return nil
	}
	delete(s.instances[key], clientID)
	if len(s.instances[key]) == 0 {
		delete(s.instances, key)
	}
	if held := s.held[key]; held != nil {
		delete(held, clientID)
	}
	s.broadcastInstancesLocked(key)
	instancesGauge.Set(float64(s.instanceCountLocked()))
	return nil
}

func (s *Store) ListInstances(workspaceID, path, agent string) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path = normalizePath(path)
	if doc := s.documentLocked(workspaceID, path); doc != nil && !canRead(doc, agent) {
		return nil, ErrPermissionDenied
	}
	return s.instanceListLocked(docKey(workspaceID, path)), nil
}

// PostSignal routes a negotiation message to the watcher of sig.To, or holds
// it until that client watches.
func (s *Store) PostSignal(workspaceID, path, agent string, sig Signal) error {
	if sig.From == "" || sig.To == "" || sig.Kind == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path = normalizePath(path)
	if doc := s.documentLocked(workspaceID, path); doc != nil && !canWrite(doc, agent) {
		return ErrPermissionDenied
	}
	key := docKey(workspaceID, path)
	if _, ok := s.instances[key][sig.To]; !ok {
		return ErrNotFound
	}
	sig.CreatedAt = s.now().UTC()
	delivered := false
	s.forEachWatcherLocked(key, func(w *Watcher) {
		if w.req.ClientID == sig.To {
			sig := sig
			delivered = w.deliver(Event{Type: EventSignal, Signal: &sig}) || delivered
		}
	})
	if delivered {
		return nil
	}
	if s.held[key] == nil {
		s.held[key] = map[string][]Signal{}
	}
	queue := s.held[key][sig.To]
	if len(queue) >= maxHeldSignals {
		queue = queue[1:]
	}
	s.held[key][sig.To] = append(queue, sig)
	return nil
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateBackendType := "none"
	if s.stateBackend != nil {
		stateBackendType = fmt.Sprintf("%T", s.stateBackend)
	}
	docs := 0
	for _, ws := range s.workspaces {
		docs += len(ws.Documents)
	}
	return BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   stateBackendType,
		Documents:      docs,
		Instances:      s.instanceCountLocked(),
		Watchers:       s.watchers.Size(),
	}
}

func (s *Store) reaper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

// reapExpired drops instances past their lease and signals nobody picked up.
func (s *Store) reapExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for key, byID := range s.instances {
		changed := false
		for id, inst := range byID {
			if now.Before(inst.ExpiresAt) {
				continue
			}
			delete(byID, id)
			if held := s.held[key]; held != nil {
				delete(held, id)
			}
			changed = true
			s.logger.Debug("instance expired", "doc", key, "client", id)
		}
		if len(byID) == 0 {
			delete(s.instances, key)
		}
		if changed {
			s.broadcastInstancesLocked(key)
		}
	}
	for key, byClient := range s.held {
		for id, queue := range byClient {
			kept := queue[:0]
			for _, sig := range queue {
				if now.Sub(sig.CreatedAt) < s.instanceTTL {
					kept = append(kept, sig)
				}
			}
			if len(kept) == 0 {
				delete(byClient, id)
			} else {
				byClient[id] = kept
			}
		}
		if len(byClient) == 0 {
			delete(s.held, key)
		}
	}
	instancesGauge.Set(float64(s.instanceCountLocked()))
}

func (s *Store) ensureWorkspaceLocked(workspaceID string) *workspaceState {
	ws, ok := s.workspaces[workspaceID]
	if ok {
		if ws.Documents == nil {
			ws.Documents = map[string]*Document{}
		}
		return ws
	}
	ws = &workspaceState{Documents: map[string]*Document{}}
	s.workspaces[workspaceID] = ws
	return ws
}

func (s *Store) documentLocked(workspaceID, path string) *Document {
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil
	}
	return ws.Documents[path]
}

func (s *Store) instanceListLocked(key string) []Instance {
	out := make([]Instance, 0, len(s.instances[key]))
	for _, inst := range s.instances[key] {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (s *Store) instanceCountLocked() int {
	n := 0
	for _, byID := range s.instances {
		n += len(byID)
	}
	return n
}

func (s *Store) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.logger.Error("save state failed", "error", err)
	}
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Workspaces == nil {
		return nil
	}
	s.workspaces = snapshot.Workspaces
	for _, ws := range s.workspaces {
		if ws.Documents == nil {
			ws.Documents = map[string]*Document{}
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{Version: persistedStateVersion, Workspaces: s.workspaces})
}

func canRead(doc *Document, agent string) bool {
	if canWrite(doc, agent) {
		return true
	}
	return stringSliceContains(doc.ReadAccess, agent) || stringSliceContains(doc.ReadAccess, "*")
}

// A document with no access lists is open to its workspace. Setting either
// list switches it to explicit grants.
func canWrite(doc *Document, agent string) bool {
	if doc.Owner == agent {
		return true
	}
	if len(doc.ReadAccess) == 0 && len(doc.WriteAccess) == 0 {
		return true
	}
	return stringSliceContains(doc.WriteAccess, agent) || stringSliceContains(doc.WriteAccess, "*")
}

func mergeMetadata(current, patch Metadata) Metadata {
	if len(current) == 0 && len(patch) == 0 {
		return nil
	}
	out := make(Metadata, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneDocument(doc *Document) Document {
	out := *doc
	out.Content = append([]byte(nil), doc.Content...)
	out.Metadata = mergeMetadata(nil, doc.Metadata)
	out.ReadAccess = append([]string(nil), doc.ReadAccess...)
	out.WriteAccess = append([]string(nil), doc.WriteAccess...)
	return out
}

func nextRevision() string {
	return "rev_" + strings.ToLower(ulid.Make().String())
}

func docKey(workspaceID, path string) string {
	return workspaceID + "\x00" + path
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func normalizeStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func stringSliceContains(values []string, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return false
	}
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
