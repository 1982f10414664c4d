package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

const DefaultAwarenessTimeout = 30 * time.Second

// AwarenessChange lists the clients whose state moved in one apply.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  string
}

func (c AwarenessChange) Clients() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

type AwarenessOptions struct {
	Timeout time.Duration
	Now     func() time.Time
}

type awarenessMeta struct {
	clock       uint64
	lastUpdated time.Time
}

type awarenessEntry struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

type awarenessUpdate struct {
	Clients []awarenessEntry `json:"clients"`
}

// Awareness holds ephemeral per-client state such as cursors and display
// names. It is never persisted.
type Awareness struct {
	mu        sync.Mutex
	clientID  string
	states    map[string]json.RawMessage
	meta      map[string]awarenessMeta
	observers map[int]func(AwarenessChange)
	nextObs   int
	timeout   time.Duration
	now       func() time.Time
}

func NewAwareness(clientID string, opts AwarenessOptions) *Awareness {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAwarenessTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Awareness{
		clientID:  clientID,
		states:    map[string]json.RawMessage{},
		meta:      map[string]awarenessMeta{},
		observers: map[int]func(AwarenessChange){},
		timeout:   timeout,
		now:       now,
	}
	a.states[clientID] = json.RawMessage("{}")
	a.meta[clientID] = awarenessMeta{clock: 0, lastUpdated: now()}
	return a
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

func (a *Awareness) Observe(fn func(AwarenessChange)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// LocalState returns the local state or nil when it has been cleared.
func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneRaw(a.states[a.clientID])
}

// SetLocalState replaces the local state. A nil state marks this client as
// gone for every peer.
func (a *Awareness) SetLocalState(state any) error {
	var raw json.RawMessage
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, []byte("null")) {
			raw = data
		}
	}

	a.mu.Lock()
	prev, existed := a.states[a.clientID]
	meta := a.meta[a.clientID]
	meta.clock++
	meta.lastUpdated = a.now()
	a.meta[a.clientID] = meta
	if raw == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = raw
	}
	change := AwarenessChange{Origin: OriginLocal}
	switch {
	case raw == nil && existed:
		change.Removed = []string{a.clientID}
	case raw != nil && !existed:
		change.Added = []string{a.clientID}
	case raw != nil && !bytes.Equal(prev, raw):
		change.Updated = []string{a.clientID}
	default:
		// renewal without a visible change still propagates the new clock
		change.Updated = []string{a.clientID}
	}
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()

	notifyAwareness(observers, change)
	return nil
}

// SetLocalStateField sets one top-level field of the local state object.
func (a *Awareness) SetLocalStateField(field string, value any) error {
	current := map[string]any{}
	if raw := a.LocalState(); raw != nil {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("local awareness state is not an object: %w", err)
		}
	}
	current[field] = value
	return a.SetLocalState(current)
}

// States returns a copy of every known client state.
func (a *Awareness) States() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(a.states))
	for id, state := range a.states {
		out[id] = cloneRaw(state)
	}
	return out
}

// EncodeUpdate encodes the given clients. With no clients it encodes every
// client that has state.
func (a *Awareness) EncodeUpdate(clients []string) ([]byte, error) {
	a.mu.Lock()
	if len(clients) == 0 {
		for id := range a.states {
			clients = append(clients, id)
		}
		sort.Strings(clients)
	}
	update := awarenessUpdate{Clients: make([]awarenessEntry, 0, len(clients))}
	for _, id := range clients {
		meta, ok := a.meta[id]
		if !ok {
			continue
		}
		update.Clients = append(update.Clients, awarenessEntry{
			ClientID: id,
			Clock:    meta.clock,
			State:    cloneRaw(a.states[id]),
		})
	}
	a.mu.Unlock()
	return json.Marshal(update)
}

// ApplyUpdate merges an encoded update. Entries with an older clock are
// ignored; an equal clock only wins when it removes a known state.
func (a *Awareness) ApplyUpdate(update []byte, origin string) error {
	var decoded awarenessUpdate
	if err := json.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("%w: awareness: %v", ErrMalformedUpdate, err)
	}
	now := a.now()
	change := AwarenessChange{Origin: origin}

	a.mu.Lock()
	for _, entry := range decoded.Clients {
		if entry.ClientID == "" {
			continue
		}
		state := entry.State
		if bytes.Equal(bytes.TrimSpace(state), []byte("null")) {
			state = nil
		}
		clock := entry.Clock
		meta, known := a.meta[entry.ClientID]
		prev, hasState := a.states[entry.ClientID]
		if known && !(meta.clock < clock || (meta.clock == clock && state == nil && hasState)) {
			continue
		}
		if state == nil {
			if entry.ClientID == a.clientID && hasState {
				// someone tried to remove us; reassert with a newer clock
				clock++
			} else {
				delete(a.states, entry.ClientID)
			}
		} else {
			a.states[entry.ClientID] = cloneRaw(state)
		}
		a.meta[entry.ClientID] = awarenessMeta{clock: clock, lastUpdated: now}
		switch {
		case !hasState && state != nil:
			change.Added = append(change.Added, entry.ClientID)
		case hasState && state == nil && entry.ClientID != a.clientID:
			change.Removed = append(change.Removed, entry.ClientID)
		case hasState && state != nil && !bytes.Equal(prev, state):
			change.Updated = append(change.Updated, entry.ClientID)
		}
	}
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()

	if len(change.Clients()) > 0 {
		notifyAwareness(observers, change)
	}
	return nil
}

// RemoveStates drops the given remote clients, for example when their peer
// connection goes away.
func (a *Awareness) RemoveStates(clients []string, origin string) {
	a.mu.Lock()
	change := AwarenessChange{Origin: origin}
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			meta := a.meta[id]
			meta.clock++
			a.meta[id] = meta
		}
		change.Removed = append(change.Removed, id)
	}
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()
	if len(change.Removed) > 0 {
		notifyAwareness(observers, change)
	}
}

// CheckOutdated renews the local state once it is half way to the timeout and
// removes remote states that have not been refreshed within the timeout.
func (a *Awareness) CheckOutdated() {
	now := a.now()
	a.mu.Lock()
	local, hasLocal := a.states[a.clientID]
	renew := hasLocal && now.Sub(a.meta[a.clientID].lastUpdated) >= a.timeout/2
	var stale []string
	for id, meta := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(meta.lastUpdated) >= a.timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew {
		_ = a.SetLocalState(json.RawMessage(local))
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		a.RemoveStates(stale, "timeout")
	}
}

// Destroy clears the local state so peers drop this client.
func (a *Awareness) Destroy() {
	if a.LocalState() != nil {
		_ = a.SetLocalState(nil)
	}
}

func (a *Awareness) snapshotObserversLocked() []func(AwarenessChange) {
	out := make([]func(AwarenessChange), 0, len(a.observers))
	for _, fn := range a.observers {
		out = append(out, fn)
	}
	return out
}

func notifyAwareness(observers []func(AwarenessChange), change AwarenessChange) {
	for _, fn := range observers {
		fn(change)
	}
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}
