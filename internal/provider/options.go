// Package provider keeps one CRDT document in sync across a peer mesh and a
// durable store.
//
// A Provider registers the local client with the store, derives its
// neighbours from the registered peer set, and exchanges deltas with them over
// transport peers. Local deltas are coalesced before they hit the wire and
// snapshots are written back to the store at a bounded rate. All provider
// state lives on one event loop goroutine; store, transport and timer
// callbacks post closures to it.
package provider

import (
	"errors"
	"log/slog"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/transport"
	"github.com/benbjohnson/clock"
)

const (
	DefaultMaxCacheUpdates = 20
	DefaultMaxRTCWait      = 100 * time.Millisecond
	DefaultMaxPersistWait  = 3000 * time.Millisecond
	DefaultReconnectDelay  = 200 * time.Millisecond
	DefaultUserName        = "anonymous"

	// OriginStore tags snapshots applied from the durable store.
	OriginStore = "store"
)

var (
	ErrInvalidOptions = errors.New("invalid provider options")
	ErrAlreadyStarted = errors.New("provider already started")
	ErrDestroyed      = errors.New("provider destroyed")
)

type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateRecovering
	StateReadOnly
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	case StateReadOnly:
		return "read-only"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Callbacks are the only outputs a Provider exposes to its embedder. They run
// on the provider's event loop, so they must not block. A panic inside one is
// logged and swallowed.
type Callbacks struct {
	// OnReady fires once, after the first store snapshot has been seen and
	// registration has either succeeded or been denied.
	OnReady func()
	// OnSaving reports whether a snapshot write is pending or in flight.
	OnSaving func(saving bool)
	// OnSetMetadata receives the metadata of every store snapshot.
	OnSetMetadata func(metadata docstore.Metadata)
	// OnDeleted fires when the document is deleted or read access is revoked.
	// The provider destroys itself right after.
	OnDeleted func()
}

type Options struct {
	Path       string
	Store      Store
	Negotiator transport.Negotiator
	// Doc is the document to sync. A new empty one is created when nil.
	Doc       *crdt.Doc
	Callbacks Callbacks

	MaxCacheUpdates int
	MaxRTCWait      time.Duration
	MaxPersistWait  time.Duration
	ReconnectDelay  time.Duration
	// HeartbeatInterval defaults to a third of the registration TTL.
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	AwarenessTimeout  time.Duration
	// UserName is written as updatedBy and shared in awareness.
	UserName string

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxCacheUpdates <= 0 {
		o.MaxCacheUpdates = DefaultMaxCacheUpdates
	}
	if o.MaxRTCWait <= 0 {
		o.MaxRTCWait = DefaultMaxRTCWait
	}
	if o.MaxPersistWait <= 0 {
		o.MaxPersistWait = DefaultMaxPersistWait
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = crdt.DefaultAwarenessTimeout
	}
	if o.UserName == "" {
		o.UserName = DefaultUserName
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.Path == "":
		return errors.Join(ErrInvalidOptions, errors.New("path is required"))
	case o.Store == nil:
		return errors.Join(ErrInvalidOptions, errors.New("store is required"))
	case o.Negotiator == nil:
		return errors.Join(ErrInvalidOptions, errors.New("negotiator is required"))
	}
	return nil
}
