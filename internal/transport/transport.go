// Package transport owns the point-to-point channels between peers of one
// document. A Negotiator produces raw byte channels; Peer wraps one channel
// with a role, a connection state and the message codec.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrFrameTooBig  = errors.New("frame too large")
)

type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Request identifies one side of one channel.
type Request struct {
	Path      string
	SelfID    string
	PeerID    string
	Initiator bool
}

// Handler receives channel events. OnOpen fires at most once, OnClose at most
// once and never before OnOpen has had its chance to run.
type Handler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Channel is a bidirectional byte channel produced by a Negotiator.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Negotiator establishes channels. Open must not block on the remote side;
// the channel reports readiness through Handler.OnOpen.
type Negotiator interface {
	Open(ctx context.Context, req Request, h Handler) (Channel, error)
}

// Signal is an out-of-band negotiation message routed through the durable
// store.
type Signal struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Signaler delivers negotiation messages between clients of one document.
// Signals sent before the recipient watches are held for it. fn is never
// called from inside WatchSignals.
type Signaler interface {
	SendSignal(ctx context.Context, path string, sig Signal) error
	WatchSignals(ctx context.Context, path, clientID string, fn func(Signal)) (func(), error)
}
