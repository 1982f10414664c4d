package storeclient

import (
	"context"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

type signalStore interface {
	PostSignal(ctx context.Context, path string, sig docstore.Signal) error
	Watch(ctx context.Context, path string, opts WatchOptions, fn func(docstore.Event)) (func(), error)
}

// Signaler routes WebRTC negotiation through store signals.
type Signaler struct {
	store signalStore
}

func NewSignaler(store signalStore) *Signaler {
	return &Signaler{store: store}
}

func (s *Signaler) SendSignal(ctx context.Context, path string, sig transport.Signal) error {
	return s.store.PostSignal(ctx, path, docstore.Signal{
		From:    sig.From,
		To:      sig.To,
		Kind:    sig.Kind,
		Payload: sig.Payload,
	})
}

func (s *Signaler) WatchSignals(ctx context.Context, path, clientID string, fn func(transport.Signal)) (func(), error) {
	return s.store.Watch(ctx, path, WatchOptions{
		ClientID: clientID,
		Kinds:    []docstore.EventType{docstore.EventSignal},
	}, func(ev docstore.Event) {
		if ev.Type != docstore.EventSignal || ev.Signal == nil {
			return
		}
		fn(transport.Signal{
			From:    ev.Signal.From,
			To:      ev.Signal.To,
			Kind:    ev.Signal.Kind,
			Payload: ev.Signal.Payload,
		})
	})
}
