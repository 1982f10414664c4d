package provider

import (
	"context"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/storeclient"
)

// Store is the durable store as the provider sees it. storeclient.HTTPClient
// and storeclient.Local both satisfy it.
//
// Watch delivers events from a background goroutine. A permission or
// deletion error arrives as an EventError and ends the stream.
type Store interface {
	WriteDocument(ctx context.Context, path string, content []byte, metadata docstore.Metadata) (docstore.WriteResult, error)
	Watch(ctx context.Context, path string, opts storeclient.WatchOptions, fn func(docstore.Event)) (func(), error)
	RegisterInstance(ctx context.Context, path string) (docstore.Registration, error)
	HeartbeatInstance(ctx context.Context, path, clientID string) error
	DeleteInstance(ctx context.Context, path, clientID string) error
	PostSignal(ctx context.Context, path string, sig docstore.Signal) error
}

var (
	_ Store = (*storeclient.HTTPClient)(nil)
	_ Store = (*storeclient.Local)(nil)
)
