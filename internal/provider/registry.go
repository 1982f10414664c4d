package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/storeclient"
	"github.com/benbjohnson/clock"
)

// Registration is one presence record in the store.
type Registration struct {
	ClientID string
	// Offset is server time minus local time, measured at the midpoint of
	// the register round trip.
	Offset time.Duration
	TTL    time.Duration
}

// Registry manages the presence record of the local client and watches the
// records of everyone else.
type Registry struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewRegistry(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, clock: clk, logger: logger.With("component", "registry")}
}

// Register creates a record. A permission error means the caller may read
// but not write and must not retry.
func (r *Registry) Register(ctx context.Context, path string) (Registration, error) {
	start := r.clock.Now()
	reg, err := r.store.RegisterInstance(ctx, path)
	end := r.clock.Now()
	if err != nil {
		return Registration{}, fmt.Errorf("register instance: %w", err)
	}
	midpoint := start.Add(end.Sub(start) / 2)
	return Registration{
		ClientID: reg.ClientID,
		Offset:   reg.ServerTime.Sub(midpoint),
		TTL:      reg.TTL(),
	}, nil
}

// Deregister removes a record. Failures are logged and never retried; the
// TTL cleans up whatever is left.
func (r *Registry) Deregister(ctx context.Context, path, clientID string) {
	if clientID == "" {
		return
	}
	if err := r.store.DeleteInstance(ctx, path, clientID); err != nil {
		r.logger.Warn("deregister failed", "path", path, "client", clientID, "error", err)
	}
}

// Heartbeat renews a record. docstore.ErrNotFound means it expired or was
// removed and the caller should register again.
func (r *Registry) Heartbeat(ctx context.Context, path, clientID string) error {
	if err := r.store.HeartbeatInstance(ctx, path, clientID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// WatchPeers emits the sorted set of registered client ids whenever it
// changes. Stream errors go to onError.
func (r *Registry) WatchPeers(ctx context.Context, path string, onList func([]string), onError func(error)) (func(), error) {
	return r.store.Watch(ctx, path, storeclient.WatchOptions{
		Kinds: []docstore.EventType{docstore.EventInstances},
	}, func(ev docstore.Event) {
		switch ev.Type {
		case docstore.EventInstances:
			onList(peerSet(ev.Instances))
		case docstore.EventError:
			if onError == nil {
				return
			}
			if ev.Error == nil {
				onError(docstore.ErrClosed)
				return
			}
			onError(fmt.Errorf("%w: %s", docstore.ErrorFromCode(ev.Error.Code), ev.Error.Message))
		}
	})
}

func peerSet(instances []docstore.Instance) []string {
	ids := make([]string, 0, len(instances))
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if inst.ClientID == "" {
			continue
		}
		if _, ok := seen[inst.ClientID]; ok {
			continue
		}
		seen[inst.ClientID] = struct{}{}
		ids = append(ids, inst.ClientID)
	}
	sort.Strings(ids)
	return ids
}

// RefreshPeers diffs the wanted ids against the current connections. Ids in
// both are left alone.
func RefreshPeers[V any](next []string, current map[string]V) (added, obsolete []string) {
	want := make(map[string]struct{}, len(next))
	for _, id := range next {
		if id == "" {
			continue
		}
		if _, dup := want[id]; dup {
			continue
		}
		want[id] = struct{}{}
		if _, ok := current[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range current {
		if _, ok := want[id]; !ok {
			obsolete = append(obsolete, id)
		}
	}
	sort.Strings(added)
	sort.Strings(obsolete)
	return added, obsolete
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, docstore.ErrPermissionDenied)
}
