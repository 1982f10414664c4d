package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/storeclient"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore answers from fields; unset funcs succeed with zero values.
type fakeStore struct {
	register  func(ctx context.Context, path string) (docstore.Registration, error)
	heartbeat func(ctx context.Context, path, clientID string) error
	remove    func(ctx context.Context, path, clientID string) error
	watch     func(ctx context.Context, path string, opts storeclient.WatchOptions, fn func(docstore.Event)) (func(), error)
}

func (f *fakeStore) WriteDocument(context.Context, string, []byte, docstore.Metadata) (docstore.WriteResult, error) {
	return docstore.WriteResult{}, nil
}

func (f *fakeStore) Watch(ctx context.Context, path string, opts storeclient.WatchOptions, fn func(docstore.Event)) (func(), error) {
	if f.watch != nil {
		return f.watch(ctx, path, opts, fn)
	}
	return func() {}, nil
}

func (f *fakeStore) RegisterInstance(ctx context.Context, path string) (docstore.Registration, error) {
	if f.register != nil {
		return f.register(ctx, path)
	}
	return docstore.Registration{}, nil
}

func (f *fakeStore) HeartbeatInstance(ctx context.Context, path, clientID string) error {
	if f.heartbeat != nil {
		return f.heartbeat(ctx, path, clientID)
	}
	return nil
}

func (f *fakeStore) DeleteInstance(ctx context.Context, path, clientID string) error {
	if f.remove != nil {
		return f.remove(ctx, path, clientID)
	}
	return nil
}

func (f *fakeStore) PostSignal(context.Context, string, docstore.Signal) error {
	return nil
}

func TestRegisterMeasuresOffsetAtMidpoint(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()
	store := &fakeStore{register: func(context.Context, string) (docstore.Registration, error) {
		mock.Add(100 * time.Millisecond)
		return docstore.Registration{
			Instance:   docstore.Instance{ClientID: "c1"},
			ServerTime: start.Add(50*time.Millisecond + 10*time.Second),
			TTLMillis:  30000,
		}, nil
	}}

	reg, err := NewRegistry(store, mock, nil).Register(context.Background(), "/a.md")
	require.NoError(t, err)
	assert.Equal(t, "c1", reg.ClientID)
	assert.Equal(t, 10*time.Second, reg.Offset)
	assert.Equal(t, 30*time.Second, reg.TTL)
}

func TestRegisterDeniedIsPermissionError(t *testing.T) {
	store := &fakeStore{register: func(context.Context, string) (docstore.Registration, error) {
		return docstore.Registration{}, &storeclient.HTTPError{StatusCode: 403, Code: "permission_denied"}
	}}
	_, err := NewRegistry(store, nil, nil).Register(context.Background(), "/a.md")
	require.Error(t, err)
	assert.True(t, isPermissionDenied(err))
}

func TestHeartbeatReportsMissingRecord(t *testing.T) {
	store := &fakeStore{heartbeat: func(context.Context, string, string) error {
		return docstore.ErrNotFound
	}}
	err := NewRegistry(store, nil, nil).Heartbeat(context.Background(), "/a.md", "c1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDeregisterSwallowsErrors(t *testing.T) {
	called := ""
	store := &fakeStore{remove: func(_ context.Context, _ string, clientID string) error {
		called = clientID
		return errors.New("store down")
	}}
	registry := NewRegistry(store, nil, nil)
	registry.Deregister(context.Background(), "/a.md", "c1")
	assert.Equal(t, "c1", called)

	called = ""
	registry.Deregister(context.Background(), "/a.md", "")
	assert.Empty(t, called, "empty ids are not sent")
}

func TestWatchPeersEmitsSortedSet(t *testing.T) {
	store := &fakeStore{watch: func(_ context.Context, _ string, opts storeclient.WatchOptions, fn func(docstore.Event)) (func(), error) {
		assert.Equal(t, []docstore.EventType{docstore.EventInstances}, opts.Kinds)
		fn(docstore.Event{Type: docstore.EventInstances, Instances: []docstore.Instance{
			{ClientID: "c3"}, {ClientID: "c1"}, {ClientID: "c3"}, {ClientID: ""}, {ClientID: "c2"},
		}})
		fn(docstore.Event{Type: docstore.EventError, Error: &docstore.StreamError{Code: docstore.CodePermissionDenied, Message: "revoked"}})
		return func() {}, nil
	}}

	var lists [][]string
	var errs []error
	cancel, err := NewRegistry(store, nil, nil).WatchPeers(context.Background(), "/a.md",
		func(ids []string) { lists = append(lists, ids) },
		func(err error) { errs = append(errs, err) })
	require.NoError(t, err)
	defer cancel()

	require.Len(t, lists, 1)
	assert.Equal(t, []string{"c1", "c2", "c3"}, lists[0])
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], docstore.ErrPermissionDenied)
}

func TestRefreshPeersLeavesUnchangedAlone(t *testing.T) {
	current := map[string]int{"b": 1, "d": 2}
	added, obsolete := RefreshPeers([]string{"c", "a", "b", "a"}, current)
	assert.Equal(t, []string{"a", "c"}, added)
	assert.Equal(t, []string{"d"}, obsolete)

	added, obsolete = RefreshPeers(nil, map[string]int{})
	assert.Empty(t, added)
	assert.Empty(t, obsolete)
}

func TestSeenFilterDedupsAndAges(t *testing.T) {
	seen := newSeenFilter()
	first := []byte("delta-0")
	assert.False(t, seen.contains(first))
	seen.remember(first)
	assert.True(t, seen.contains(first))

	for i := 0; i < 2*seenCapacity; i++ {
		seen.remember([]byte{byte(i), byte(i >> 8), byte(i >> 16), 'x'})
	}
	assert.False(t, seen.contains(first), "entry should age out after two generations")
}
