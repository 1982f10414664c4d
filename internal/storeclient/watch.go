package storeclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// watchReadLimit bounds one event frame; document events carry full state.
const watchReadLimit = 64 << 20

// errorEvent builds the terminal event for a stream that ended with err.
func errorEvent(err error) docstore.Event {
	code := ""
	switch {
	case errors.Is(err, docstore.ErrPermissionDenied):
		code = docstore.CodePermissionDenied
	case errors.Is(err, docstore.ErrDeleted):
		code = docstore.CodeDeleted
	case errors.Is(err, docstore.ErrSlowConsumer):
		code = docstore.CodeSlowConsumer
	default:
		code = "closed"
	}
	return docstore.Event{Type: docstore.EventError, Error: &docstore.StreamError{Code: code, Message: err.Error()}}
}

// terminal reports whether a stream error ends the subscription for good.
func terminal(ev docstore.Event) bool {
	if ev.Type != docstore.EventError || ev.Error == nil {
		return false
	}
	return ev.Error.Code == docstore.CodePermissionDenied || ev.Error.Code == docstore.CodeDeleted
}

// subscription stops delivery once cancelled. fn runs outside the lock, so a
// delivery racing with cancel may still land; consumers fence with their own
// state.
type subscription struct {
	stopped atomic.Bool
	cancel  context.CancelFunc
	fn      func(docstore.Event)
}

func (s *subscription) deliver(ev docstore.Event) bool {
	if s.stopped.Load() {
		return false
	}
	s.fn(ev)
	return true
}

func (s *subscription) stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Watch streams document events to fn from a background goroutine until the
// returned cancel is called. Dropped connections are redialled with
// exponential backoff and the server replays the current snapshot and
// instance list. Permission and deletion errors are delivered once and end
// the stream.
func (c *HTTPClient) Watch(ctx context.Context, path string, opts WatchOptions, fn func(docstore.Event)) (func(), error) {
	target, err := c.watchURL(path, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, fn: fn}
	go c.runWatch(ctx, target, path, sub)
	return sub.stop, nil
}

func (c *HTTPClient) watchURL(path string, opts WatchOptions) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	extra := url.Values{}
	if opts.ClientID != "" {
		extra.Set("clientId", opts.ClientID)
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, 0, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kinds = append(kinds, string(k))
		}
		extra.Set("kinds", strings.Join(kinds, ","))
	}
	rel, err := url.Parse(c.docURL("watch", path, extra))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

func (c *HTTPClient) runWatch(ctx context.Context, target, path string, sub *subscription) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		delivered, err := c.watchOnce(ctx, target, sub)
		if ctx.Err() != nil {
			return
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			// the server refused the subscription itself
			sub.deliver(errorEvent(httpErr))
			return
		}
		if errors.Is(err, errStreamEnded) {
			return
		}
		if delivered {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.logger.Debug("watch reconnecting", "path", path, "delay", delay, "error", err)
		if waitWithContext(ctx, delay) != nil {
			return
		}
	}
}

var errStreamEnded = errors.New("watch stream ended")

// watchOnce runs one websocket session. delivered reports whether any event
// reached fn, which resets the reconnect backoff.
func (c *HTTPClient) watchOnce(ctx context.Context, target string, sub *subscription) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(watchReadLimit)

	delivered := false
	for {
		var ev docstore.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return delivered, err
		}
		if !sub.deliver(ev) {
			return delivered, context.Canceled
		}
		delivered = true
		if terminal(ev) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return delivered, errStreamEnded
		}
	}
}

// Local serves the same operations straight from an in-process store.
type Local struct {
	store       *docstore.Store
	workspaceID string
	agent       string
}

func NewLocal(store *docstore.Store, workspaceID, agent string) *Local {
	return &Local{store: store, workspaceID: workspaceID, agent: agent}
}

func (l *Local) ReadDocument(_ context.Context, path string) (docstore.Document, error) {
	return l.store.ReadDocument(l.workspaceID, path, l.agent)
}

func (l *Local) WriteDocument(_ context.Context, path string, content []byte, metadata docstore.Metadata) (docstore.WriteResult, error) {
	return l.store.WriteDocument(docstore.WriteRequest{
		WorkspaceID: l.workspaceID,
		Path:        path,
		Agent:       l.agent,
		Content:     content,
		Metadata:    metadata,
	})
}

func (l *Local) RegisterInstance(_ context.Context, path string) (docstore.Registration, error) {
	return l.store.RegisterInstance(l.workspaceID, path, l.agent)
}

func (l *Local) HeartbeatInstance(_ context.Context, path, clientID string) error {
	_, err := l.store.HeartbeatInstance(l.workspaceID, path, clientID)
	return err
}

func (l *Local) DeleteInstance(_ context.Context, path, clientID string) error {
	return l.store.DeleteInstance(l.workspaceID, path, clientID)
}

func (l *Local) ListInstances(_ context.Context, path string) ([]docstore.Instance, error) {
	return l.store.ListInstances(l.workspaceID, path, l.agent)
}

func (l *Local) PostSignal(_ context.Context, path string, sig docstore.Signal) error {
	return l.store.PostSignal(l.workspaceID, path, l.agent, sig)
}

// Watch mirrors HTTPClient.Watch. A slow consumer is resubscribed, which
// replays the current snapshot like a reconnect would.
func (l *Local) Watch(ctx context.Context, path string, opts WatchOptions, fn func(docstore.Event)) (func(), error) {
	req := docstore.WatchRequest{
		WorkspaceID: l.workspaceID,
		Path:        path,
		Agent:       l.agent,
		ClientID:    opts.ClientID,
		Kinds:       opts.Kinds,
	}
	w, err := l.store.Watch(req)
	if errors.Is(err, docstore.ErrPermissionDenied) {
		// same shape as the HTTP client: the refusal arrives as an event
		_, cancel := context.WithCancel(ctx)
		sub := &subscription{cancel: cancel, fn: fn}
		go sub.deliver(errorEvent(err))
		return sub.stop, nil
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, fn: fn}
	var current atomic.Pointer[docstore.Watcher]
	current.Store(w)
	go func() {
		<-ctx.Done()
		current.Load().Close()
	}()
	go func() {
		for {
			var last docstore.Event
			for ev := range w.Events() {
				last = ev
				if !sub.deliver(ev) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			cause := w.Err()
			if cause == nil {
				return
			}
			if !errors.Is(cause, docstore.ErrSlowConsumer) {
				if last.Type != docstore.EventError {
					sub.deliver(errorEvent(cause))
				}
				return
			}
			next, err := l.store.Watch(req)
			if err != nil {
				sub.deliver(errorEvent(err))
				return
			}
			w = next
			current.Store(next)
			if ctx.Err() != nil {
				next.Close()
				return
			}
		}
	}()
	return sub.stop, nil
}
