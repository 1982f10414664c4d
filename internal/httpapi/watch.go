package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const watchWriteTimeout = 10 * time.Second

// handleWatch streams docstore events as JSON text frames. Store errors that
// end the stream are sent as an error event before the close frame.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, call docCall) {
	query := r.URL.Query()
	req := docstore.WatchRequest{
		WorkspaceID: call.workspaceID,
		Path:        call.path,
		Agent:       call.agent,
		ClientID:    strings.TrimSpace(query.Get("clientId")),
	}
	for _, kind := range strings.Split(query.Get("kinds"), ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			req.Kinds = append(req.Kinds, docstore.EventType(kind))
		}
	}
	watcher, err := s.store.Watch(req)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	defer watcher.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("watch upgrade failed", "error", err, "correlation_id", call.correlationID)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(s.cfg.WatchPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-watcher.Events():
			if !ok {
				s.closeWatch(ctx, conn, watcher.Err())
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("watch write failed", "error", err, "correlation_id", call.correlationID)
				return
			}
		}
	}
}

func (s *Server) closeWatch(ctx context.Context, conn *websocket.Conn, cause error) {
	switch {
	case cause == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(cause, docstore.ErrSlowConsumer):
		// the store had no room for an error event
		writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
		_ = wsjson.Write(writeCtx, conn, docstore.Event{
			Type:  docstore.EventError,
			Error: &docstore.StreamError{Code: docstore.CodeSlowConsumer, Message: cause.Error()},
		})
		cancel()
		_ = conn.Close(websocket.StatusTryAgainLater, docstore.CodeSlowConsumer)
	case errors.Is(cause, docstore.ErrClosed):
		_ = conn.Close(websocket.StatusGoingAway, "store closed")
	default:
		_ = conn.Close(websocket.StatusPolicyViolation, cause.Error())
	}
}
