package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaydoc/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

const relayWriteTimeout = 10 * time.Second

// relayHub pairs two websocket clients that asked for each other and copies
// binary frames between them. It never inspects payloads.
type relayHub struct {
	waiting     *xsync.MapOf[string, *relayConn]
	upgrader    websocket.Upgrader
	pairTimeout time.Duration
	logger      *slog.Logger
}

type relayConn struct {
	conn    *websocket.Conn
	self    string
	paired  chan struct{}
	claimed atomic.Bool
	partner *relayConn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newRelayHub(pairTimeout time.Duration, logger *slog.Logger) *relayHub {
	return &relayHub{
		waiting: xsync.NewMapOf[string, *relayConn](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pairTimeout: pairTimeout,
		logger:      logger.With("subcomponent", "relay"),
	}
}

func relayKey(workspaceID, path, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return workspaceID + "|" + path + "|" + a + "|" + b
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request, call docCall) {
	query := r.URL.Query()
	self := strings.TrimSpace(query.Get("self"))
	peer := strings.TrimSpace(query.Get("peer"))
	if self == "" || peer == "" || self == peer {
		writeError(w, http.StatusBadRequest, "bad_request", "self and peer must be distinct client ids", call.correlationID)
		return
	}
	instances, err := s.store.ListInstances(call.workspaceID, call.path, call.agent)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	registered := false
	for _, inst := range instances {
		if inst.ClientID == self && inst.Agent == call.agent {
			registered = true
			break
		}
	}
	if !registered {
		writeError(w, http.StatusNotFound, "not_found", "unknown instance", call.correlationID)
		return
	}

	conn, err := s.relay.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "error", err, "correlation_id", call.correlationID)
		return
	}
	s.relay.attach(relayKey(call.workspaceID, call.path, self, peer), &relayConn{
		conn:   conn,
		self:   self,
		paired: make(chan struct{}),
	})
}

// attach either parks rc until its partner arrives or completes a waiting
// pair. It returns when rc's connection ends.
func (h *relayHub) attach(key string, rc *relayConn) {
	var partner, displaced *relayConn
	h.waiting.Compute(key, func(old *relayConn, loaded bool) (*relayConn, bool) {
		if loaded && old.self != rc.self {
			old.claimed.Store(true)
			partner = old
			return nil, true
		}
		if loaded {
			displaced = old
		}
		return rc, false
	})
	if displaced != nil {
		displaced.close()
	}

	if partner == nil {
		timer := time.NewTimer(h.pairTimeout)
		defer timer.Stop()
		select {
		case <-rc.paired:
		case <-timer.C:
			removed := false
			h.waiting.Compute(key, func(old *relayConn, loaded bool) (*relayConn, bool) {
				removed = loaded && old == rc
				return old, !loaded || removed
			})
			if removed || !rc.claimed.Load() {
				h.logger.Debug("relay pair timed out", "key", key)
				rc.close()
				return
			}
			// a partner took rc out of the map and is finishing the pair
			<-rc.paired
		}
	} else {
		rc.partner = partner
		partner.partner = rc
		// both sides learn about the pair before either can forward data
		paired, _ := json.Marshal(transport.RelayControl{Type: transport.RelayPaired})
		if partner.write(websocket.TextMessage, paired) != nil || rc.write(websocket.TextMessage, paired) != nil {
			partner.close()
			rc.close()
			close(partner.paired)
			return
		}
		close(partner.paired)
	}
	rc.pump()
}

func (rc *relayConn) pump() {
	defer func() {
		rc.close()
		if rc.partner != nil {
			rc.partner.close()
		}
	}()
	for {
		kind, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := rc.partner.write(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (rc *relayConn) write(kind int, data []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return rc.conn.WriteMessage(kind, data)
}

func (rc *relayConn) close() {
	rc.closeOnce.Do(func() {
		rc.writeMu.Lock()
		_ = rc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		rc.writeMu.Unlock()
		_ = rc.conn.Close()
	})
}
