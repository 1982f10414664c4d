package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"

	dataChannelLabel = "relaydoc"
	earlySignalTTL   = 30 * time.Second
	maxEarlySignals  = 64
)

type WebRTCConfig struct {
	ICEServers []string
	Signaler   Signaler
	// API overrides the default pion API, e.g. to tune the setting engine.
	API    *webrtc.API
	Logger *slog.Logger
}

// WebRTCNegotiator opens data channels and exchanges offers, answers and ICE
// candidates through a Signaler.
type WebRTCNegotiator struct {
	signaler Signaler
	api      *webrtc.API
	config   webrtc.Configuration
	logger   *slog.Logger

	sessions *xsync.MapOf[string, *rtcSession]

	mu      sync.Mutex
	watches map[string]*signalWatch
	early   map[string][]earlySignal
}

type signalWatch struct {
	refs   int
	cancel func()
}

type earlySignal struct {
	sig Signal
	at  time.Time
}

func NewWebRTCNegotiator(cfg WebRTCConfig) *WebRTCNegotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	return &WebRTCNegotiator{
		signaler: cfg.Signaler,
		api:      api,
		config:   createWebRTCConfig(cfg.ICEServers),
		logger:   logger.With("component", "webrtc"),
		sessions: xsync.NewMapOf[string, *rtcSession](),
		watches:  map[string]*signalWatch{},
		early:    map[string][]earlySignal{},
	}
}

func createWebRTCConfig(servers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return cfg
}

type rtcSession struct {
	n       *WebRTCNegotiator
	key     string
	req     Request
	handler Handler
	pc      *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	opened    bool
	closed    bool
}

func (n *WebRTCNegotiator) Open(ctx context.Context, req Request, h Handler) (Channel, error) {
	if n.signaler == nil {
		return nil, fmt.Errorf("webrtc: no signaler configured")
	}
	if err := n.acquireWatch(ctx, req.Path, req.SelfID); err != nil {
		return nil, err
	}
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		n.releaseWatch(req.Path, req.SelfID)
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	s := &rtcSession{
		n:       n,
		key:     sessionKey(req.Path, req.SelfID, req.PeerID),
		req:     req,
		handler: h,
		pc:      pc,
	}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.signal(signalCandidate, candidate.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug("connection state", "peer", req.PeerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.fail(fmt.Errorf("webrtc: peer connection %s", state.String()))
		}
	})

	if req.Initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("webrtc: create data channel: %w", err)
		}
		s.attach(dc)
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("webrtc: create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("webrtc: set local description: %w", err)
		}
		s.signal(signalOffer, offer)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			s.attach(dc)
		})
	}

	n.mu.Lock()
	previous, replaced := n.sessions.LoadAndStore(s.key, s)
	early := n.takeEarlyLocked(s.key)
	n.mu.Unlock()
	if replaced {
		previous.fail(ErrClosed)
	}
	for _, sig := range early {
		s.handle(sig)
	}
	return s, nil
}

func (n *WebRTCNegotiator) acquireWatch(ctx context.Context, path, self string) error {
	key := path + "\x00" + self
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.watches[key]; ok {
		w.refs++
		return nil
	}
	// The watch is shared by every session of self, so it outlives ctx.
	cancel, err := n.signaler.WatchSignals(context.WithoutCancel(ctx), path, self, func(sig Signal) {
		n.dispatch(path, sig)
	})
	if err != nil {
		return fmt.Errorf("webrtc: watch signals: %w", err)
	}
	n.watches[key] = &signalWatch{refs: 1, cancel: cancel}
	return nil
}

func (n *WebRTCNegotiator) releaseWatch(path, self string) {
	key := path + "\x00" + self
	n.mu.Lock()
	w, ok := n.watches[key]
	if ok {
		w.refs--
		if w.refs > 0 {
			ok = false
		} else {
			delete(n.watches, key)
		}
	}
	n.mu.Unlock()
	if ok && w.cancel != nil {
		w.cancel()
	}
}

func (n *WebRTCNegotiator) dispatch(path string, sig Signal) {
	key := sessionKey(path, sig.To, sig.From)
	n.mu.Lock()
	s, ok := n.sessions.Load(key)
	if !ok {
		// The initiator can be ahead of the responder's topology view.
		n.bufferLocked(key, sig)
	}
	n.mu.Unlock()
	if ok {
		s.handle(sig)
	}
}

func (n *WebRTCNegotiator) bufferLocked(key string, sig Signal) {
	now := time.Now()
	queue := n.early[key][:0]
	for _, e := range n.early[key] {
		if now.Sub(e.at) < earlySignalTTL {
			queue = append(queue, e)
		}
	}
	if len(queue) < maxEarlySignals {
		queue = append(queue, earlySignal{sig: sig, at: now})
	}
	n.early[key] = queue
}

func (n *WebRTCNegotiator) takeEarlyLocked(key string) []Signal {
	queue := n.early[key]
	delete(n.early, key)
	now := time.Now()
	out := make([]Signal, 0, len(queue))
	for _, e := range queue {
		if now.Sub(e.at) < earlySignalTTL {
			out = append(out, e.sig)
		}
	}
	return out
}

func (s *rtcSession) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	dc.OnOpen(func() {
		s.mu.Lock()
		if s.closed || s.opened {
			s.mu.Unlock()
			return
		}
		s.opened = true
		s.mu.Unlock()
		if s.handler.OnOpen != nil {
			s.handler.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.handler.OnMessage != nil {
			s.handler.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		s.fail(ErrClosed)
	})
}

func (s *rtcSession) handle(sig Signal) {
	var err error
	switch sig.Kind {
	case signalOffer:
		err = s.handleOffer(sig.Payload)
	case signalAnswer:
		var answer webrtc.SessionDescription
		if err = json.Unmarshal(sig.Payload, &answer); err == nil {
			err = s.setRemote(answer)
		}
	case signalCandidate:
		var candidate webrtc.ICECandidateInit
		if err = json.Unmarshal(sig.Payload, &candidate); err == nil {
			err = s.addCandidate(candidate)
		}
	default:
		s.n.logger.Debug("ignoring signal", "kind", sig.Kind, "from", sig.From)
		return
	}
	if err != nil {
		s.n.logger.Warn("signal failed", "kind", sig.Kind, "from", sig.From, "error", err)
		s.fail(err)
	}
}

func (s *rtcSession) handleOffer(payload json.RawMessage) error {
	if s.req.Initiator {
		return fmt.Errorf("webrtc: unexpected offer from %s", s.req.PeerID)
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return err
	}
	if err := s.setRemote(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.signal(signalAnswer, answer)
	return nil
}

func (s *rtcSession) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}
	return nil
}

func (s *rtcSession) addCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (s *rtcSession) signal(kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.n.logger.Warn("encode signal", "kind", kind, "error", err)
		return
	}
	sig := Signal{From: s.req.SelfID, To: s.req.PeerID, Kind: kind, Payload: raw}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.n.signaler.SendSignal(ctx, s.req.Path, sig); err != nil {
			s.n.logger.Warn("send signal", "kind", kind, "to", sig.To, "error", err)
		}
	}()
}

func (s *rtcSession) Send(data []byte) error {
	s.mu.Lock()
	dc, opened, closed := s.dc, s.opened, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !opened || dc == nil {
		return ErrNotConnected
	}
	return dc.Send(data)
}

func (s *rtcSession) Close() error {
	_, err := s.shutdown()
	return err
}

func (s *rtcSession) shutdown() (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	s.mu.Unlock()

	s.n.sessions.Compute(s.key, func(current *rtcSession, loaded bool) (*rtcSession, bool) {
		return current, !loaded || current == s
	})
	s.n.releaseWatch(s.req.Path, s.req.SelfID)
	return true, s.pc.Close()
}

func (s *rtcSession) fail(err error) {
	if first, _ := s.shutdown(); !first {
		return
	}
	if s.handler.OnClose != nil {
		s.handler.OnClose(err)
	}
}

func sessionKey(path, self, peer string) string {
	return path + "\x00" + self + "\x00" + peer
}
