package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultConnectTimeout = 15 * time.Second

type PeerConfig struct {
	Path           string
	SelfID         string
	PeerID         string
	Role           Role
	Negotiator     Negotiator
	ConnectTimeout time.Duration
	// Clock drives the connect timeout. Nil uses the wall clock.
	Clock          clock.Clock
	Logger         *slog.Logger
	OnState        func(State)
	OnMessage      func(Message)
}

// Peer is the engine's handle on one counterpart. Callbacks run on transport
// goroutines and stop for good once Destroy returns.
type Peer struct {
	cfg    PeerConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	channel   Channel
	destroyed bool
	opened    bool
	cancel    context.CancelFunc
	timer     *clock.Timer
}

// NewPeer starts negotiating in the background and returns immediately in
// StateConnecting.
func NewPeer(cfg PeerConfig) *Peer {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		cfg:    cfg,
		logger: logger.With("component", "peer", "peer", cfg.PeerID, "role", cfg.Role.String()),
		state:  StateConnecting,
		cancel: cancel,
	}
	p.timer = cfg.Clock.AfterFunc(timeout, p.connectTimedOut)
	go p.open(ctx)
	return p
}

func (p *Peer) ID() string { return p.cfg.PeerID }

func (p *Peer) Role() Role { return p.cfg.Role }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendData encodes and sends msg. Nothing is queued for peers that are not
// connected yet.
func (p *Peer) SendData(msg Message) error {
	p.mu.Lock()
	channel, state := p.channel, p.state
	p.mu.Unlock()
	if state != StateConnected || channel == nil {
		return ErrNotConnected
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return channel.Send(data)
}

// Destroy releases the channel. It is safe to call more than once and emits
// no state callback.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.state = StateClosed
	channel := p.channel
	p.channel = nil
	p.mu.Unlock()

	p.timer.Stop()
	p.cancel()
	if channel != nil {
		if err := channel.Close(); err != nil {
			p.logger.Debug("close channel", "error", err)
		}
	}
}

func (p *Peer) open(ctx context.Context) {
	channel, err := p.cfg.Negotiator.Open(ctx, Request{
		Path:      p.cfg.Path,
		SelfID:    p.cfg.SelfID,
		PeerID:    p.cfg.PeerID,
		Initiator: p.cfg.Role == RoleInitiator,
	}, Handler{
		OnOpen:    p.handleOpen,
		OnMessage: p.handleMessage,
		OnClose:   p.handleClose,
	})
	if err != nil {
		p.logger.Warn("negotiation failed", "error", err)
		p.transition(StateClosed)
		return
	}
	p.mu.Lock()
	if p.destroyed || p.state == StateClosed {
		p.mu.Unlock()
		_ = channel.Close()
		return
	}
	p.channel = channel
	opened := p.opened
	p.mu.Unlock()
	if opened {
		p.timer.Stop()
		p.transition(StateConnected)
	}
}

// handleOpen can fire before Open has returned the channel; the connected
// transition waits for both.
func (p *Peer) handleOpen() {
	p.mu.Lock()
	p.opened = true
	ready := p.channel != nil
	p.mu.Unlock()
	if ready {
		p.timer.Stop()
		p.transition(StateConnected)
	}
}

func (p *Peer) handleMessage(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		p.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	p.mu.Lock()
	live := !p.destroyed
	p.mu.Unlock()
	if live && p.cfg.OnMessage != nil {
		p.cfg.OnMessage(msg)
	}
}

func (p *Peer) handleClose(err error) {
	if err != nil {
		p.logger.Debug("channel closed", "error", err)
	}
	p.transition(StateClosed)
}

func (p *Peer) connectTimedOut() {
	if p.State() != StateConnecting {
		return
	}
	p.logger.Info("connect timed out")
	p.transition(StateClosed)
}

// transition moves forward only; closed is terminal.
func (p *Peer) transition(next State) {
	p.mu.Lock()
	if p.destroyed || p.state == StateClosed || next <= p.state {
		p.mu.Unlock()
		return
	}
	p.state = next
	var channel Channel
	if next == StateClosed {
		channel = p.channel
		p.channel = nil
	}
	p.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if next == StateClosed {
		p.timer.Stop()
		p.cancel()
	}
	if p.cfg.OnState != nil {
		p.cfg.OnState(next)
	}
}
