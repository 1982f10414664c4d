package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/storeclient"
	"github.com/agentworkforce/relaydoc/internal/topology"
	"github.com/agentworkforce/relaydoc/internal/transport"
	"github.com/benbjohnson/clock"
)

const deregisterTimeout = 5 * time.Second

type peerLink struct {
	id        string
	initiator bool
	peer      *transport.Peer
	state     transport.State
}

// Provider syncs one document. Create it with New, call Start, and call
// Destroy when done. The document and awareness handles may be used from any
// goroutine.
type Provider struct {
	opts      Options
	store     Store
	doc       *crdt.Doc
	awareness *crdt.Awareness
	registry  *Registry
	clock     clock.Clock
	logger    *slog.Logger
	callbacks Callbacks

	mail   *mailbox
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu           sync.Mutex
	started          bool
	destroyRequested bool
	inCallback       atomic.Bool
	loopGoroutine    atomic.Uint64

	status   atomic.Int32
	clientID atomic.Value
	saving   atomic.Bool

	// Everything below is owned by the event loop.
	state          State
	epoch          uint64
	session        string
	offset         time.Duration
	ttl            time.Duration
	snapshotSeen   bool
	readyFired     bool
	persistPending bool
	peerIDs        []string
	graph          topology.Graph
	peers          map[string]*peerLink
	updates        *updateQueue
	persist        *persistQueue
	seen           *seenFilter
	metadataPatch  docstore.Metadata

	unwatchDoc         func()
	unwatchPeers       func()
	unobserveDoc       func()
	unobserveAwareness func()

	heartbeatTimer timer
	awarenessTimer timer
	reconnectTimer timer
	reconnectGen   uint64
}

// New builds a provider without starting it.
func New(opts Options) (*Provider, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	doc := opts.Doc
	if doc == nil {
		doc = crdt.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		opts:      opts,
		store:     opts.Store,
		doc:       doc,
		registry:  NewRegistry(opts.Store, opts.Clock, opts.Logger),
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "provider", "path", opts.Path),
		callbacks: opts.Callbacks,
		mail:      newMailbox(),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		peers:     map[string]*peerLink{},
		seen:      newSeenFilter(),
	}
	p.clientID.Store("")
	p.awareness = crdt.NewAwareness(doc.ActorID(), crdt.AwarenessOptions{
		Timeout: opts.AwarenessTimeout,
		Now:     opts.Clock.Now,
	})
	if err := p.awareness.SetLocalStateField("user", map[string]any{"name": opts.UserName}); err != nil {
		cancel()
		return nil, err
	}
	sched := loopScheduler{p: p}
	p.updates = newUpdateQueue(opts.MaxCacheUpdates, opts.MaxRTCWait, sched, p.flushUpdates)
	p.persist = newPersistQueue(opts.MaxPersistWait, sched, p.serverNow, p.writeSnapshot, p.reportSaving)
	return p, nil
}

func (p *Provider) Doc() *crdt.Doc { return p.doc }

func (p *Provider) Awareness() *crdt.Awareness { return p.awareness }

func (p *Provider) State() State { return State(p.status.Load()) }

// ClientID is the current registration id, or "" while unregistered.
func (p *Provider) ClientID() string { return p.clientID.Load().(string) }

func (p *Provider) Saving() bool { return p.saving.Load() }

// Done is closed once the provider has been destroyed.
func (p *Provider) Done() <-chan struct{} { return p.done }

// SetMetadata queues a metadata patch for the next snapshot write. Nil values
// delete fields.
func (p *Provider) SetMetadata(patch docstore.Metadata) {
	if len(patch) == 0 {
		return
	}
	patch = mergeMetadata(nil, patch)
	p.post(func() {
		if p.state == StateReadOnly || p.state == StateDestroyed {
			return
		}
		p.metadataPatch = mergeMetadata(p.metadataPatch, patch)
		p.requestPersist()
	})
}

// Start subscribes to the document and begins registration.
func (p *Provider) Start() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.destroyRequested {
		return ErrDestroyed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	go p.loop()
	p.post(p.connect)
	return nil
}

// Destroy tears everything down and returns once no timer, watcher or peer
// callback can reach the provider any more. It is safe to call repeatedly.
// Called from inside a callback, it completes right after that callback
// returns.
func (p *Provider) Destroy() {
	p.lifeMu.Lock()
	first := !p.destroyRequested
	p.destroyRequested = true
	started := p.started
	p.lifeMu.Unlock()

	if !started {
		if first {
			p.setState(StateDestroyed)
			p.cancel()
			p.mail.close()
			close(p.done)
		}
		return
	}
	if first {
		p.post(p.shutdown)
	}
	if p.inCallback.Load() && currentGoroutine() == p.loopGoroutine.Load() {
		return
	}
	<-p.done
}

func (p *Provider) post(fn func()) bool {
	return p.mail.post(fn)
}

func (p *Provider) loop() {
	p.loopGoroutine.Store(currentGoroutine())
	defer close(p.done)
	defer p.mail.close()
	for range p.mail.wake {
		for _, fn := range p.mail.drain() {
			p.run(fn)
			if p.state == StateDestroyed {
				return
			}
		}
	}
}

func (p *Provider) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in event loop", "panic", r)
		}
	}()
	fn()
}

// invoke runs an embedder callback.
func (p *Provider) invoke(name string, fn func()) {
	if fn == nil {
		return
	}
	p.inCallback.Store(true)
	defer func() {
		p.inCallback.Store(false)
		if r := recover(); r != nil {
			p.logger.Error("callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

func (p *Provider) setState(s State) {
	if p.state != s {
		p.logger.Debug("state changed", "from", p.state.String(), "to", s.String())
	}
	p.state = s
	p.status.Store(int32(s))
}

type loopScheduler struct {
	p *Provider
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) timer {
	return s.p.clock.AfterFunc(d, func() { s.p.post(fn) })
}

func (p *Provider) after(d time.Duration, fn func()) timer {
	return loopScheduler{p: p}.AfterFunc(d, fn)
}

func stopTimer(t *timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (p *Provider) serverNow() time.Time {
	return p.clock.Now().Add(p.offset)
}

func (p *Provider) connect() {
	p.setState(StateConnecting)
	p.unobserveDoc = p.doc.Observe(func(u crdt.Update) {
		if u.Origin != crdt.OriginLocal {
			return
		}
		data := u.Data
		p.post(func() { p.localUpdate(data) })
	})
	p.unobserveAwareness = p.awareness.Observe(func(change crdt.AwarenessChange) {
		p.post(func() { p.awarenessChanged(change) })
	})
	p.watchDocument()
	p.scheduleAwarenessCheck()
	p.register()
}

// watchDocument subscribes before registering so readers who may not write
// still get snapshots.
func (p *Provider) watchDocument() {
	cancel, err := p.store.Watch(p.ctx, p.opts.Path, storeclient.WatchOptions{
		Kinds: []docstore.EventType{docstore.EventDocument},
	}, func(ev docstore.Event) {
		p.post(func() { p.documentEvent(ev) })
	})
	if err != nil {
		p.logger.Error("watch document failed", "error", err)
		p.after(p.opts.ReconnectDelay, func() {
			if p.state != StateDestroyed && p.unwatchDoc == nil {
				p.watchDocument()
			}
		})
		return
	}
	p.unwatchDoc = cancel
}

func (p *Provider) documentEvent(ev docstore.Event) {
	if p.state == StateDestroyed {
		return
	}
	switch ev.Type {
	case docstore.EventDocument:
		if ev.Exists && ev.Document != nil {
			p.applySnapshot(ev.Document)
		}
		p.snapshotSeen = true
		if p.persistPending {
			p.persistPending = false
			p.requestPersist()
		}
		p.maybeReady()
	case docstore.EventError:
		code := ""
		if ev.Error != nil {
			code = ev.Error.Code
		}
		switch code {
		case docstore.CodePermissionDenied, docstore.CodeDeleted:
			p.logger.Warn("document access lost", "code", code)
			p.invoke("OnDeleted", p.callbacks.OnDeleted)
			p.shutdown()
		default:
			p.logger.Debug("document watch interrupted", "code", code)
		}
	}
}

// applySnapshot merges a store snapshot. Every peer receives the same
// snapshot from the store, so it is not relayed.
func (p *Provider) applySnapshot(doc *docstore.Document) {
	p.persist.observe(doc.UpdatedAt)
	if p.callbacks.OnSetMetadata != nil {
		metadata := mergeMetadata(nil, doc.Metadata)
		p.invoke("OnSetMetadata", func() { p.callbacks.OnSetMetadata(metadata) })
	}
	if len(doc.Content) == 0 {
		return
	}
	if _, err := p.doc.ApplyUpdate(doc.Content, OriginStore); err != nil {
		p.logger.Warn("skipping unreadable snapshot", "revision", doc.Revision, "error", err)
	}
}

func (p *Provider) maybeReady() {
	if p.readyFired || !p.snapshotSeen {
		return
	}
	switch p.state {
	case StateConnecting:
		if p.session == "" {
			return
		}
		p.setState(StateReady)
	case StateReadOnly:
	default:
		return
	}
	p.readyFired = true
	p.invoke("OnReady", p.callbacks.OnReady)
}

func (p *Provider) register() {
	epoch := p.epoch
	go func() {
		reg, err := p.registry.Register(p.ctx, p.opts.Path)
		posted := p.post(func() { p.registered(epoch, reg, err) })
		if !posted && err == nil {
			p.deregisterAsync(reg.ClientID)
		}
	}()
}

func (p *Provider) registered(epoch uint64, reg Registration, err error) {
	if epoch != p.epoch || p.state == StateDestroyed || p.state == StateReadOnly {
		if err == nil {
			p.deregisterAsync(reg.ClientID)
		}
		return
	}
	if err != nil {
		if isPermissionDenied(err) {
			p.logger.Info("registration denied, continuing read-only")
			p.enterReadOnly()
			return
		}
		p.logger.Warn("registration failed", "error", err)
		p.scheduleRecovery("registration failed")
		return
	}

	p.session = reg.ClientID
	p.offset = reg.Offset
	p.ttl = reg.TTL
	p.clientID.Store(reg.ClientID)
	p.logger.Info("registered", "client", reg.ClientID, "offset", reg.Offset)
	if p.readyFired {
		p.setState(StateReady)
	} else {
		p.setState(StateConnecting)
	}
	p.watchPeers(epoch)
	p.scheduleHeartbeat(epoch)
	p.maybeReady()
}

func (p *Provider) watchPeers(epoch uint64) {
	cancel, err := p.registry.WatchPeers(p.ctx, p.opts.Path, func(ids []string) {
		p.post(func() {
			if epoch == p.epoch {
				p.peersChanged(ids)
			}
		})
	}, func(err error) {
		p.post(func() {
			if epoch == p.epoch {
				p.logger.Warn("peer watch error", "error", err)
			}
		})
	})
	if err != nil {
		p.logger.Warn("watch peers failed", "error", err)
		p.scheduleRecovery("peer watch failed")
		return
	}
	p.unwatchPeers = cancel
}

// peersChanged rebuilds the graph and reconciles transports. Peers whose role
// did not change keep their connection.
func (p *Provider) peersChanged(ids []string) {
	if p.session == "" {
		return
	}
	prev := p.graph
	p.peerIDs = ids
	p.graph = topology.Build(ids)
	links := p.graph.Links(p.session)
	if added, removed := topology.Diff(prev, p.graph, p.session); len(added)+len(removed) > 0 {
		p.logger.Debug("mesh changed", "peers", len(ids), "added", added, "removed", removed)
	}

	wanted := make([]string, 0, len(links))
	for id := range links {
		wanted = append(wanted, id)
	}
	fresh, obsolete := RefreshPeers(wanted, p.peers)
	for _, id := range obsolete {
		p.dropPeer(id)
	}
	for id, initiator := range links {
		if link, ok := p.peers[id]; ok && link.initiator != initiator {
			p.dropPeer(id)
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)
	for _, id := range fresh {
		p.addPeer(id, links[id])
	}
}

func (p *Provider) addPeer(id string, initiator bool) {
	epoch := p.epoch
	role := transport.RoleResponder
	if initiator {
		role = transport.RoleInitiator
	}
	link := &peerLink{id: id, initiator: initiator, state: transport.StateConnecting}
	p.peers[id] = link
	peersGauge.WithLabelValues(link.state.String()).Inc()
	link.peer = transport.NewPeer(transport.PeerConfig{
		Path:           p.opts.Path,
		SelfID:         p.session,
		PeerID:         id,
		Role:           role,
		Negotiator:     p.opts.Negotiator,
		ConnectTimeout: p.opts.ConnectTimeout,
		Clock:          p.clock,
		Logger:         p.opts.Logger,
		OnState: func(s transport.State) {
			p.post(func() { p.peerState(epoch, link, s) })
		},
		OnMessage: func(msg transport.Message) {
			p.post(func() { p.peerMessage(epoch, link, msg) })
		},
	})
}

func (p *Provider) dropPeer(id string) {
	link, ok := p.peers[id]
	if !ok {
		return
	}
	delete(p.peers, id)
	link.peer.Destroy()
	peersGauge.WithLabelValues(link.state.String()).Dec()
}

func (p *Provider) current(epoch uint64, link *peerLink) bool {
	return epoch == p.epoch && p.peers[link.id] == link
}

func (p *Provider) peerState(epoch uint64, link *peerLink, s transport.State) {
	if !p.current(epoch, link) {
		return
	}
	peersGauge.WithLabelValues(link.state.String()).Dec()
	link.state = s
	peersGauge.WithLabelValues(link.state.String()).Inc()
	switch s {
	case transport.StateConnected:
		p.syncPeer(link)
	case transport.StateClosed:
		p.checkConnections()
	}
}

// syncPeer sends a fresh connection everything we know, so a peer that
// missed earlier flushes converges without the store.
func (p *Provider) syncPeer(link *peerLink) {
	if err := link.peer.SendData(transport.Message{Kind: transport.KindUpdate, Payload: p.doc.EncodeState()}); err != nil {
		p.logger.Debug("initial sync failed", "peer", link.id, "error", err)
	}
	data, err := p.awareness.EncodeUpdate(nil)
	if err != nil {
		return
	}
	if err := link.peer.SendData(transport.Message{Kind: transport.KindAwareness, Payload: data}); err != nil {
		p.logger.Debug("awareness sync failed", "peer", link.id, "error", err)
	}
}

// checkConnections recovers when the mesh exists on paper but every
// transport is gone.
func (p *Provider) checkConnections() {
	live := 0
	for _, link := range p.peers {
		if link.state != transport.StateClosed {
			live++
		}
	}
	if len(p.peerIDs) > 1 && live == 0 {
		p.scheduleRecovery("all transports closed")
	}
}

func (p *Provider) peerMessage(epoch uint64, link *peerLink, msg transport.Message) {
	if !p.current(epoch, link) {
		return
	}
	switch msg.Kind {
	case transport.KindUpdate:
		if p.seen.contains(msg.Payload) {
			return
		}
		// A delta whose dependencies are missing applies without moving the
		// heads. It is still forwarded so neighbours can buffer it too.
		if _, err := p.doc.ApplyUpdate(msg.Payload, link.id); err != nil {
			p.logger.Warn("dropping malformed delta", "peer", link.id, "error", err)
			return
		}
		p.seen.remember(msg.Payload)
		p.broadcast(msg, link.id)
	case transport.KindAwareness:
		if err := p.awareness.ApplyUpdate(msg.Payload, link.id); err != nil {
			p.logger.Warn("dropping malformed awareness update", "peer", link.id, "error", err)
		}
	}
}

// broadcast sends msg to every connected neighbour except one.
func (p *Provider) broadcast(msg transport.Message, except string) {
	for id, link := range p.peers {
		if id == except || link.state != transport.StateConnected {
			continue
		}
		if err := link.peer.SendData(msg); err != nil {
			p.logger.Debug("send failed", "peer", id, "kind", string(msg.Kind), "error", err)
		}
	}
}

func (p *Provider) awarenessChanged(change crdt.AwarenessChange) {
	if p.state == StateDestroyed {
		return
	}
	data, err := p.awareness.EncodeUpdate(change.Clients())
	if err != nil {
		p.logger.Warn("encode awareness failed", "error", err)
		return
	}
	except := change.Origin
	if except == crdt.OriginLocal {
		except = ""
	}
	p.broadcast(transport.Message{Kind: transport.KindAwareness, Payload: data}, except)
}

func (p *Provider) scheduleAwarenessCheck() {
	p.awarenessTimer = p.after(p.opts.AwarenessTimeout/10, func() {
		if p.state == StateDestroyed {
			return
		}
		p.awareness.CheckOutdated()
		p.scheduleAwarenessCheck()
	})
}

func (p *Provider) localUpdate(data []byte) {
	if p.state == StateReadOnly || p.state == StateDestroyed {
		return
	}
	p.updates.push(data)
}

func (p *Provider) flushUpdates(blob []byte, reason string) {
	flushesTotal.WithLabelValues(reason).Inc()
	p.seen.remember(blob)
	p.broadcast(transport.Message{Kind: transport.KindUpdate, Payload: blob}, "")
	p.requestPersist()
}

// requestPersist holds writes until the first snapshot has been merged, so a
// fresh client never overwrites the stored state with a partial one.
func (p *Provider) requestPersist() {
	if p.state == StateReadOnly || p.state == StateDestroyed {
		return
	}
	if !p.snapshotSeen {
		p.persistPending = true
		return
	}
	p.persist.trigger()
}

func (p *Provider) writeSnapshot(done func(time.Time)) {
	content := p.doc.EncodeState()
	patch := p.metadataPatch
	p.metadataPatch = nil
	metadata := mergeMetadata(nil, patch)
	if metadata == nil {
		metadata = docstore.Metadata{}
	}
	metadata["updatedBy"] = p.opts.UserName
	metadata["lastUpdated"] = p.serverNow().UTC().Format(time.RFC3339Nano)

	go func() {
		result, err := p.store.WriteDocument(p.ctx, p.opts.Path, content, metadata)
		p.post(func() {
			if p.state == StateDestroyed || p.state == StateReadOnly {
				return
			}
			if err != nil {
				persistTotal.WithLabelValues("error").Inc()
				p.logger.Warn("snapshot write failed", "error", err)
				p.metadataPatch = mergeMetadata(patch, p.metadataPatch)
				done(time.Time{})
				return
			}
			persistTotal.WithLabelValues("ok").Inc()
			done(result.UpdatedAt)
		})
	}()
}

func (p *Provider) reportSaving(saving bool) {
	p.saving.Store(saving)
	if p.callbacks.OnSaving != nil {
		p.invoke("OnSaving", func() { p.callbacks.OnSaving(saving) })
	}
}

func (p *Provider) scheduleHeartbeat(epoch uint64) {
	interval := p.opts.HeartbeatInterval
	if interval <= 0 {
		interval = p.ttl / 3
	}
	if interval <= 0 {
		return
	}
	p.heartbeatTimer = p.after(interval, func() {
		if epoch != p.epoch {
			return
		}
		p.heartbeatTimer = nil
		id := p.session
		go func() {
			err := p.registry.Heartbeat(p.ctx, p.opts.Path, id)
			p.post(func() { p.heartbeatDone(epoch, err) })
		}()
	})
}

func (p *Provider) heartbeatDone(epoch uint64, err error) {
	if epoch != p.epoch || p.state == StateDestroyed {
		return
	}
	switch {
	case err == nil:
		p.scheduleHeartbeat(epoch)
	case errors.Is(err, docstore.ErrNotFound):
		p.logger.Warn("presence record expired")
		p.scheduleRecovery("presence record expired")
	default:
		p.logger.Warn("heartbeat failed", "error", err)
		p.scheduleHeartbeat(epoch)
	}
}

// scheduleRecovery debounces a teardown and re-registration. Triggers inside
// the delay collapse into one cycle.
func (p *Provider) scheduleRecovery(reason string) {
	switch p.state {
	case StateUninitialized, StateReadOnly, StateDestroyed:
		return
	}
	p.setState(StateRecovering)
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
	}
	p.reconnectGen++
	gen := p.reconnectGen
	p.logger.Info("recovery scheduled", "reason", reason, "delay", p.opts.ReconnectDelay)
	p.reconnectTimer = p.after(p.opts.ReconnectDelay, func() {
		if gen != p.reconnectGen || p.state != StateRecovering {
			return
		}
		p.reconnectTimer = nil
		recoveriesTotal.Inc()
		p.logger.Info("recovering", "reason", reason)
		p.endSession()
		p.register()
	})
}

// endSession drops the registration and everything derived from it. Bumping
// the epoch fences callbacks already in flight.
func (p *Provider) endSession() {
	p.epoch++
	stopTimer(&p.heartbeatTimer)
	if p.unwatchPeers != nil {
		p.unwatchPeers()
		p.unwatchPeers = nil
	}
	for id := range p.peers {
		p.dropPeer(id)
	}
	p.peerIDs = nil
	p.graph = nil
	if p.session != "" {
		p.deregisterAsync(p.session)
		p.session = ""
		p.clientID.Store("")
	}
}

func (p *Provider) deregisterAsync(clientID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		defer cancel()
		p.registry.Deregister(ctx, p.opts.Path, clientID)
	}()
}

// enterReadOnly keeps the document subscription and drops the write path.
func (p *Provider) enterReadOnly() {
	p.reconnectGen++
	stopTimer(&p.reconnectTimer)
	p.endSession()
	p.updates.stop()
	p.persist.stop()
	p.persist.setSaving(false)
	p.persistPending = false
	p.metadataPatch = nil
	p.setState(StateReadOnly)
	p.maybeReady()
}

// shutdown runs on the loop. The loop exits after it returns.
func (p *Provider) shutdown() {
	if p.state == StateDestroyed {
		return
	}
	p.lifeMu.Lock()
	p.destroyRequested = true
	p.lifeMu.Unlock()

	p.reconnectGen++
	stopTimer(&p.reconnectTimer)
	stopTimer(&p.awarenessTimer)
	stopTimer(&p.heartbeatTimer)
	p.updates.stop()
	p.persist.stop()
	if p.unwatchDoc != nil {
		p.unwatchDoc()
		p.unwatchDoc = nil
	}
	if p.unobserveDoc != nil {
		p.unobserveDoc()
		p.unobserveDoc = nil
	}
	if p.unobserveAwareness != nil {
		p.unobserveAwareness()
		p.unobserveAwareness = nil
	}

	// tell neighbours we are gone before the links close
	p.awareness.Destroy()
	if data, err := p.awareness.EncodeUpdate([]string{p.awareness.ClientID()}); err == nil {
		p.broadcast(transport.Message{Kind: transport.KindAwareness, Payload: data}, "")
	}
	p.endSession()
	p.cancel()
	p.setState(StateDestroyed)
	p.logger.Info("destroyed")
}

func mergeMetadata(current, patch docstore.Metadata) docstore.Metadata {
	if len(current) == 0 && len(patch) == 0 {
		return nil
	}
	out := make(docstore.Metadata, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
