package transport

import (
	"context"
	"sort"
	"sync"
)

const memoryQueueDepth = 1024

// MemoryNetwork pairs channels in process. Two Opens with mirrored requests
// become one link. Sever and Block inject failures for tests and local runs.
type MemoryNetwork struct {
	mu      sync.Mutex
	pending map[string]*memoryEnd
	blocked map[string]bool
	ends    map[*memoryEnd]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		pending: map[string]*memoryEnd{},
		blocked: map[string]bool{},
		ends:    map[*memoryEnd]struct{}{},
	}
}

type memoryEnd struct {
	net     *MemoryNetwork
	key     string
	req     Request
	handler Handler
	inbox   chan []byte
	done    chan struct{}

	mu     sync.Mutex
	remote *memoryEnd
	closed bool
}

func (n *MemoryNetwork) Open(ctx context.Context, req Request, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := &memoryEnd{
		net:     n,
		key:     memoryPairKey(req),
		req:     req,
		handler: h,
		inbox:   make(chan []byte, memoryQueueDepth),
		done:    make(chan struct{}),
	}

	n.mu.Lock()
	n.ends[end] = struct{}{}
	if n.blocked[req.SelfID] || n.blocked[req.PeerID] {
		n.mu.Unlock()
		return end, nil
	}
	other, ok := n.pending[end.key]
	if !ok || other.req.SelfID == req.SelfID {
		n.pending[end.key] = end
		n.mu.Unlock()
		return end, nil
	}
	delete(n.pending, end.key)
	other.mu.Lock()
	other.remote = end
	other.mu.Unlock()
	end.remote = other
	n.mu.Unlock()

	go end.deliver()
	go other.deliver()
	if other.handler.OnOpen != nil {
		other.handler.OnOpen()
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	return end, nil
}

// Sever drops every link and pending open that involves id. Both sides see
// OnClose.
func (n *MemoryNetwork) Sever(id string) {
	n.mu.Lock()
	var victims []*memoryEnd
	for end := range n.ends {
		if end.req.SelfID == id || end.req.PeerID == id {
			victims = append(victims, end)
		}
	}
	n.mu.Unlock()
	for _, end := range victims {
		end.fail(ErrClosed)
	}
}

// Block makes future opens involving id hang until they time out.
func (n *MemoryNetwork) Block(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[id] = true
}

func (n *MemoryNetwork) Unblock(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, id)
}

// Links counts live linked pairs.
func (n *MemoryNetwork) Links() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for end := range n.ends {
		end.mu.Lock()
		if end.remote != nil && !end.closed {
			count++
		}
		end.mu.Unlock()
	}
	return count / 2
}

func (e *memoryEnd) Send(data []byte) error {
	e.mu.Lock()
	remote, closed := e.remote, e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if remote == nil {
		return ErrNotConnected
	}
	payload := append([]byte(nil), data...)
	select {
	case remote.inbox <- payload:
		return nil
	case <-remote.done:
		return ErrClosed
	}
}

// Close tears down the local end and notifies the remote one.
func (e *memoryEnd) Close() error {
	remote, ok := e.shutdown()
	if !ok {
		return nil
	}
	if remote != nil {
		remote.fail(ErrClosed)
	}
	return nil
}

func (e *memoryEnd) fail(err error) {
	remote, ok := e.shutdown()
	if !ok {
		return
	}
	if remote != nil {
		remote.fail(err)
	}
	if e.handler.OnClose != nil {
		e.handler.OnClose(err)
	}
}

func (e *memoryEnd) shutdown() (*memoryEnd, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false
	}
	e.closed = true
	remote := e.remote
	close(e.done)
	e.mu.Unlock()

	n := e.net
	n.mu.Lock()
	if n.pending[e.key] == e {
		delete(n.pending, e.key)
	}
	delete(n.ends, e)
	n.mu.Unlock()
	return remote, true
}

func (e *memoryEnd) deliver() {
	for {
		select {
		case <-e.done:
			return
		case data := <-e.inbox:
			if e.handler.OnMessage != nil {
				e.handler.OnMessage(data)
			}
		}
	}
}

func memoryPairKey(req Request) string {
	ids := []string{req.SelfID, req.PeerID}
	sort.Strings(ids)
	return req.Path + "\x00" + ids[0] + "\x00" + ids[1]
}
