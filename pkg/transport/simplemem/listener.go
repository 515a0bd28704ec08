package simplemem

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"simplecomm/pkg/comm"
)

// ListenerState is the lifecycle of a Listener.
type ListenerState int

const (
	ListenerCreated ListenerState = iota
	ListenerRunning
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerCreated:
		return "created"
	case ListenerRunning:
		return "running"
	case ListenerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	requestPending int32 = iota
	requestAnswered
	requestAbandoned
)

// connectRequest is claimed exactly once: by accept when it has a verdict,
// or by the connecting caller when its ctx ends first.
type connectRequest struct {
	client *Connection
	reply  chan error
	state  atomic.Int32
}

func (r *connectRequest) answer() bool {
	return r.state.CompareAndSwap(requestPending, requestAnswered)
}

func (r *connectRequest) abandon() bool {
	return r.state.CompareAndSwap(requestPending, requestAbandoned)
}

// Listener accepts connections for one address and owns the server side of
// each of them.
type Listener struct {
	address   string
	transport *Transport
	host      *comm.ServiceHost
	log       *zap.Logger

	mu    sync.Mutex
	state ListenerState
	conns map[string]*Connection

	connectCh chan *connectRequest
	done      chan struct{}
	loopDone  chan struct{}

	hooksMu        sync.RWMutex
	onConnected    func(*Connection) *comm.Error
	onDisconnected func(*Connection)
}

func newListener(t *Transport, address string) *Listener {
	log := t.log.With(zap.String("addr", address))
	return &Listener{
		address:   address,
		transport: t,
		host:      comm.NewServiceHost(t.UnhandledError, log),
		log:       log,
		conns:     make(map[string]*Connection),
		connectCh: make(chan *connectRequest),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

func (l *Listener) Address() string { return l.address }

// ServiceHost holds the methods served on every accepted connection.
func (l *Listener) ServiceHost() *comm.ServiceHost { return l.host }

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetOnConnected installs a hook run for every accepted connection before
// it becomes usable. Returning an Error rejects the connection and fails
// the connecting ConnectTo with that Error.
func (l *Listener) SetOnConnected(fn func(*Connection) *comm.Error) {
	l.hooksMu.Lock()
	l.onConnected = fn
	l.hooksMu.Unlock()
}

// SetOnDisconnected installs a hook run once when an accepted connection closes.
func (l *Listener) SetOnDisconnected(fn func(*Connection)) {
	l.hooksMu.Lock()
	l.onDisconnected = fn
	l.hooksMu.Unlock()
}

// Connections returns the currently accepted server-side connections.
func (l *Listener) Connections() []*Connection {
	l.mu.Lock()
	out := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Start moves a created listener to running. A stopped listener cannot be
// restarted; make a new one through the Transport instead.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case ListenerRunning:
		return nil
	case ListenerStopped:
		return errors.Wrapf(comm.ErrInvalidArgument, "simplemem: listener %q already stopped", l.address)
	}
	l.state = ListenerRunning
	go l.acceptLoop()
	l.log.Debug("listener started")
	return nil
}

// Stop refuses further connects, closes every accepted connection and
// waits for the accept loop to exit. It is idempotent.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	prev := l.state
	if prev == ListenerStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = ListenerStopped
	close(l.done)
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if prev == ListenerRunning {
		select {
		case <-l.loopDone:
		case <-ctx.Done():
			return comm.Cancelled(ctx.Err())
		}
	}
	l.log.Debug("listener stopped", zap.Int("closed_connections", len(conns)))
	return firstErr
}

// acceptLoop only hands requests off, so a slow OnConnected hook holds up
// its own connect and nothing else.
func (l *Listener) acceptLoop() {
	defer close(l.loopDone)
	for {
		select {
		case <-l.done:
			return
		case req := <-l.connectCh:
			go l.handle(req)
		}
	}
}

func (l *Listener) handle(req *connectRequest) {
	err := l.accept(req.client)
	if req.answer() {
		req.reply <- err
		return
	}
	// the caller gave up while we were accepting
	if err == nil {
		_ = req.client.Close(context.Background())
	}
	l.log.Debug("connect abandoned by caller", zap.String("client", req.client.ID()))
}

// connect hands a fresh client connection to the accept loop and waits for
// the verdict.
func (l *Listener) connect(ctx context.Context) (*Connection, error) {
	client := newConnection(l.transport, comm.ConnectionTypeClient, l.address, nil)
	req := &connectRequest{client: client, reply: make(chan error, 1)}

	select {
	case l.connectCh <- req:
	case <-l.done:
		return nil, errors.Wrapf(comm.ErrNotFound, "simplemem: listener %q stopped", l.address)
	case <-ctx.Done():
		return nil, comm.Cancelled(ctx.Err())
	}

	select {
	case err := <-req.reply:
		if err != nil {
			return nil, err
		}
		return client, nil
	case <-ctx.Done():
		if req.abandon() {
			return nil, comm.Cancelled(ctx.Err())
		}
		// the verdict is already on its way; undo a successful accept
		if err := <-req.reply; err == nil {
			_ = client.Close(context.Background())
		}
		return nil, comm.Cancelled(ctx.Err())
	}
}

func (l *Listener) accept(client *Connection) error {
	server := newConnection(l.transport, comm.ConnectionTypeServer, l.address, l.host)
	pair(client, server)
	server.onClose = l.release

	l.mu.Lock()
	if l.state != ListenerRunning {
		l.mu.Unlock()
		return errors.Wrapf(comm.ErrNotFound, "simplemem: listener %q stopped", l.address)
	}
	l.conns[server.ID()] = server
	l.mu.Unlock()

	l.hooksMu.RLock()
	hook := l.onConnected
	l.hooksMu.RUnlock()
	if hook != nil {
		if e := l.runConnectedHook(hook, server); e != nil {
			l.forget(server)
			server.abandon()
			client.abandon()
			l.transport.metrics.rejected.Mark(1)
			l.log.Info("connection rejected", zap.String("conn", server.ID()), zap.Error(e))
			return e
		}
	}

	if !server.start() || !client.start() {
		_ = client.Close(context.Background())
		return errors.Wrapf(comm.ErrNotFound, "simplemem: listener %q stopped", l.address)
	}
	l.transport.metrics.accepted.Mark(1)
	l.log.Debug("connection accepted", zap.String("conn", server.ID()), zap.String("client", client.ID()))
	return nil
}

func (l *Listener) runConnectedHook(hook func(*Connection) *comm.Error, c *Connection) (e *comm.Error) {
	defer func() {
		if r := recover(); r != nil {
			e = l.transport.UnhandledError(errors.Errorf("connected hook panicked: %v", r))
		}
	}()
	return hook(c)
}

func (l *Listener) forget(c *Connection) {
	l.mu.Lock()
	delete(l.conns, c.ID())
	l.mu.Unlock()
}

// release runs once after an accepted connection closes. Connections that
// never got past OnConnected are only forgotten.
func (l *Listener) release(c *Connection) {
	l.forget(c)
	if !c.wasStarted {
		return
	}
	l.hooksMu.RLock()
	hook := l.onDisconnected
	l.hooksMu.RUnlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.transport.UnhandledError(errors.Errorf("disconnected hook panicked: %v", r))
		}
	}()
	hook(c)
}
