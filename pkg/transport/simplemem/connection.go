package simplemem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"simplecomm/pkg/comm"
)

// frame is one message in flight between the two halves of a pair. The
// payload travels by reference; layer data is always serialized.
type frame struct {
	kind      comm.MessageType
	id        uint64
	method    string
	layerData []byte
	msg       *comm.Message
	// local frames are produced on this side (shutdown errors) and skip the layers
	local     bool
}

// Connection is one half of an in-process pair. Frames sent on one half
// land in the other half's inbox and are processed by its receive loop.
type Connection struct {
	id        string
	typ       comm.ConnectionType
	address   string
	transport *Transport
	host      *comm.ServiceHost
	log       *zap.Logger

	state atomic.Int32
	peer  *Connection
	inbox chan *frame

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	mu         sync.Mutex
	started    bool
	closing    bool
	wasStarted bool
	pending    map[uint64]chan *frame
	nextID     atomic.Uint64

	evMu     sync.Mutex
	evQueue  []*frame
	evSignal chan struct{}

	onClose func(*Connection)
}

var _ comm.Connection = (*Connection)(nil)

func newConnection(t *Transport, typ comm.ConnectionType, address string, host *comm.ServiceHost) *Connection {
	id := uuid.NewString()
	log := t.log.With(zap.String("conn", id), zap.Stringer("type", typ), zap.String("addr", address))
	if host == nil {
		host = comm.NewServiceHost(t.UnhandledError, log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		typ:       typ,
		address:   address,
		transport: t,
		host:      host,
		log:       log,
		inbox:     make(chan *frame, t.inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		pending:   make(map[uint64]chan *frame),
		evSignal:  make(chan struct{}, 1),
	}
	c.state.Store(int32(comm.ConnectionConnecting))
	return c
}

func pair(client, server *Connection) {
	client.peer = server
	server.peer = client
}

func (c *Connection) ID() string                          { return c.id }
func (c *Connection) ConnectionType() comm.ConnectionType { return c.typ }
func (c *Connection) Address() string                     { return c.address }
func (c *Connection) State() comm.ConnectionState         { return comm.ConnectionState(c.state.Load()) }

// ServiceHost holds the methods the remote side may call on this connection.
// Server connections share their listener's host.
func (c *Connection) ServiceHost() *comm.ServiceHost { return c.host }

func (c *Connection) start() bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.started = true
	c.state.Store(int32(comm.ConnectionConnected))
	c.mu.Unlock()
	c.transport.metrics.connections.Inc(1)
	go c.loop()
	go c.eventLoop()
	return true
}

func (c *Connection) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.inbox:
			c.receive(f)
		}
	}
}

func (c *Connection) receive(f *frame) {
	c.transport.metrics.framesReceived.Mark(1)
	switch f.kind {
	case comm.MessageTypeRequest:
		go c.serveRequest(f)
	case comm.MessageTypeEvent:
		c.queueEvent(f)
	case comm.MessageTypeResponse:
		c.completeRequest(f)
	default:
		c.transport.UnhandledError(errors.Errorf("simplemem: frame with unknown type %d", f.kind))
	}
}

// RequestResponse sends req to method on the remote side and waits for the
// response. A layer rejecting the send is returned as a *comm.Error without
// anything being sent. Remote failures arrive as an error Message.
func (c *Connection) RequestResponse(ctx context.Context, method string, req *comm.Message) (*comm.Message, error) {
	if req == nil {
		return nil, errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil request")
	}
	if err := ctx.Err(); err != nil {
		return nil, comm.Cancelled(err)
	}
	defer c.transport.metrics.requests.UpdateSince(time.Now())

	layerData, e := c.transport.layers.OnSend(comm.MessageTypeRequest, &comm.SendContext{Connection: c, Method: method})
	if e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		return nil, e
	}

	id := c.nextID.Add(1)
	ch := make(chan *frame, 1)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	f := &frame{kind: comm.MessageTypeRequest, id: id, method: method, layerData: layerData, msg: req}
	if err := c.deliver(ctx, f); err != nil {
		c.dropPending(id)
		return nil, err
	}
	select {
	case resp := <-ch:
		return c.openResponse(resp), nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, comm.Cancelled(ctx.Err())
	}
}

// openResponse runs the receive layers for a response on the caller's
// goroutine, so a layer may close the connection without stalling the loop.
func (c *Connection) openResponse(f *frame) *comm.Message {
	if f.local {
		return f.msg
	}
	rc := &comm.ReceiveContext{Connection: c, Method: f.method}
	if e := c.transport.layers.OnReceive(comm.MessageTypeResponse, rc, f.layerData); e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		return comm.FromError(e)
	}
	return f.msg
}

// FireEvent sends a one-way message to method on the remote side. Events
// fired on one connection are dispatched on the remote side in the order
// they were fired.
func (c *Connection) FireEvent(ctx context.Context, method string, ev *comm.Message) error {
	if ev == nil {
		return errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil event")
	}
	layerData, e := c.transport.layers.OnSend(comm.MessageTypeEvent, &comm.SendContext{Connection: c, Method: method})
	if e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		return e
	}
	return c.deliver(ctx, &frame{kind: comm.MessageTypeEvent, method: method, layerData: layerData, msg: ev})
}

func (c *Connection) serveRequest(f *frame) {
	rc := &comm.ReceiveContext{Connection: c, Method: f.method}
	var resp *comm.Message
	if e := c.transport.layers.OnReceive(comm.MessageTypeRequest, rc, f.layerData); e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		resp = comm.FromError(e)
	} else {
		resp = c.host.DispatchRequest(c.ctx, f.method, f.msg, rc)
	}

	layerData, e := c.transport.layers.OnSend(comm.MessageTypeResponse, &comm.SendContext{Connection: c, Method: f.method})
	if e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		resp, layerData = comm.FromError(e), nil
	}
	out := &frame{kind: comm.MessageTypeResponse, id: f.id, method: f.method, layerData: layerData, msg: resp}
	if err := c.deliver(c.ctx, out); err != nil {
		c.log.Debug("response dropped", zap.String("method", f.method), zap.Uint64("request", f.id), zap.Error(err))
	}
}

func (c *Connection) serveEvent(f *frame) {
	rc := &comm.ReceiveContext{Connection: c, Method: f.method}
	if e := c.transport.layers.OnReceive(comm.MessageTypeEvent, rc, f.layerData); e != nil {
		c.transport.metrics.layerErrors.Inc(1)
		c.log.Warn("event rejected by layer", zap.String("method", f.method), zap.Error(e))
		c.transport.UnhandledError(e)
		return
	}
	c.host.DispatchEvent(c.ctx, f.method, f.msg, rc)
}

// completeRequest hands a response to its waiting caller.
func (c *Connection) completeRequest(f *frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.id]
	delete(c.pending, f.id)
	c.mu.Unlock()
	if !ok {
		// caller gave up (ctx done) before the response arrived
		c.log.Debug("response for unknown request", zap.Uint64("request", f.id))
		return
	}
	ch <- f
}

func (c *Connection) queueEvent(f *frame) {
	c.evMu.Lock()
	c.evQueue = append(c.evQueue, f)
	c.evMu.Unlock()
	select {
	case c.evSignal <- struct{}{}:
	default:
	}
}

// eventLoop serves queued events one at a time in arrival order. It is not
// waited for on Close, so an event handler may close its own connection.
func (c *Connection) eventLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.evSignal:
		}
		for {
			c.evMu.Lock()
			if len(c.evQueue) == 0 {
				c.evMu.Unlock()
				break
			}
			f := c.evQueue[0]
			c.evQueue[0] = nil
			c.evQueue = c.evQueue[1:]
			c.evMu.Unlock()
			if c.isClosed() {
				return
			}
			c.serveEvent(f)
		}
	}
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) deliver(ctx context.Context, f *frame) error {
	p := c.peer
	if p == nil {
		return errors.Wrap(comm.ErrConnectionClosed, "simplemem: connection not paired")
	}
	select {
	case <-c.closed:
		return c.closedErr()
	case <-p.closed:
		return c.closedErr()
	default:
	}
	select {
	case p.inbox <- f:
		c.transport.metrics.framesSent.Mark(1)
		return nil
	case <-c.closed:
		return c.closedErr()
	case <-p.closed:
		return c.closedErr()
	case <-ctx.Done():
		return comm.Cancelled(ctx.Err())
	}
}

func (c *Connection) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) closedErr() error {
	return errors.Wrapf(comm.ErrConnectionClosed, "simplemem: connection %s", c.id)
}

// Close closes both halves of the pair and waits for their receive loops to
// finish. Closing an already closed connection is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	p := c.peer
	first := c.closeLocal()
	peerFirst := p != nil && p.closeLocal()
	if first {
		c.afterClose()
	}
	if peerFirst {
		p.afterClose()
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if p != nil {
		return p.wait(ctx)
	}
	return nil
}

// abandon closes a connection that never reached Connected, skipping hooks.
func (c *Connection) abandon() { c.closeLocal() }

func (c *Connection) closeLocal() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.closing = true
		c.wasStarted = c.started
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.state.Store(int32(comm.ConnectionClosed))
		c.cancel()
		close(c.closed)
		for id, ch := range pending {
			ch <- &frame{
				kind:  comm.MessageTypeResponse,
				id:    id,
				msg:   comm.FromError(comm.NewError(comm.CodeConnectionShutDown, "connection %s closed before the response arrived", c.id)),
				local: true,
			}
		}
	})
	return first
}

func (c *Connection) afterClose() {
	if c.wasStarted {
		c.transport.metrics.connections.Dec(1)
		c.log.Debug("connection closed")
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) wait(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-c.loopDone:
		return nil
	case <-ctx.Done():
		return comm.Cancelled(ctx.Err())
	}
}
