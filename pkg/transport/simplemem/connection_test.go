package simplemem

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"simplecomm/pkg/comm"
)

type hopData struct {
	Hops []string `cbor:"hops"`
}

type hopRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *hopRecorder) add(s string) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *hopRecorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// tagLayer stamps its name on send and records what it saw on receive.
type tagLayer struct {
	name string
	rec  *hopRecorder
}

func (l tagLayer) OnSend(mt comm.MessageType, _ *comm.SendContext, d *hopData) *comm.Error {
	d.Hops = append(d.Hops, l.name+"@"+mt.String())
	return nil
}

func (l tagLayer) OnReceive(mt comm.MessageType, rc *comm.ReceiveContext, d *hopData) *comm.Error {
	l.rec.add(l.name + "|" + rc.Connection.ConnectionType().String() + ":" + mt.String() + ":" + strings.Join(d.Hops, ","))
	return nil
}

// gateLayer rejects messages for one method on one path.
type gateLayer struct {
	method    string
	onSend    bool
	onReceive bool
}

func (g gateLayer) OnSend(_ comm.MessageType, ctx *comm.SendContext, _ *hopData) *comm.Error {
	if g.onSend && ctx.Method == g.method {
		return comm.NewError(comm.CodeInvalidInvocation, "blocked on send: %s", ctx.Method)
	}
	return nil
}

func (g gateLayer) OnReceive(_ comm.MessageType, ctx *comm.ReceiveContext, _ *hopData) *comm.Error {
	if g.onReceive && ctx.Method == g.method {
		return comm.NewError(comm.CodeInvalidInvocation, "blocked on receive: %s", ctx.Method)
	}
	return nil
}

type pairFixture struct {
	tr       *Transport
	listener *Listener
	client   *Connection
	server   *Connection
	handled  chan error
}

func newPair(t *testing.T, layers ...comm.Layer[hopData]) *pairFixture {
	t.Helper()
	stack, err := comm.NewLayerStack[hopData](nil, layers...)
	require.NoError(t, err)

	f := &pairFixture{handled: make(chan error, 16)}
	f.tr, err = New(Options{
		UnhandledErrorHandler: func(err error) *comm.Error {
			f.handled <- err
			return comm.InternalServerError(err)
		},
		LayerStack: stack,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.tr.Stop(context.Background()) })

	f.listener, err = f.tr.MakeListener("pair")
	require.NoError(t, err)
	host := f.listener.ServiceHost()
	require.NoError(t, host.RegisterRequest("Echo", func(_ context.Context, req *comm.Message, _ *comm.ReceiveContext) (*comm.Message, error) {
		return comm.NewMessage(req.Payload()), nil
	}))
	require.NoError(t, host.RegisterRequest("Fail", func(context.Context, *comm.Message, *comm.ReceiveContext) (*comm.Message, error) {
		return nil, errors.New("service exploded")
	}))
	require.NoError(t, host.RegisterRequest("Block", func(ctx context.Context, _ *comm.Message, _ *comm.ReceiveContext) (*comm.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	f.client, err = f.tr.ConnectTo(testCtx(t), "pair")
	require.NoError(t, err)
	conns := f.listener.Connections()
	require.Len(t, conns, 1)
	f.server = conns[0]
	return f
}

func TestRequestResponseRoundTrip(t *testing.T) {
	f := newPair(t)
	resp, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage("ping"))
	require.NoError(t, err)
	got, err := comm.PayloadAs[string](resp)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestRequestResponseConcurrent(t *testing.T) {
	f := newPair(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage(i))
			if !assert.NoError(t, err) {
				return
			}
			n, err := comm.PayloadAs[int](resp)
			assert.NoError(t, err)
			assert.Equal(t, i, n)
		}(i)
	}
	wg.Wait()
}

func TestRequestResponseRemoteErrors(t *testing.T) {
	f := newPair(t)

	resp, err := f.client.RequestResponse(testCtx(t), "Missing", comm.NewMessage(nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, comm.CodeMethodNotFound, resp.Err().Code)

	resp, err = f.client.RequestResponse(testCtx(t), "Fail", comm.NewMessage(nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, comm.CodeInternalServerError, resp.Err().Code)
	assert.EqualError(t, <-f.handled, "service exploded")
}

func TestLayersRunOnBothSidesInOrder(t *testing.T) {
	rec := &hopRecorder{}
	f := newPair(t, tagLayer{name: "outer", rec: rec}, tagLayer{name: "inner", rec: rec})

	_, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage("x"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"inner|server:request:outer@request,inner@request",
		"outer|server:request:outer@request,inner@request",
		"inner|client:response:outer@response,inner@response",
		"outer|client:response:outer@response,inner@response",
	}, rec.Seen())
}

func TestLayerSendErrorSurfacesToCaller(t *testing.T) {
	f := newPair(t, gateLayer{method: "Echo", onSend: true})

	resp, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage("x"))
	assert.Nil(t, resp)
	e, ok := comm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, comm.CodeInvalidInvocation, e.Code)
	assert.Equal(t, int64(0), f.tr.metrics.framesSent.Count())

	err = f.client.FireEvent(testCtx(t), "Echo", comm.NewMessage("x"))
	_, ok = comm.AsError(err)
	assert.True(t, ok)
}

func TestLayerReceiveErrorBecomesErrorResponse(t *testing.T) {
	f := newPair(t, gateLayer{method: "Echo", onReceive: true})

	resp, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage("x"))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, comm.CodeInvalidInvocation, resp.Err().Code)
	assert.Equal(t, int64(2), f.tr.metrics.layerErrors.Count(), "request and error response are both rejected on receive")
}

func TestEvents(t *testing.T) {
	f := newPair(t)
	got := make(chan string, 1)
	require.NoError(t, f.listener.ServiceHost().RegisterEvent("Notify", func(_ context.Context, ev *comm.Message, rc *comm.ReceiveContext) error {
		s, err := comm.PayloadAs[string](ev)
		if err != nil {
			return err
		}
		got <- rc.Connection.ConnectionType().String() + ":" + s
		return nil
	}))

	require.NoError(t, f.client.FireEvent(testCtx(t), "Notify", comm.NewMessage("hello")))
	select {
	case s := <-got:
		assert.Equal(t, "server:hello", s)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestServerFiresEventToClient(t *testing.T) {
	f := newPair(t)
	got := make(chan string, 1)
	require.NoError(t, f.client.ServiceHost().RegisterEvent("Push", func(_ context.Context, ev *comm.Message, _ *comm.ReceiveContext) error {
		got <- ev.Payload().(string)
		return nil
	}))

	require.NoError(t, f.server.FireEvent(testCtx(t), "Push", comm.NewMessage("update")))
	select {
	case s := <-got:
		assert.Equal(t, "update", s)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventRejectedOnReceiveGoesToHandler(t *testing.T) {
	f := newPair(t, gateLayer{method: "Notify", onReceive: true})
	require.NoError(t, f.client.FireEvent(testCtx(t), "Notify", comm.NewMessage(nil)))

	select {
	case err := <-f.handled:
		e, ok := comm.AsError(err)
		require.True(t, ok)
		assert.Equal(t, comm.CodeInvalidInvocation, e.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestRequestCancelled(t *testing.T) {
	f := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.client.RequestResponse(ctx, "Block", comm.NewMessage(nil))
	assert.ErrorIs(t, err, comm.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	f := newPair(t)
	respCh := make(chan *comm.Message, 1)
	go func() {
		resp, err := f.client.RequestResponse(context.Background(), "Block", comm.NewMessage(nil))
		assert.NoError(t, err)
		respCh <- resp
	}()

	require.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.pending) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.server.Close(testCtx(t)))
	resp := <-respCh
	require.True(t, resp.IsError())
	assert.Equal(t, comm.CodeConnectionShutDown, resp.Err().Code)
	assert.Equal(t, comm.ConnectionClosed, f.client.State())

	_, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage(nil))
	assert.ErrorIs(t, err, comm.ErrConnectionClosed)
	assert.ErrorIs(t, f.client.FireEvent(testCtx(t), "Echo", comm.NewMessage(nil)), comm.ErrConnectionClosed)
}

func TestNilMessagesRejected(t *testing.T) {
	f := newPair(t)
	_, err := f.client.RequestResponse(testCtx(t), "Echo", nil)
	assert.ErrorIs(t, err, comm.ErrInvalidArgument)
	assert.ErrorIs(t, f.client.FireEvent(testCtx(t), "Echo", nil), comm.ErrInvalidArgument)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	b, err := NewBuilder().SetUnhandledErrorHandler(func(error) *comm.Error { panic("handler bug") })
	require.NoError(t, err)
	tr, err := b.SetLogger(zap.NewNop()).Construct()
	require.NoError(t, err)
	defer func() { _ = tr.Stop(context.Background()) }()

	l, err := tr.MakeListener("p")
	require.NoError(t, err)
	require.NoError(t, l.ServiceHost().RegisterRequest("Fail", func(context.Context, *comm.Message, *comm.ReceiveContext) (*comm.Message, error) {
		return nil, errors.New("boom")
	}))
	conn, err := tr.ConnectTo(testCtx(t), "p")
	require.NoError(t, err)

	resp, err := conn.RequestResponse(testCtx(t), "Fail", comm.NewMessage(nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, comm.CodeInternalServerError, resp.Err().Code)
}

func TestEventsArriveInOrder(t *testing.T) {
	f := newPair(t)
	const n = 200
	got := make(chan int, n)
	require.NoError(t, f.listener.ServiceHost().RegisterEvent("Seq", func(_ context.Context, ev *comm.Message, _ *comm.ReceiveContext) error {
		v, err := comm.PayloadAs[int](ev)
		if err != nil {
			return err
		}
		got <- v
		return nil
	}))

	ctx := testCtx(t)
	for i := 0; i < n; i++ {
		require.NoError(t, f.client.FireEvent(ctx, "Seq", comm.NewMessage(i)))
	}
	for want := 0; want < n; want++ {
		select {
		case v := <-got:
			require.Equal(t, want, v)
		case <-ctx.Done():
			t.Fatalf("only %d of %d events arrived", want, n)
		}
	}
}

// closingLayer closes the connection while a response passes through it.
type closingLayer struct {
	closed chan error
}

func (closingLayer) OnSend(comm.MessageType, *comm.SendContext, *hopData) *comm.Error { return nil }

func (l closingLayer) OnReceive(mt comm.MessageType, rc *comm.ReceiveContext, _ *hopData) *comm.Error {
	if mt != comm.MessageTypeResponse {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.closed <- rc.Connection.Close(ctx)
	return nil
}

func TestResponseLayerMayCloseConnection(t *testing.T) {
	closed := make(chan error, 1)
	f := newPair(t, closingLayer{closed: closed})

	resp, err := f.client.RequestResponse(testCtx(t), "Echo", comm.NewMessage("bye"))
	require.NoError(t, err)
	got, err := comm.PayloadAs[string](resp)
	require.NoError(t, err)
	assert.Equal(t, "bye", got)

	// Close waited for both receive loops, so neither is left running
	require.NoError(t, <-closed)
	assert.Equal(t, comm.ConnectionClosed, f.client.State())
	assert.Equal(t, comm.ConnectionClosed, f.server.State())
}
