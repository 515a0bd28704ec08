package simplemem

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simplecomm/pkg/comm"
)

// Transport is the address registry and the factory for listeners and
// outbound connections. It stays usable after Stop.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*Listener

	handler   comm.UnhandledErrorHandler
	layers    comm.LayerStack
	log       *zap.Logger
	metrics   *transportMetrics
	inboxSize int
}

// New validates opts and returns a Transport with no listeners.
func New(opts Options) (*Transport, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Transport{
		listeners: make(map[string]*Listener),
		handler:   opts.UnhandledErrorHandler,
		layers:    opts.LayerStack,
		log:       opts.Logger.Named("simplemem"),
		metrics:   newTransportMetrics(opts.Metrics),
		inboxSize: opts.InboxSize,
	}, nil
}

// NewTransport is the direct constructor; both arguments are required.
func NewTransport(handler comm.UnhandledErrorHandler, layers comm.LayerStack) (*Transport, error) {
	if handler == nil {
		return nil, errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil unhandled error handler")
	}
	if layers == nil {
		return nil, errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil layer stack")
	}
	return New(Options{UnhandledErrorHandler: handler, LayerStack: layers})
}

// Metrics exposes the transport's metric registry.
func (t *Transport) Metrics() metrics.Registry { return t.metrics.reg }

// MakeListener returns the running listener for address, creating and
// starting one if there is none. Repeated calls return the same *Listener.
func (t *Transport) MakeListener(address string) (*Listener, error) {
	if address == "" {
		return nil, errors.Wrap(comm.ErrInvalidArgument, "simplemem: empty address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.listeners[address]; ok {
		if l.State() == ListenerRunning {
			return l, nil
		}
		// stopped directly by its owner; replace it
		t.metrics.listeners.Dec(1)
	}
	l := newListener(t, address)
	if err := l.Start(); err != nil {
		return nil, err
	}
	t.listeners[address] = l
	t.metrics.listeners.Inc(1)
	t.log.Debug("listener registered", zap.String("addr", address))
	return l, nil
}

// GetListener returns the listener registered for address, or nil.
func (t *Transport) GetListener(address string) *Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[address]
}

// ListenerExists reports whether a listener is registered for address.
func (t *Transport) ListenerExists(address string) bool {
	return t.GetListener(address) != nil
}

// Addresses lists registered addresses in sorted order.
func (t *Transport) Addresses() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.listeners))
	for a := range t.listeners {
		out = append(out, a)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// RemoveListener unregisters and stops the listener for address. Unknown
// addresses are ignored.
func (t *Transport) RemoveListener(address string) {
	t.mu.Lock()
	l, ok := t.listeners[address]
	if ok {
		delete(t.listeners, address)
		t.metrics.listeners.Dec(1)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := l.Stop(context.Background()); err != nil {
		t.log.Warn("listener stop failed", zap.String("addr", address), zap.Error(err))
	}
	t.log.Debug("listener removed", zap.String("addr", address))
}

// ConnectTo opens a connection to the listener at address and returns the
// client side. It fails with comm.ErrNotFound when nothing listens there and
// with comm.ErrCancelled when ctx ends first; in both cases no connection
// is left behind.
func (t *Transport) ConnectTo(ctx context.Context, address string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, comm.Cancelled(err)
	}
	l := t.GetListener(address)
	if l == nil {
		return nil, errors.Wrapf(comm.ErrNotFound, "simplemem: no listener at %q", address)
	}
	return l.connect(ctx)
}

// Stop stops every listener, closing their connections, and clears the
// registry. Calling it again is a no-op.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	ls := make([]*Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.listeners = make(map[string]*Listener)
	t.metrics.listeners.Clear()
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range ls {
		l := l
		g.Go(func() error { return l.Stop(gctx) })
	}
	err := g.Wait()
	if len(ls) > 0 {
		t.log.Info("transport stopped", zap.Int("listeners", len(ls)), zap.Error(err))
	}
	return err
}

// UnhandledError routes a failure with no caller to the configured handler.
func (t *Transport) UnhandledError(err error) *comm.Error {
	e := comm.InvokeHandler(t.handler, err)
	t.log.Error("unhandled error", zap.Error(err), zap.String("error_id", e.UniqueID))
	return e
}
