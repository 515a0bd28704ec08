package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"simplecomm/pkg/codec"
	"simplecomm/pkg/comm"
	"simplecomm/pkg/config"
	"simplecomm/pkg/observability"
	"simplecomm/pkg/transport/simplemem"
)

const (
	methodEcho   = "Echo"
	methodNotify = "Notify"
	methodAck    = "Ack"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("simplecomm-demo started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := demo(ctx, cfg, logger, opts); err != nil {
		zap.L().Error("demo failed", zap.Error(err))
		return 1
	}
	zap.L().Info("demo finished")
	return 0
}

// demo builds a transport from cfg, serves an echo service on every
// configured listener and drives it through a client connection.
func demo(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (err error) {
	reg, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	c, err := reg.ByName(cfg.Transport.LayerCodec)
	if err != nil {
		return err
	}
	stack, err := newTraceStack(c, log.Named("trace"))
	if err != nil {
		return err
	}

	b, err := simplemem.NewBuilder().SetUnhandledErrorHandler(func(err error) *comm.Error {
		log.Warn("unhandled transport error", zap.Error(err))
		return comm.ToErrorHandler(err)
	})
	if err != nil {
		return err
	}
	if _, err := b.SetLayerStack(stack); err != nil {
		return err
	}
	t, err := b.SetLogger(log).SetInboxSize(cfg.Transport.InboxSize).Construct()
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := t.Stop(sctx); serr != nil && err == nil {
			err = errors.Wrap(serr, "stop transport")
		}
		logMetrics(log, t.Metrics())
	}()

	for _, addr := range cfg.Transport.Listeners {
		l, err := t.MakeListener(addr)
		if err != nil {
			return err
		}
		if err := serveEcho(l, log); err != nil {
			return err
		}
	}

	timeout := time.Duration(cfg.Transport.ConnectTimeoutMS) * time.Millisecond
	for _, addr := range t.Addresses() {
		if err := exercise(ctx, t, addr, timeout, opts); err != nil {
			return errors.Wrapf(err, "listener %s", addr)
		}
	}
	return nil
}

// serveEcho registers the demo methods on l. Notify answers with an Ack
// event fired back on the connection it arrived on.
func serveEcho(l *simplemem.Listener, log *zap.Logger) error {
	host := l.ServiceHost()
	if err := host.RegisterRequest(methodEcho, func(_ context.Context, req *comm.Message, _ *comm.ReceiveContext) (*comm.Message, error) {
		return comm.NewMessage(req.Payload()), nil
	}); err != nil {
		return err
	}
	if err := host.RegisterEvent(methodNotify, func(ctx context.Context, ev *comm.Message, rc *comm.ReceiveContext) error {
		conn, ok := rc.Connection.(*simplemem.Connection)
		if !ok {
			return errors.Errorf("unexpected connection type %T", rc.Connection)
		}
		return conn.FireEvent(ctx, methodAck, comm.NewMessage(ev.Payload()))
	}); err != nil {
		return err
	}

	l.SetOnConnected(func(c *simplemem.Connection) *comm.Error {
		log.Info("client connected", zap.String("listener", l.Address()), zap.String("conn", c.ID()))
		return nil
	})
	l.SetOnDisconnected(func(c *simplemem.Connection) {
		log.Info("client disconnected", zap.String("listener", l.Address()), zap.String("conn", c.ID()))
	})
	return nil
}

func exercise(ctx context.Context, t *simplemem.Transport, addr string, timeout time.Duration, opts Options) error {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := t.ConnectTo(cctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	acks := make(chan string, 1)
	if err := conn.ServiceHost().RegisterEvent(methodAck, func(_ context.Context, ev *comm.Message, _ *comm.ReceiveContext) error {
		s, err := comm.PayloadAs[string](ev)
		if err != nil {
			return err
		}
		acks <- s
		return nil
	}); err != nil {
		return err
	}

	for i := 0; i < opts.Rounds; i++ {
		want := fmt.Sprintf("%s #%d", opts.Text, i+1)
		resp, err := conn.RequestResponse(ctx, methodEcho, comm.NewMessage(want))
		if err != nil {
			return err
		}
		got, err := comm.PayloadAs[string](resp)
		if err != nil {
			return err
		}
		if got != want {
			return errors.Errorf("echo mismatch: got %q, want %q", got, want)
		}
		zap.L().Info("echo", zap.String("address", addr), zap.String("payload", got))
	}

	note := "done " + conn.ID()
	if err := conn.FireEvent(ctx, methodNotify, comm.NewMessage(note)); err != nil {
		return err
	}
	select {
	case got := <-acks:
		if got != note {
			return errors.Errorf("ack mismatch: got %q, want %q", got, note)
		}
		return nil
	case <-ctx.Done():
		return comm.Cancelled(ctx.Err())
	}
}

func logMetrics(log *zap.Logger, r metrics.Registry) {
	fields := make([]zap.Field, 0, 8)
	r.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			fields = append(fields, zap.Int64(name, v.Count()))
		case metrics.Meter:
			fields = append(fields, zap.Int64(name, v.Count()))
		case metrics.Timer:
			fields = append(fields, zap.Int64(name, v.Count()))
		}
	})
	log.Info("transport metrics", fields...)
}
