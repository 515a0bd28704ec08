package simplemem

import (
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"simplecomm/pkg/comm"
)

const defaultInboxSize = 64

// Options configures a Transport. UnhandledErrorHandler is mandatory.
type Options struct {
	UnhandledErrorHandler comm.UnhandledErrorHandler
	// LayerStack defaults to a pass-through stack.
	LayerStack comm.LayerStack
	// Logger defaults to zap.L().
	Logger *zap.Logger
	// Metrics defaults to a private registry.
	Metrics metrics.Registry
	// InboxSize bounds the frames queued per connection before senders block.
	InboxSize int
}

func (o Options) withDefaults() (Options, error) {
	if o.UnhandledErrorHandler == nil {
		return o, errors.Wrap(comm.ErrInvalidConfiguration, "simplemem: unhandled error handler is required")
	}
	if o.LayerStack == nil {
		o.LayerStack = comm.EmptyLayerStack()
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.InboxSize <= 0 {
		o.InboxSize = defaultInboxSize
	}
	return o, nil
}

// Builder accumulates Options and validates them on Construct. Treat each
// builder as single-use.
type Builder struct {
	opts Options
}

func NewBuilder() *Builder { return &Builder{} }

// SetUnhandledErrorHandler sets the mandatory handler.
func (b *Builder) SetUnhandledErrorHandler(h comm.UnhandledErrorHandler) (*Builder, error) {
	if h == nil {
		return b, errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil unhandled error handler")
	}
	b.opts.UnhandledErrorHandler = h
	return b, nil
}

// SetLayerStack sets the stack every connection runs its messages through.
func (b *Builder) SetLayerStack(ls comm.LayerStack) (*Builder, error) {
	if ls == nil {
		return b, errors.Wrap(comm.ErrInvalidArgument, "simplemem: nil layer stack")
	}
	b.opts.LayerStack = ls
	return b, nil
}

func (b *Builder) SetLogger(l *zap.Logger) *Builder {
	b.opts.Logger = l
	return b
}

func (b *Builder) SetMetrics(r metrics.Registry) *Builder {
	b.opts.Metrics = r
	return b
}

func (b *Builder) SetInboxSize(n int) *Builder {
	b.opts.InboxSize = n
	return b
}

// Construct returns a Transport with an empty listener registry.
func (b *Builder) Construct() (*Transport, error) {
	return New(b.opts)
}
