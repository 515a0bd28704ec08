package comm

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MethodKind distinguishes request/response methods from events.
type MethodKind int

const (
	MethodRequestResponse MethodKind = iota + 1
	MethodEvent
)

func (k MethodKind) String() string {
	switch k {
	case MethodRequestResponse:
		return "request_response"
	case MethodEvent:
		return "event"
	default:
		return "unknown"
	}
}

// RequestHandler serves one request. Returning an *Error (directly or wrapped)
// sends it back verbatim; any other error goes through the unhandled-error handler.
type RequestHandler func(ctx context.Context, req *Message, rc *ReceiveContext) (*Message, error)

// EventHandler consumes one event. Nobody waits for it, so failures go to
// the unhandled-error handler.
type EventHandler func(ctx context.Context, ev *Message, rc *ReceiveContext) error

type method struct {
	kind    MethodKind
	request RequestHandler
	event   EventHandler
}

// ServiceHost is the method table a connection dispatches inbound traffic to.
type ServiceHost struct {
	mu        sync.RWMutex
	methods   map[string]method
	unhandled UnhandledErrorHandler
	log       *zap.Logger
}

// NewServiceHost returns an empty host. unhandled may be nil, in which case
// failures become internal server errors.
func NewServiceHost(unhandled UnhandledErrorHandler, log *zap.Logger) *ServiceHost {
	if log == nil {
		log = zap.L()
	}
	return &ServiceHost{methods: make(map[string]method), unhandled: unhandled, log: log}
}

// RegisterRequest adds a request/response method.
func (h *ServiceHost) RegisterRequest(name string, fn RequestHandler) error {
	if fn == nil {
		return errors.Wrapf(ErrInvalidArgument, "nil handler for %q", name)
	}
	return h.register(name, method{kind: MethodRequestResponse, request: fn})
}

// RegisterEvent adds an event method.
func (h *ServiceHost) RegisterEvent(name string, fn EventHandler) error {
	if fn == nil {
		return errors.Wrapf(ErrInvalidArgument, "nil handler for %q", name)
	}
	return h.register(name, method{kind: MethodEvent, event: fn})
}

func (h *ServiceHost) register(name string, m method) error {
	if name == "" {
		return errors.Wrap(ErrInvalidArgument, "empty method name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.methods[name]; ok {
		return errors.Wrapf(ErrInvalidArgument, "method %q already registered", name)
	}
	h.methods[name] = m
	h.log.Debug("method registered", zap.String("method", name), zap.Stringer("kind", m.kind))
	return nil
}

// Unregister removes a method; unknown names are ignored.
func (h *ServiceHost) Unregister(name string) {
	h.mu.Lock()
	delete(h.methods, name)
	h.mu.Unlock()
}

// IsRegistered reports whether name is served.
func (h *ServiceHost) IsRegistered(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.methods[name]
	return ok
}

// Methods lists registered method names in sorted order.
func (h *ServiceHost) Methods() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.methods))
	for name := range h.methods {
		out = append(out, name)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (h *ServiceHost) lookup(name string) (method, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.methods[name]
	return m, ok
}

// DispatchRequest runs the named request method and always produces a
// message to send back.
func (h *ServiceHost) DispatchRequest(ctx context.Context, name string, req *Message, rc *ReceiveContext) *Message {
	m, ok := h.lookup(name)
	if !ok {
		return FromError(NewError(CodeMethodNotFound, "got request for unknown method %q", name))
	}
	if m.kind != MethodRequestResponse {
		return FromError(NewError(CodeInvalidInvocation, "method %q is %s, invoked as request", name, m.kind))
	}
	resp, err := callRequest(ctx, m.request, req, rc)
	if err != nil {
		if e, ok := AsError(err); ok {
			return FromError(e)
		}
		h.log.Error("request method failed", zap.String("method", name), zap.Error(err))
		return FromError(InvokeHandler(h.unhandled, err))
	}
	if resp == nil {
		return FromError(NewError(CodeInternalServerError, "method %q returned no message", name))
	}
	return resp
}

// DispatchEvent runs the named event method. Failures have no caller and
// are routed to the unhandled-error handler.
func (h *ServiceHost) DispatchEvent(ctx context.Context, name string, ev *Message, rc *ReceiveContext) {
	m, ok := h.lookup(name)
	if !ok {
		h.log.Warn("got event for unknown method", zap.String("method", name))
		return
	}
	if m.kind != MethodEvent {
		h.log.Warn("method invoked as event", zap.String("method", name), zap.Stringer("kind", m.kind))
		return
	}
	if err := callEvent(ctx, m.event, ev, rc); err != nil {
		h.log.Error("event method failed", zap.String("method", name), zap.Error(err))
		InvokeHandler(h.unhandled, err)
	}
}

func callRequest(ctx context.Context, fn RequestHandler, req *Message, rc *ReceiveContext) (resp *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, recovered(r)
		}
	}()
	return fn(ctx, req, rc)
}

func callEvent(ctx context.Context, fn EventHandler, ev *Message, rc *ReceiveContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	return fn(ctx, ev, rc)
}
