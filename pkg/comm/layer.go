package comm

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"simplecomm/pkg/codec"
)

// Layer intercepts every message a connection sends or receives. D is the
// layer-data type shared by all layers of one stack; each message gets a
// fresh *D on send, which is serialized and handed back on receive.
//
// Returning a non-nil *Error halts the pipeline and is reported to whoever
// initiated the send or receive.
type Layer[D any] interface {
	OnSend(mt MessageType, ctx *SendContext, data *D) *Error
	OnReceive(mt MessageType, ctx *ReceiveContext, data *D) *Error
}

// LayerStack is the type-erased pipeline a transport holds.
type LayerStack interface {
	// OnSend runs the send path and returns serialized layer data.
	OnSend(mt MessageType, ctx *SendContext) ([]byte, *Error)
	// OnReceive deserializes layer data and runs the receive path.
	OnReceive(mt MessageType, ctx *ReceiveContext, layerData []byte) *Error
}

// Stack runs layers in registration order on send and in reverse
// registration order on receive, so the first layer wraps all the others.
type Stack[D any] struct {
	layers []Layer[D]
	codec  codec.Codec
}

// NewLayerStack builds an immutable stack. A nil codec selects CBOR.
// A stack without layers is a valid pass-through.
func NewLayerStack[D any](c codec.Codec, layers ...Layer[D]) (*Stack[D], error) {
	for i, l := range layers {
		if l == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "layer %d is nil", i)
		}
	}
	if c == nil {
		c = codec.MustCBOR()
	}
	return &Stack[D]{layers: append([]Layer[D](nil), layers...), codec: c}, nil
}

// Len reports the number of layers.
func (s *Stack[D]) Len() int { return len(s.layers) }

func (s *Stack[D]) OnSend(mt MessageType, ctx *SendContext) ([]byte, *Error) {
	if len(s.layers) == 0 {
		return nil, nil
	}
	data := new(D)
	for i, l := range s.layers {
		if e := invokeSend(l, mt, ctx, data); e != nil {
			zap.L().Debug("layer rejected send", zap.Int("layer", i), zap.Stringer("type", mt), zap.Error(e))
			return nil, e
		}
	}
	b, err := s.codec.Marshal(data)
	if err != nil {
		return nil, InternalServerError(errors.Wrap(err, "marshal layer data"))
	}
	return b, nil
}

func (s *Stack[D]) OnReceive(mt MessageType, ctx *ReceiveContext, layerData []byte) *Error {
	if len(s.layers) == 0 {
		return nil
	}
	data := new(D)
	if len(layerData) > 0 {
		if err := s.codec.Unmarshal(layerData, data); err != nil {
			return InternalServerError(errors.Wrap(err, "unmarshal layer data"))
		}
	}
	for i := len(s.layers) - 1; i >= 0; i-- {
		if e := invokeReceive(s.layers[i], mt, ctx, data); e != nil {
			zap.L().Debug("layer rejected receive", zap.Int("layer", i), zap.Stringer("type", mt), zap.Error(e))
			return e
		}
	}
	return nil
}

func invokeSend[D any](l Layer[D], mt MessageType, ctx *SendContext, data *D) (e *Error) {
	defer func() {
		if r := recover(); r != nil {
			e = InternalServerError(recovered(r))
		}
	}()
	return l.OnSend(mt, ctx, data)
}

func invokeReceive[D any](l Layer[D], mt MessageType, ctx *ReceiveContext, data *D) (e *Error) {
	defer func() {
		if r := recover(); r != nil {
			e = InternalServerError(recovered(r))
		}
	}()
	return l.OnReceive(mt, ctx, data)
}

type nopStack struct{}

func (nopStack) OnSend(MessageType, *SendContext) ([]byte, *Error)     { return nil, nil }
func (nopStack) OnReceive(MessageType, *ReceiveContext, []byte) *Error { return nil }

// EmptyLayerStack returns a stack that lets every message through untouched.
func EmptyLayerStack() LayerStack { return nopStack{} }
