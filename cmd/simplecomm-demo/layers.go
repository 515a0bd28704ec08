package main

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"simplecomm/pkg/codec"
	"simplecomm/pkg/comm"
)

// traceData is the layer data carried with every frame.
type traceData struct {
	TraceID string `json:"trace_id" cbor:"trace_id"`
	SentAt  int64  `json:"sent_at" cbor:"sent_at"`
}

// traceLayer stamps outbound frames with a trace id and logs both paths.
type traceLayer struct {
	log *zap.Logger
}

func (l traceLayer) OnSend(mt comm.MessageType, sc *comm.SendContext, d *traceData) *comm.Error {
	d.TraceID = uuid.NewString()
	d.SentAt = time.Now().UnixNano()
	l.log.Debug("send", zap.Stringer("type", mt), zap.String("method", sc.Method),
		zap.String("conn", sc.Connection.ID()), zap.String("trace_id", d.TraceID))
	return nil
}

func (l traceLayer) OnReceive(mt comm.MessageType, rc *comm.ReceiveContext, d *traceData) *comm.Error {
	if d.TraceID == "" {
		return comm.NewError(comm.CodeTransportError, "frame without trace id")
	}
	l.log.Debug("receive", zap.Stringer("type", mt), zap.String("method", rc.Method),
		zap.String("conn", rc.Connection.ID()), zap.String("trace_id", d.TraceID),
		zap.Duration("transit", time.Duration(time.Now().UnixNano()-d.SentAt)))
	return nil
}

// structTraceLayer is traceLayer for the protobuf codec, which needs a
// proto.Message as layer data.
type structTraceLayer struct {
	log *zap.Logger
}

func (l structTraceLayer) OnSend(mt comm.MessageType, sc *comm.SendContext, d *structpb.Struct) *comm.Error {
	if d.Fields == nil {
		d.Fields = make(map[string]*structpb.Value)
	}
	id := uuid.NewString()
	d.Fields["trace_id"] = structpb.NewStringValue(id)
	l.log.Debug("send", zap.Stringer("type", mt), zap.String("method", sc.Method),
		zap.String("conn", sc.Connection.ID()), zap.String("trace_id", id))
	return nil
}

func (l structTraceLayer) OnReceive(mt comm.MessageType, rc *comm.ReceiveContext, d *structpb.Struct) *comm.Error {
	id := d.GetFields()["trace_id"].GetStringValue()
	if id == "" {
		return comm.NewError(comm.CodeTransportError, "frame without trace id")
	}
	l.log.Debug("receive", zap.Stringer("type", mt), zap.String("method", rc.Method),
		zap.String("conn", rc.Connection.ID()), zap.String("trace_id", id))
	return nil
}

// newTraceStack picks the layer data type matching c.
func newTraceStack(c codec.Codec, log *zap.Logger) (comm.LayerStack, error) {
	if c.ContentType() == codec.ContentProto {
		s, err := comm.NewLayerStack[structpb.Struct](c, structTraceLayer{log: log})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := comm.NewLayerStack[traceData](c, traceLayer{log: log})
	if err != nil {
		return nil, err
	}
	return s, nil
}
