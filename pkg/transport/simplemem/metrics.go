package simplemem

import (
	metrics "github.com/rcrowley/go-metrics"
)

const metricPrefix = "simplemem."

type transportMetrics struct {
	reg            metrics.Registry
	listeners      metrics.Counter
	connections    metrics.Counter
	accepted       metrics.Meter
	rejected       metrics.Meter
	framesSent     metrics.Meter
	framesReceived metrics.Meter
	layerErrors    metrics.Counter
	requests       metrics.Timer
}

func newTransportMetrics(r metrics.Registry) *transportMetrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &transportMetrics{
		reg:            r,
		listeners:      metrics.GetOrRegisterCounter(metricPrefix+"listeners.active", r),
		connections:    metrics.GetOrRegisterCounter(metricPrefix+"connections.active", r),
		accepted:       metrics.GetOrRegisterMeter(metricPrefix+"connections.accepted", r),
		rejected:       metrics.GetOrRegisterMeter(metricPrefix+"connections.rejected", r),
		framesSent:     metrics.GetOrRegisterMeter(metricPrefix+"frames.sent", r),
		framesReceived: metrics.GetOrRegisterMeter(metricPrefix+"frames.received", r),
		layerErrors:    metrics.GetOrRegisterCounter(metricPrefix+"layer.errors", r),
		requests:       metrics.GetOrRegisterTimer(metricPrefix+"requests", r),
	}
}
