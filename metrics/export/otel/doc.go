// Package otel publishes authcore counters through an OpenTelemetry Meter.
//
// Each counter family becomes one Int64ObservableCounter named
// authcore.<family> with an outcome attribute. The validation latency
// histogram is exposed as cumulative bucket gauges keyed by le. A single
// callback reads the snapshot on each collection; callers own the
// MeterProvider.
package otel
