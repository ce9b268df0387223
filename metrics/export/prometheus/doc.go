// Package prometheus renders authcore counters in the Prometheus text
// exposition format.
//
// Counters are grouped into authcore_<family>_total series labelled by
// outcome. Nothing is registered globally: callers mount [Exporter.Handler].
package prometheus
