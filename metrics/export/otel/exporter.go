package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Instrument names. Counter families are published as authcore.<family>
// with an outcome attribute.
const (
	prefix           = "authcore."
	auditDroppedName = prefix + "audit.dropped"
	kvDegradedName   = prefix + "kv.degraded"
)

// Source is what the exporter observes; *authcore.Manager satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	Degraded() bool
}

type series struct {
	id    authcore.MetricID
	attrs metric.ObserveOption
}

type family struct {
	counter metric.Int64ObservableCounter
	series  []series
}

type histogram struct {
	id      authcore.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter holds the registered instruments.
type Exporter struct {
	source       Source
	registration metric.Registration
	families     []family
	histograms   []histogram
	bounds       [8]metric.ObserveOption
	auditDropped metric.Int64ObservableCounter
	kvDegraded   metric.Int64ObservableGauge
}

// NewExporter creates the instruments on meter and registers one callback
// that observes source on every collection.
func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	for _, fam := range internaldefs.Families {
		counter, err := meter.Int64ObservableCounter(prefix+fam.Name,
			metric.WithDescription(fam.Help),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", fam.Name, err)
		}
		f := family{counter: counter}
		for _, def := range internaldefs.ByFamily(fam.Name) {
			f.series = append(f.series, series{
				id:    def.ID,
				attrs: metric.WithAttributes(attribute.String("outcome", def.Outcome)),
			})
		}
		e.families = append(e.families, f)
		observables = append(observables, counter)
	}

	for i, le := range internaldefs.HistogramBounds {
		e.bounds[i] = metric.WithAttributes(attribute.String("le", le))
	}
	for _, def := range internaldefs.HistogramDefs {
		base := prefix + def.Name
		buckets, err := meter.Int64ObservableGauge(base+".bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."),
		)
		if err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(base+".count",
			metric.WithDescription(def.Help+" Total samples."),
		)
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, histogram{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	var err error
	e.auditDropped, err = meter.Int64ObservableCounter(auditDroppedName,
		metric.WithDescription("Audit events dropped under backpressure."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	e.kvDegraded, err = meter.Int64ObservableGauge(kvDegradedName,
		metric.WithDescription("1 while the session store runs on its fallback or is unreachable."),
	)
	if err != nil {
		return nil, fmt.Errorf("create kv degraded gauge: %w", err)
	}
	observables = append(observables, e.auditDropped, e.kvDegraded)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	if len(snapshot.Counters) > 0 {
		for _, f := range e.families {
			for _, s := range f.series {
				o.ObserveInt64(f.counter, int64(snapshot.Counters[s.id]), s.attrs)
			}
		}
	}
	for _, h := range e.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(raw)
		for i, v := range cumulative {
			o.ObserveInt64(h.buckets, int64(v), e.bounds[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}

	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	var degraded int64
	if e.source.Degraded() {
		degraded = 1
	}
	o.ObserveInt64(e.kvDegraded, degraded)
	return nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
