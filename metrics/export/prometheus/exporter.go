package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/metrics/export/internaldefs"
)

const namespace = "authcore_"

// Source is what the exporter reads; *authcore.Manager satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	Degraded() bool
}

// Exporter renders a Source in the Prometheus text format on demand.
type Exporter struct {
	source Source
}

// New returns an Exporter reading from source.
func New(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves Render.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current exposition text. Counters and the latency
// histogram are omitted while in-process metrics are disabled; the audit and
// KV health series are always present.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}
	snapshot := p.source.MetricsSnapshot()

	w := &writer{}
	if len(snapshot.Counters) > 0 {
		for _, fam := range internaldefs.Families {
			name := namespace + fam.Name + "_total"
			w.header(name, fam.Help, "counter")
			for _, def := range internaldefs.ByFamily(fam.Name) {
				w.sample(name, "outcome", def.Outcome, snapshot.Counters[def.ID])
			}
		}
	}
	for _, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		w.histogram(namespace+def.Name, def.Help, internaldefs.CumulativeBuckets(raw))
	}

	w.header(namespace+"audit_dropped_total", "Audit events dropped under backpressure.", "counter")
	w.sample(namespace+"audit_dropped_total", "", "", p.source.AuditDropped())

	var degraded uint64
	if p.source.Degraded() {
		degraded = 1
	}
	w.header(namespace+"kv_degraded", "1 while the session store runs on its in-process fallback or is unreachable.", "gauge")
	w.sample(namespace+"kv_degraded", "", "", degraded)

	return w.String()
}

type writer struct {
	strings.Builder
}

func (w *writer) header(name, help, kind string) {
	w.WriteString("# HELP ")
	w.WriteString(name)
	w.WriteByte(' ')
	w.WriteString(escapeHelp(help))
	w.WriteString("\n# TYPE ")
	w.WriteString(name)
	w.WriteByte(' ')
	w.WriteString(kind)
	w.WriteByte('\n')
}

func (w *writer) sample(name, label, value string, v uint64) {
	w.WriteString(name)
	if label != "" {
		w.WriteByte('{')
		w.WriteString(label)
		w.WriteString(`="`)
		w.WriteString(value)
		w.WriteString(`"}`)
	}
	w.WriteByte(' ')
	w.WriteString(strconv.FormatUint(v, 10))
	w.WriteByte('\n')
}

func (w *writer) histogram(name, help string, cumulative [8]uint64) {
	w.header(name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		w.sample(name+"_bucket", "le", le, cumulative[i])
	}
	w.sample(name+"_count", "", "", cumulative[len(cumulative)-1])
	// Buckets only; no running sum is kept.
	w.sample(name+"_sum", "", "", 0)
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	return strings.ReplaceAll(help, "\n", "\\n")
}
