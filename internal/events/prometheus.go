package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiy/narrative-memory/pkg/types"
)

const namespace = "narrative_memory"

// LatencyBuckets are recall latency histogram buckets in seconds.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Prometheus records events as metrics on a caller-owned registry.
type Prometheus struct {
	recalls          prometheus.Counter
	returned         prometheus.Counter
	emptyRecalls     prometheus.Counter
	latency          prometheus.Histogram
	topScore         prometheus.Histogram
	ingests          prometheus.Counter
	ingestImportance prometheus.Histogram
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		recalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalls_total",
			Help:      "Total number of successful recalls",
		}),
		returned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalled_records_total",
			Help:      "Total number of records returned by recalls",
		}),
		emptyRecalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_recalls_total",
			Help:      "Recalls that returned no records",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_latency_seconds",
			Help:      "Recall latency in seconds",
			Buckets:   LatencyBuckets,
		}),
		topScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_top_score",
			Help:      "Score of the best record returned by a recall",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ingests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingests_total",
			Help:      "Total number of committed memories",
		}),
		ingestImportance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_base_importance",
			Help:      "Base importance of committed memories",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
}

func (p *Prometheus) RecordRecall(_ context.Context, ev types.RecallEvent) error {
	p.recalls.Inc()
	p.returned.Add(float64(len(ev.ReturnedIDs)))
	p.latency.Observe(ev.Latency.Seconds())
	if len(ev.Scores) == 0 {
		p.emptyRecalls.Inc()
		return nil
	}
	p.topScore.Observe(ev.Scores[0])
	return nil
}

func (p *Prometheus) RecordIngest(_ context.Context, ev types.IngestEvent) error {
	p.ingests.Inc()
	p.ingestImportance.Observe(ev.BaseImportance)
	return nil
}
