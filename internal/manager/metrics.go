package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	usedBytes      prometheus.GaugeFunc
	activeRequests prometheus.GaugeFunc
	loads          *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	generation     *prometheus.HistogramVec
}

func newMetrics(m *Manager) *metrics {
	return &metrics{
		usedBytes: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "modelhub",
				Name:      "ledger_used_bytes",
				Help:      "Bytes committed in the resource ledger",
			},
			func() float64 { return float64(m.ledger.Usage().UsedBytes) },
		),
		activeRequests: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "modelhub",
				Name:      "active_requests",
				Help:      "In-flight requests across all models",
			},
			func() float64 {
				n := 0
				for _, st := range m.ledger.Snapshot().States {
					n += st.Active
				}
				return float64(n)
			},
		),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelhub",
				Name:      "loads_total",
				Help:      "Model loads by result",
			},
			[]string{"model", "result"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelhub",
				Name:      "evictions_total",
				Help:      "Models evicted to free memory",
			},
			[]string{"model"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelhub",
				Name:      "generated_tokens_total",
				Help:      "Tokens generated by completed streams",
			},
			[]string{"model"},
		),
		generation: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelhub",
				Name:      "generation_duration_seconds",
				Help:      "Duration of completed generations",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"model"},
		),
	}
}

func (mt *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{mt.usedBytes, mt.activeRequests, mt.loads, mt.evictions, mt.tokens, mt.generation} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (mt *metrics) countLoad(model, result string) { mt.loads.WithLabelValues(model, result).Inc() }

func (mt *metrics) countEviction(model string) { mt.evictions.WithLabelValues(model).Inc() }

func (mt *metrics) observeGeneration(model string, tokens int, elapsed time.Duration) {
	mt.tokens.WithLabelValues(model).Add(float64(tokens))
	mt.generation.WithLabelValues(model).Observe(elapsed.Seconds())
}
