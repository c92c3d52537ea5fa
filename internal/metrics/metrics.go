package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the routing engine.
type Metrics struct {
	RoutesTotal      prometheus.Counter
	CacheHits        prometheus.Counter
	FallbacksUsed    prometheus.Counter
	CollapseFailures prometheus.Counter
	OutcomesIngested prometheus.Counter
	OutcomesDropped  prometheus.Counter
	TrainSteps       prometheus.Counter
	TrainSkips       prometheus.Counter

	RouteLatency    prometheus.Histogram
	QuantumLatency  prometheus.Histogram
	RefinementSteps prometheus.Histogram

	DecisionsByProvider *prometheus.CounterVec
	DecisionsByStrategy *prometheus.CounterVec

	BufferSize   prometheus.Gauge
	AgentEpsilon prometheus.Gauge
	MeanReward   prometheus.Gauge
}

// New creates all metrics and registers them on reg. Production passes
// prometheus.DefaultRegisterer; tests pass a fresh registry so repeated
// construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		RoutesTotal: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_routes_total",
			Help: "Total routing requests handled",
		}),
		CacheHits: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_cache_hits",
			Help: "Routing decisions served from cache",
		}),
		FallbacksUsed: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_fallbacks_used",
			Help: "Decisions produced by the deterministic fallback router",
		}),
		CollapseFailures: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_collapse_failures",
			Help: "Strategy batches where no strategy produced a decision",
		}),
		OutcomesIngested: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_outcomes_ingested",
			Help: "Outcome reports matched to a pending decision",
		}),
		OutcomesDropped: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_outcomes_dropped",
			Help: "Outcome reports with no pending decision (late or unknown)",
		}),
		TrainSteps: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_train_steps",
			Help: "Background training steps completed",
		}),
		TrainSkips: auto.NewCounter(prometheus.CounterOpts{
			Name: "arb_train_skips",
			Help: "Training cycles skipped because the buffer was too small",
		}),
		RouteLatency: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_route_latency_ms",
			Help:    "End-to-end routing decision latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		QuantumLatency: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_quantum_latency_ms",
			Help:    "Strategy fan-out and collapse latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		RefinementSteps: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_refinement_steps",
			Help:    "Refinement steps consumed per refined decision",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		DecisionsByProvider: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_decisions_by_provider",
				Help: "Routing decisions per chosen provider",
			},
			[]string{"provider"},
		),
		DecisionsByStrategy: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_decisions_by_strategy",
				Help: "Routing decisions per winning strategy",
			},
			[]string{"strategy"},
		),
		BufferSize: auto.NewGauge(prometheus.GaugeOpts{
			Name: "arb_replay_buffer_size",
			Help: "Experiences currently held in the replay buffer",
		}),
		AgentEpsilon: auto.NewGauge(prometheus.GaugeOpts{
			Name: "arb_agent_epsilon",
			Help: "Current exploration rate of the routing agent",
		}),
		MeanReward: auto.NewGauge(prometheus.GaugeOpts{
			Name: "arb_agent_mean_reward",
			Help: "Rolling mean reward over the agent's phase window",
		}),
	}
}
