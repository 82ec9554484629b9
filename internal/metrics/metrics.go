package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the supervisor's instruments on a private registry so tests and
// multiple instances never trip over duplicate registration.
type Set struct {
	registry *prometheus.Registry

	// BotUp is 1 while a kind is observed running, 0 otherwise.
	BotUp *prometheus.GaugeVec

	StartsTotal     *prometheus.CounterVec
	StopsTotal      *prometheus.CounterVec
	RestartsTotal   *prometheus.CounterVec
	ExitsTotal      *prometheus.CounterVec
	ForceKills      *prometheus.CounterVec
	SweepKills      *prometheus.CounterVec
	IPCPolls        *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	StatusRefreshes prometheus.Counter
}

func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		BotUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botkeeper", Name: "bot_up",
			Help: "1 while the bot kind is observed running.",
		}, []string{"kind"}),
		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "bot_starts_total",
			Help: "Start operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "bot_stops_total",
			Help: "Stop operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "bot_restarts_total",
			Help: "Restart operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "bot_exits_total",
			Help: "Bot exits observed by the reconciler.",
		}, []string{"kind"}),
		ForceKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "bot_force_kills_total",
			Help: "Stops that escalated past the grace period.",
		}, []string{"kind"}),
		SweepKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "sweep_killed_total",
			Help: "Stray processes removed by the advisory orphan sweep.",
		}, []string{"kind"}),
		IPCPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "ipc_polls_total",
			Help: "Data-channel polls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "botkeeper", Name: "op_duration_seconds",
			Help:    "Latency of lifecycle operations.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		StatusRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botkeeper", Name: "status_refreshes_total",
			Help: "Background status refresh runs.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.BotUp, s.StartsTotal, s.StopsTotal, s.RestartsTotal, s.ExitsTotal,
		s.ForceKills, s.SweepKills, s.IPCPolls, s.OpDuration, s.StatusRefreshes,
	)
	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Set) Registry() *prometheus.Registry { return s.registry }
