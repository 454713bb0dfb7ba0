package coordinator

import (
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of a Coordinator.
type Metrics struct {
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	Messages     *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	Malformed    *prometheus.CounterVec
	Dropped      prometheus.Counter
	StaleRuns    prometheus.Counter
	ActiveRuns   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labrun_runs_started_total",
			Help: "Runs accepted by the coordinator.",
		}, []string{"mode"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labrun_runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"mode", "status"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labrun_messages_total",
			Help: "Execution messages received from the active run's channel.",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labrun_messages_rejected_total",
			Help: "Messages refused because they would break the run state machine.",
		}, []string{"type"}),
		Malformed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labrun_messages_malformed_total",
			Help: "Messages whose payload could not be decoded.",
		}, []string{"type"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "labrun_messages_dropped_total",
			Help: "Messages from channels of retired runs.",
		}),
		StaleRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "labrun_runs_stale_total",
			Help: "Times a run was marked stale.",
		}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "labrun_active_runs",
			Help: "1 while the coordinator holds a non-terminal run.",
		}),
	}
}

func (m *Metrics) message(t protocol.Type) {
	if !t.Known() {
		t = "unknown"
	}
	m.Messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) finished(mode domain.Mode, status domain.RunStatus) {
	m.RunsFinished.WithLabelValues(string(mode), string(status)).Inc()
	m.ActiveRuns.Set(0)
}
