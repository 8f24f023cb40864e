// Package metrics holds the daemon's process-wide counters, mirroring
// the teacher orchestrator's metrics struct but backed by real
// Prometheus collectors. Nothing in this package listens on a port —
// the registry is readable only in-process through Gather; the CLI's
// status command does not read it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the daemon's counter set, registered against a private
// Registry rather than the global default so tests can construct
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	CyclesRun       prometheus.Counter
	TicketsClaimed  prometheus.Counter
	AgentsSpawned   prometheus.Counter
	AgentsSucceeded prometheus.Counter
	AgentsFailed    prometheus.Counter
	TokensConsumed  prometheus.Counter
	BackupsTaken    prometheus.Counter
	ActiveWorkers   prometheus.Gauge
}

// New constructs and registers a fresh Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_scheduler_cycles_total",
			Help: "Number of scheduler loop iterations run.",
		}),
		TicketsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tickets_claimed_total",
			Help: "Number of tickets claimed by a ProjectWorker.",
		}),
		AgentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_agents_spawned_total",
			Help: "Number of agent subprocess invocations started.",
		}),
		AgentsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_agents_succeeded_total",
			Help: "Number of agent subprocess invocations that exited cleanly.",
		}),
		AgentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_agents_failed_total",
			Help: "Number of agent subprocess invocations that errored or timed out.",
		}),
		TokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tokens_consumed_total",
			Help: "Cumulative input+output+cache tokens accounted across all sessions.",
		}),
		BackupsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_backups_taken_total",
			Help: "Number of backup archives created.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_workers",
			Help: "Number of ProjectWorkers currently live.",
		}),
	}

	reg.MustRegister(m.CyclesRun, m.TicketsClaimed, m.AgentsSpawned, m.AgentsSucceeded,
		m.AgentsFailed, m.TokensConsumed, m.BackupsTaken, m.ActiveWorkers)
	return m
}

// Gather returns the current metric families, the only way this
// process's counters are ever read — there is no HTTP /metrics
// endpoint, per this spec's no-REST-surface scope.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, err
	}
	return families, nil
}
