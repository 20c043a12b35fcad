package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Registry metrics
	RegistryEndpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_endpoints",
		Help: "Number of peer endpoints currently known to the registry",
	})

	RegistryNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_nodes",
		Help: "Number of node records by lifecycle status",
	}, []string{"status"})

	RegistryUpdateReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_update_reports_total",
		Help: "The total number of accepted update-completion reports",
	})

	RegistryPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_persist_failures_total",
		Help: "The total number of failed attempts to persist registry state",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_auth_failures_total",
		Help: "The total number of requests rejected for a bad or missing token",
	})

	// Agent metrics
	AgentTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_task_runs_total",
		Help: "Periodic agent task executions by outcome",
	}, []string{"task", "result"})

	AgentState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_state",
		Help: "Current agent state (0 waiting for local client, 1 registering, 2 steady state)",
	})

	AgentPeersAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_peers_added_total",
		Help: "The total number of admin_addPeer calls that succeeded",
	})
)
