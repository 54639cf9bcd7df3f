// Package metrics holds the daemon's internal Prometheus counters.
// Export (scrape endpoint, push, remote write) is an external
// collaborator's concern; this package only registers and increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundMessages counts messages dispatched by the Session
	// Scheduler, labeled by originating channel.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "inbound_messages_total",
		Help:      "Inbound messages dispatched to session actors.",
	}, []string{"channel"})

	// ProviderCalls counts LLM API calls, labeled by call kind
	// ("stream" or "complete").
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "provider_calls_total",
		Help:      "Completion calls issued to the LLM provider.",
	}, []string{"kind"})

	// ToolInvocations counts tool-registry invocations, labeled by
	// outcome ("ok" or "error").
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "tool_invocations_total",
		Help:      "Tool invocations through the registry.",
	}, []string{"outcome"})

	// BudgetDenials counts turns blocked by the pre-call budget gate.
	BudgetDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "budget_denials_total",
		Help:      "Turns refused because a budget cap was reached.",
	})

	// Compactions counts context-compaction summarization passes.
	Compactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "compactions_total",
		Help:      "Conversation compaction passes run by the context engine.",
	})

	// HeartbeatTicks counts heartbeat runner executions, labeled by
	// outcome ("delivered", "queued", "skipped", "error").
	HeartbeatTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blufio",
		Name:      "heartbeat_ticks_total",
		Help:      "Heartbeat runner executions.",
	}, []string{"outcome"})
)
