package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_dispatch_sent_total",
		Help: "Push messages accepted by the provider.",
	})

	transientFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_dispatch_transient_failures_total",
		Help: "Push sends that failed for transient provider or network reasons.",
	})

	deadTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_dispatch_dead_tokens_total",
		Help: "Tokens the provider reported as unregistered or invalid.",
	})

	// PrunedTotal counts registry rows deleted by the pruner. Incremented
	// by the notify service after the bulk delete succeeds.
	PrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_registry_pruned_total",
		Help: "Dead device tokens hard-deleted from the registry.",
	})
)
