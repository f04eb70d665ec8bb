package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message synchronizer metrics
var (
	ChatMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_mutations_total",
		Help: "Total number of message mutations by operation and result",
	}, []string{"operation", "result"}) // send|edit|delete, ok|rejected|error

	ChatMaterializedEmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_materialized_emissions_total",
		Help: "Total number of message list changes exposed to the UI",
	})

	ChatMalformedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_malformed_records_total",
		Help: "Total number of message records dropped because they failed to parse",
	})

	ChatSubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_subscriptions_active",
		Help: "Current number of open conversation subscriptions",
	})
)

// Call coordinator metrics
var (
	CallTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_transitions_total",
		Help: "Total number of call state transitions",
	}, []string{"from", "to"})

	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_outcomes_total",
		Help: "Total number of finished calls by outcome",
	}, []string{"kind", "outcome"})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Current number of pending or accepted calls owned by this process",
	})

	CallOffersSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_offers_suppressed_total",
		Help: "Total number of incoming offers not surfaced because a call was already in progress",
	})

	CallMalformedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_malformed_records_total",
		Help: "Total number of call session records rejected by schema validation",
	})
)

// Media session metrics
var (
	MediaTracksOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_local_tracks_open",
		Help: "Current number of open local device tracks",
	})

	MediaAcquireFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_acquire_failures_total",
		Help: "Total number of failed device acquisitions",
	}, []string{"device"})

	MediaDegradedToAudioTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_degraded_to_audio_total",
		Help: "Total number of video requests degraded to audio-only for lack of a camera",
	})
)

// Synchronization port metrics
var (
	SyncOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_total",
		Help: "Total number of synchronization store operations",
	}, []string{"backend", "operation", "status"})

	SyncSubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_subscriptions_active",
		Help: "Current number of live synchronization store subscriptions",
	}, []string{"backend"})
)

// Push metrics
var (
	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_notifications_total",
		Help: "Total number of incoming-call push notifications",
	}, []string{"provider", "status"})
)
