// Package telemetry exposes the orchestrator's Prometheus collectors. All
// collectors are registered at package load through promauto; the metrics
// endpoint is mounted by the server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	controlTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_control_ticks_total",
			Help: "Total number of completed control-ticks",
		},
	)

	controlTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oasis_control_tick_duration_seconds",
			Help:    "Control-tick execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	eventsPropagatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_events_propagated_total",
			Help: "Total cross-instance event deliveries",
		},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_events_dropped_total",
			Help: "Total events discarded by router backpressure",
		},
	)

	instancesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oasis_instances_registered",
			Help: "Number of currently registered game instances",
		},
	)

	instancesPausedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_instances_paused_total",
			Help: "Instances paused after consecutive engine failures",
		},
	)

	advanceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_engine_advance_errors_total",
			Help: "Engine Advance calls that returned an error",
		},
	)

	sessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oasis_sessions_connected",
			Help: "Number of live WebSocket sessions",
		},
	)

	slowConsumerDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_slow_consumer_disconnects_total",
			Help: "Sessions closed because their outbound queue overflowed",
		},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_gateway_actions_total",
			Help: "Inbound gateway actions by name",
		},
		[]string{"action"},
	)

	actionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_gateway_action_errors_total",
			Help: "Gateway error replies by wire code",
		},
		[]string{"code"},
	)

	playersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_players_created_total",
			Help: "Universal players created",
		},
	)

	playerTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_player_transitions_total",
			Help: "Successful realm transitions",
		},
	)

	unregisteredStartRealmTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_players_unregistered_start_realm_total",
			Help: "Players created with a starting realm that is not registered",
		},
	)
)

// ControlTickCompleted records one finished control-tick.
func ControlTickCompleted(seconds float64, propagated, dropped int) {
	controlTicksTotal.Inc()
	controlTickDuration.Observe(seconds)
	eventsPropagatedTotal.Add(float64(propagated))
	eventsDroppedTotal.Add(float64(dropped))
}

// SetInstancesRegistered updates the registered-instance gauge.
func SetInstancesRegistered(n int) {
	instancesRegistered.Set(float64(n))
}

// InstancePaused counts an instance tripping the failure threshold.
func InstancePaused() {
	instancesPausedTotal.Inc()
}

// AdvanceError counts a failed engine Advance call.
func AdvanceError() {
	advanceErrorsTotal.Inc()
}

// SessionOpened and SessionClosed track the live-session gauge.
func SessionOpened() { sessionsConnected.Inc() }

// SessionClosed decrements the live-session gauge.
func SessionClosed() { sessionsConnected.Dec() }

// SlowConsumerDisconnect counts a queue-overflow disconnect.
func SlowConsumerDisconnect() {
	slowConsumerDisconnectsTotal.Inc()
}

// ActionReceived counts an inbound gateway action.
func ActionReceived(action string) {
	actionsTotal.WithLabelValues(action).Inc()
}

// ActionError counts an error reply by wire code.
func ActionError(code string) {
	actionErrorsTotal.WithLabelValues(code).Inc()
}

// PlayerCreated counts a created player; unregisteredStart flags a starting
// realm absent from the registry.
func PlayerCreated(unregisteredStart bool) {
	playersCreatedTotal.Inc()
	if unregisteredStart {
		unregisteredStartRealmTotal.Inc()
	}
}

// PlayerTransitioned counts a successful realm transition.
func PlayerTransitioned() {
	playerTransitionsTotal.Inc()
}
