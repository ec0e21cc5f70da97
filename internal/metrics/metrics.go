package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Terminal sessions

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docorc_sessions_active",
			Help: "Number of live terminal sessions",
		},
		[]string{"mode"},
	)

	SessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_sessions_created_total",
			Help: "Total number of terminal sessions admitted",
		},
		[]string{"mode"},
	)

	SessionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_session_rejections_total",
			Help: "Total number of session creations that failed, by reason",
		},
		[]string{"reason"},
	)

	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_sessions_closed_total",
			Help: "Total number of terminal sessions closed, by close reason",
		},
		[]string{"reason"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docorc_session_duration_seconds",
			Help:    "Session lifetime in seconds",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200},
		},
		[]string{"mode"},
	)

	SessionCreationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docorc_session_creation_duration_seconds",
			Help:    "Time to attach a terminal to a container",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	ReapSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docorc_reap_sweeps_total",
			Help: "Total number of reaper sweeps",
		},
	)

	// Terminal bridging

	TerminalBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_terminal_bytes_total",
			Help: "Bytes relayed between clients and terminals",
		},
		[]string{"direction"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docorc_websocket_connections",
			Help: "Number of open terminal WebSocket connections",
		},
	)

	WebSocketInputDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docorc_websocket_input_dropped_total",
			Help: "Terminal input messages dropped by the per-connection rate limit",
		},
	)

	// Automation

	AutomationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_automation_runs_total",
			Help: "Total number of automation runs, by outcome",
		},
		[]string{"outcome"},
	)

	AutomationStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docorc_automation_steps_total",
			Help: "Total number of automation steps, by status",
		},
		[]string{"status"},
	)

	AutomationRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docorc_automation_run_duration_seconds",
			Help:    "Automation run duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
	)
)
