package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	openEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wb_open_endpoints",
		Help: "Number of open connection endpoints",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wb_active_sessions",
		Help: "Number of sessions in the active state",
	})

	endpointFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_endpoint_failures_total",
			Help: "Endpoint terminations by reason",
		},
		[]string{"reason"}, // disconnected|timeout|violation|invalid_message
	)

	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_reconnect_attempts_total",
			Help: "Reconnect attempts by result",
		},
		[]string{"result"}, // success|failure|exhausted
	)

	boardUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_board_updates_total",
			Help: "Board mutations by operation and result",
		},
		[]string{"op", "result"}, // path|undo|clear x accepted|rejected|applied
	)

	resyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wb_board_resyncs_total",
		Help: "Full-state resyncs requested by editors",
	})

	sharedBoards = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wb_shared_boards",
		Help: "Boards currently announced through the directory",
	})

	boardEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_board_events_total",
			Help: "Local board lifecycle events by topic",
		},
		[]string{"topic"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_commands_total",
			Help: "Total commands executed by name",
		},
		[]string{"name"},
	)

	commandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wb_command_errors_total",
			Help: "Total command errors by reason",
		},
		[]string{"reason"}, // not_found|handler
	)
)

func init() {
	prometheus.MustRegister(
		openEndpoints,
		activeSessions,
		endpointFailuresTotal,
		reconnectsTotal,
		boardUpdatesTotal,
		resyncsTotal,
		sharedBoards,
		boardEventsTotal,
		commandsTotal,
		commandErrorsTotal,
	)
}

func AddEndpoints(delta float64)       { openEndpoints.Add(delta) }
func AddSessions(delta float64)        { activeSessions.Add(delta) }
func IncEndpointFailure(reason string) { endpointFailuresTotal.WithLabelValues(reason).Inc() }
func IncReconnect(result string)       { reconnectsTotal.WithLabelValues(result).Inc() }
func IncBoardUpdate(op, result string) { boardUpdatesTotal.WithLabelValues(op, result).Inc() }
func IncResync()                       { resyncsTotal.Inc() }
func AddSharedBoards(delta float64)    { sharedBoards.Add(delta) }
func IncBoardEvent(topic string)       { boardEventsTotal.WithLabelValues(topic).Inc() }
func IncCommand(name string)           { commandsTotal.WithLabelValues(name).Inc() }
func IncCommandError(reason string)    { commandErrorsTotal.WithLabelValues(reason).Inc() }
