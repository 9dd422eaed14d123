// Package metrics exposes the bridge's internal counters as Prometheus
// metrics, served at /metrics by the web server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollsTotal counts completed polls per device.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_polls_total",
		Help: "Completed polls per device.",
	}, []string{"device"})

	// PollErrorsTotal counts failed polls per device.
	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_poll_errors_total",
		Help: "Failed polls per device.",
	}, []string{"device"})

	// SubsystemErrorsTotal counts isolated fan-out failures per device
	// and subsystem (mqtt, history, automation, web).
	SubsystemErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_subsystem_errors_total",
		Help: "Isolated subsystem failures during snapshot fan-out.",
	}, []string{"device", "subsystem"})

	// PollerState tracks each device's health FSM state (0=healthy,
	// 1=degraded, 2=recovering, 3=lost).
	PollerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdu_bridge_poller_state",
		Help: "Poller health state: 0 healthy, 1 degraded, 2 recovering, 3 lost.",
	}, []string{"device"})

	// RecoveryScansTotal counts DHCP recovery scans per device.
	RecoveryScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_recovery_scans_total",
		Help: "Subnet recovery scans per device.",
	}, []string{"device"})

	// RuleTriggersTotal counts automation rule firings per device.
	RuleTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_rule_triggers_total",
		Help: "Automation rule trigger events per device.",
	}, []string{"device"})
)

// HTTPHandler serves the default Prometheus registry.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}
