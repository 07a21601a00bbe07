package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Feeder metrics, registered on the default registry and served by /metrics.
var (
	// commandsTotal counts device commands by action and publish result.
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pet_feeder_commands_total",
			Help: "Device commands published, by action and result",
		},
		[]string{"action", "result"},
	)

	// telemetryTotal counts inbound device messages by kind.
	telemetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pet_feeder_telemetry_total",
			Help: "Inbound device messages, by kind",
		},
		[]string{"kind"},
	)

	// detectionDecisions counts what the detection policy decided.
	detectionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pet_feeder_detection_decisions_total",
			Help: "Pet detection outcomes: dispensed, suppressed, duplicate, failed",
		},
		[]string{"decision"},
	)

	// scheduleFires counts job fires by outcome.
	scheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pet_feeder_schedule_fires_total",
			Help: "Scheduled feeding fires, by outcome",
		},
		[]string{"outcome"},
	)

	// armedJobs is the number of live schedule jobs.
	armedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pet_feeder_armed_jobs",
		Help: "Schedule jobs currently armed",
	})
)
