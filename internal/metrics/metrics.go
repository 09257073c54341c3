package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of websocket connections held by the relay.",
	})
	RelayControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_controllers_registered",
		Help: "The current number of controller sessions registered on this relay.",
	})
	RelayFramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_forwarded_total",
		Help: "Frames forwarded between relay connections, by route.",
	}, []string{"route"})
	RelayRegistrationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_registrations_rejected_total",
		Help: "Controller registrations rejected by the relay, by reason.",
	}, []string{"reason"})

	// Controller
	RosterParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controller_participants",
		Help: "Participants in the current roster, by status.",
	}, []string{"status"})
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_commands_sent_total",
		Help: "Commands sent to participants, by event.",
	}, []string{"event"})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_send_failures_total",
		Help: "Commands that could not be delivered.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_auth_failures_total",
		Help: "Rejected participant connection attempts, by transport.",
	}, []string{"transport"})

	// Participant
	FailsafeUnlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "participant_failsafe_unlocks_total",
		Help: "Local unlocks triggered by the participant-side lock timer.",
	})
)
