package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handshake results recorded in handshakesTotal.
const (
	handshakeSuccess          = "success"
	handshakeInvalidPacket    = "invalid_packet"
	handshakeInvalidState     = "invalid_state"
	handshakeIncompatible     = "incompatible"
	handshakeAlreadyConnected = "already_connected"
	handshakeTransport        = "transport_error"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuichat_sessions_active",
			Help: "Sessions currently in the chat phase",
		},
	)

	handshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuichat_handshakes_total",
			Help: "Handshakes by result",
		},
		[]string{"result"},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuichat_session_duration_seconds",
			Help:    "Time spent in the chat phase",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		},
	)

	// Message metrics
	messagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuichat_messages_published_total",
			Help: "Chat messages published to the hub",
		},
	)

	messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuichat_messages_dropped_total",
			Help: "Chat messages dropped before publishing",
		},
		[]string{"reason"}, // "empty" or "encode"
	)

	// Hub metrics
	hubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuichat_hub_subscribers",
			Help: "Subscribers registered with the hub",
		},
	)

	hubEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuichat_hub_evictions_total",
			Help: "Subscribers evicted because their buffer was full",
		},
	)

	hubEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuichat_hub_events_dropped_total",
			Help: "Events discarded by the drop-oldest overflow policy",
		},
	)
)
