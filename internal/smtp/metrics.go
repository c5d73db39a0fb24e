package smtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_receiver_connections_total",
			Help: "Incoming SMTP connections.",
		},
	)
	metricActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_receiver_active_connections",
			Help: "SMTP connections currently being served.",
		},
	)
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_receiver_commands_total",
			Help: "SMTP commands handled, by command and reply code.",
		},
		[]string{
			"cmd",
			"code",
		},
	)
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_receiver_messages_total",
			Help: "Completed DATA transactions. Result values: delivered, toolarge, decodeerror.",
		},
		[]string{
			"result",
		},
	)
	metricMessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtp_receiver_message_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)
)
