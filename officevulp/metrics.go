package officevulp

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "officevulp"

const (
	skipReasonNoAuthor     = "no_author"
	skipReasonBotAuthor    = "bot_author"
	skipReasonNoJoinDate   = "no_join_date"
	skipReasonMemberTooOld = "member_too_old"
	skipReasonNoMatch      = "no_match"

	replyTriggerMessage = "message"
	replyTriggerCommand = "command"

	deleteResultDeleted        = "deleted"
	deleteResultUnauthorized   = "unauthorized"
	deleteResultExpired        = "expired"
	deleteResultAlreadyDeleted = "already_deleted"
	deleteResultError          = "error"
)

// metrics holds the bot's prometheus collectors. Each Bot has its own
// registry, so multiple instances (ex: in tests) don't collide.
type metrics struct {
	registry *prometheus.Registry

	messagesSeen       prometheus.Counter
	messagesSkipped    *prometheus.CounterVec
	repliesSent        *prometheus.CounterVec
	replyErrors        prometheus.Counter
	deleteClicks       *prometheus.CounterVec
	gatewayConnects    prometheus.Counter
	gatewayDisconnects prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		messagesSeen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_seen_total",
				Help:      "Messages received from the gateway.",
			},
		),
		messagesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_skipped_total",
				Help:      "Messages that didn't get a reply, by reason.",
			},
			[]string{"reason"},
		),
		repliesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replies_sent_total",
				Help:      "Info cards sent, by trigger.",
			},
			[]string{"trigger"},
		),
		replyErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reply_errors_total",
				Help:      "Info cards that failed to send.",
			},
		),
		deleteClicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delete_button_clicks_total",
				Help:      "Delete button activations, by result.",
			},
			[]string{"result"},
		),
		gatewayConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_connects_total",
				Help:      "Discord gateway connections.",
			},
		),
		gatewayDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_disconnects_total",
				Help:      "Discord gateway disconnections.",
			},
		),
	}
	m.registry.MustRegister(
		m.messagesSeen,
		m.messagesSkipped,
		m.repliesSent,
		m.replyErrors,
		m.deleteClicks,
		m.gatewayConnects,
		m.gatewayDisconnects,
		prometheus.NewGoCollector(),
	)
	return m
}
