package monitoring

import (
	"time"

	"teleconsulta/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionStates = []domain.ConnectionState{
	domain.StateDisconnected,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateReconnecting,
}

// SessionCollector exports the session agent's metrics. It implements
// ports.SessionMetrics.
type SessionCollector struct {
	// Gauges
	connectionState     *prometheus.GaugeVec
	participantsTotal   prometheus.Gauge
	participantsSending prometheus.Gauge
	remotePresent       prometheus.Gauge
	publishing          prometheus.Gauge

	// Counters
	reconnectAttempts prometheus.Counter
	publishAttempts   prometheus.Counter
	publishFailures   prometheus.Counter
	notices           *prometheus.CounterVec

	// Histograms
	tokenFetchDuration *prometheus.HistogramVec
}

// NewSessionCollector registers the session metrics on reg. A nil reg uses
// the default registry.
func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &SessionCollector{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teleconsulta_session_connection_state",
			Help: "1 for the current connection state of the session, 0 otherwise",
		}, []string{"state"}),

		participantsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsulta_session_participants",
			Help: "Participants in the room, including the local one",
		}),

		participantsSending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsulta_session_participants_transmitting",
			Help: "Participants sending camera or microphone",
		}),

		remotePresent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsulta_session_remote_present",
			Help: "1 while at least one remote participant is in the room",
		}),

		publishing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsulta_session_publishing",
			Help: "1 while the camera is actually being published",
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "teleconsulta_session_reconnect_attempts_total",
			Help: "Automatic reconnect attempts",
		}),

		publishAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "teleconsulta_session_publish_attempts_total",
			Help: "Camera publish attempts",
		}),

		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "teleconsulta_session_publish_failures_total",
			Help: "Failed camera publish attempts",
		}),

		notices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsulta_session_notices_total",
			Help: "Notices raised, by code",
		}, []string{"code"}),

		tokenFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleconsulta_session_token_fetch_duration_seconds",
			Help:    "Duration of join token requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
	}

	c.SetConnectionState(domain.StateDisconnected)
	return c
}

func (c *SessionCollector) SetConnectionState(state domain.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *SessionCollector) SetPresence(stats domain.PresenceStats) {
	c.participantsTotal.Set(float64(stats.Total))
	c.participantsSending.Set(float64(stats.Transmitting))
	c.remotePresent.Set(boolGauge(stats.HasRemote))
}

func (c *SessionCollector) SetPublishing(publishing bool) {
	c.publishing.Set(boolGauge(publishing))
}

func (c *SessionCollector) IncReconnectAttempts() {
	c.reconnectAttempts.Inc()
}

func (c *SessionCollector) IncPublishAttempts() {
	c.publishAttempts.Inc()
}

func (c *SessionCollector) IncPublishFailures() {
	c.publishFailures.Inc()
}

func (c *SessionCollector) IncNotices(code domain.NoticeCode) {
	c.notices.WithLabelValues(string(code)).Inc()
}

func (c *SessionCollector) ObserveTokenFetch(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.tokenFetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// TokenServerCollector exports the token server's metrics.
type TokenServerCollector struct {
	tokensIssued    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewTokenServerCollector(reg prometheus.Registerer) *TokenServerCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &TokenServerCollector{
		tokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsulta_tokens_issued_total",
			Help: "Join token requests, by result",
		}, []string{"result"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleconsulta_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// RecordTokenIssued counts a token request; result is "success",
// "invalid" or "error".
func (c *TokenServerCollector) RecordTokenIssued(result string) {
	c.tokensIssued.WithLabelValues(result).Inc()
}

func (c *TokenServerCollector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.requestDuration.WithLabelValues(method, route, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
