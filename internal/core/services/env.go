package services

import (
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Env is what every loop-owned component shares.
type Env struct {
	Loop     *Loop
	Exec     Executor
	Clock    Clock
	Notifier ports.Notifier
	Metrics  ports.SessionMetrics
	Logger   *zap.SugaredLogger
}

func (e Env) withDefaults() Env {
	if e.Exec == nil {
		e.Exec = GoExecutor()
	}
	if e.Clock == nil {
		e.Clock = RealClock()
	}
	if e.Notifier == nil {
		e.Notifier = nopNotifier{}
	}
	if e.Metrics == nil {
		e.Metrics = NopMetrics{}
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop().Sugar()
	}
	return e
}

// after schedules fn on the loop once d has elapsed.
func (e Env) after(d time.Duration, fn func()) Timer {
	return e.Clock.AfterFunc(d, func() {
		e.Loop.Post(fn)
	})
}

func (e Env) notify(kind domain.NoticeKind, code domain.NoticeCode, title, message string) {
	e.Notifier.Notify(domain.Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		Code:    code,
		Title:   title,
		Message: message,
		Time:    e.Clock.Now(),
	})
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Notice) {}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SetConnectionState(domain.ConnectionState) {}
func (NopMetrics) SetPresence(domain.PresenceStats)          {}
func (NopMetrics) SetPublishing(bool)                        {}
func (NopMetrics) IncReconnectAttempts()                     {}
func (NopMetrics) IncPublishAttempts()                       {}
func (NopMetrics) IncPublishFailures()                       {}
func (NopMetrics) IncNotices(domain.NoticeCode)              {}
func (NopMetrics) ObserveTokenFetch(time.Duration, error)    {}
