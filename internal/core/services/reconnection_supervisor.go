package services

import (
	"fmt"
	"time"

	"teleconsulta/internal/core/domain"
)

type SupervisorState string

const (
	SupervisorIdle         SupervisorState = "idle"
	SupervisorConnecting   SupervisorState = "connecting"
	SupervisorConnected    SupervisorState = "connected"
	SupervisorReconnecting SupervisorState = "reconnecting"
	SupervisorDisconnected SupervisorState = "disconnected"
)

// BudgetExhausted is the attempt count after a fatal error. No automatic
// reconnect happens from this state.
const BudgetExhausted = -1

type ReconnectConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
	}
}

// ReconnectionSupervisor decides whether a lost connection is retried.
type ReconnectionSupervisor struct {
	env Env
	cfg ReconnectConfig

	state    SupervisorState
	attempts int
	timer    Timer
	epoch    uint64

	reconnect  func()
	onTerminal func(error)
}

func NewReconnectionSupervisor(env Env, cfg ReconnectConfig) *ReconnectionSupervisor {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultReconnectConfig().Delay
	}
	return &ReconnectionSupervisor{
		env:   env.withDefaults(),
		cfg:   cfg,
		state: SupervisorIdle,
	}
}

// OnReconnect sets what a scheduled attempt runs.
func (r *ReconnectionSupervisor) OnReconnect(fn func()) { r.reconnect = fn }

// OnTerminal is called when the session must be torn down for good.
func (r *ReconnectionSupervisor) OnTerminal(fn func(error)) { r.onTerminal = fn }

// Begin starts supervising a new session with a fresh budget.
func (r *ReconnectionSupervisor) Begin() {
	r.cancelTimer()
	r.epoch++
	r.state = SupervisorConnecting
	r.attempts = 0
}

func (r *ReconnectionSupervisor) HandleConnected() {
	if r.attempts == BudgetExhausted || r.state == SupervisorIdle {
		return
	}
	r.cancelTimer()
	if r.attempts > 0 {
		r.env.Logger.Infow("connection restored", "attempts", r.attempts)
	}
	r.state = SupervisorConnected
	r.attempts = 0
}

// HandleReconnecting reports a relay-side resume in progress. The budget is
// left alone.
func (r *ReconnectionSupervisor) HandleReconnecting() {
	if r.attempts == BudgetExhausted || r.state == SupervisorIdle {
		return
	}
	r.state = SupervisorReconnecting
	r.env.notify(domain.NoticeWarning, domain.CodeReconnecting, "Reconnecting",
		"The connection dropped. Trying to restore it.")
}

// HandleDisconnected spends one attempt from the budget and schedules a
// reconnect, or gives up when none is left.
func (r *ReconnectionSupervisor) HandleDisconnected(cause error) {
	if r.attempts == BudgetExhausted || r.state == SupervisorIdle || r.state == SupervisorDisconnected {
		return
	}
	if r.timer != nil {
		return
	}

	if r.attempts >= r.cfg.MaxAttempts {
		r.state = SupervisorDisconnected
		r.env.Logger.Errorw("reconnect budget exhausted", "attempts", r.attempts, "error", cause)
		r.env.notify(domain.NoticeError, domain.CodeReconnectExhausted, "Connection lost",
			"The consultation could not be restored. Reload the page to join again.")
		if r.onTerminal != nil {
			r.onTerminal(fmt.Errorf("%w after %d attempts: %v", domain.ErrReconnectBudget, r.attempts, cause))
		}
		return
	}

	r.attempts++
	r.state = SupervisorReconnecting
	r.env.Metrics.IncReconnectAttempts()
	r.env.Logger.Warnw("connection lost, scheduling reconnect",
		"attempt", r.attempts, "max_attempts", r.cfg.MaxAttempts, "delay", r.cfg.Delay, "error", cause)
	r.env.notify(domain.NoticeWarning, domain.CodeReconnectAttempt, "Reconnecting",
		fmt.Sprintf("Attempt %d of %d.", r.attempts, r.cfg.MaxAttempts))

	epoch := r.epoch
	r.timer = r.env.after(r.cfg.Delay, func() {
		if epoch != r.epoch {
			return
		}
		r.timer = nil
		if r.reconnect != nil {
			r.reconnect()
		}
	})
}

// HandleError classifies err. Fatal errors exhaust the budget, raise the
// session-expired notice and trigger teardown; the return value tells the
// caller whether that happened.
func (r *ReconnectionSupervisor) HandleError(err error) bool {
	if !domain.IsFatalRelayError(err) {
		return false
	}
	if r.attempts == BudgetExhausted {
		return true
	}

	r.cancelTimer()
	r.epoch++
	r.attempts = BudgetExhausted
	r.state = SupervisorDisconnected

	r.env.Logger.Errorw("relay rejected the session", "error", err)
	r.env.notify(domain.NoticeError, domain.CodeSessionExpired, "Session expired",
		"Your access to this consultation is no longer valid. Reload the page to join again.")
	if r.onTerminal != nil {
		r.onTerminal(fmt.Errorf("%w: %v", domain.ErrAuth, err))
	}
	return true
}

// Recovering reports whether an automatic reconnect cycle is under way.
func (r *ReconnectionSupervisor) Recovering() bool {
	return r.state == SupervisorReconnecting
}

func (r *ReconnectionSupervisor) State() SupervisorState {
	return r.state
}

// Attempts returns the attempts spent, or BudgetExhausted.
func (r *ReconnectionSupervisor) Attempts() int {
	return r.attempts
}

// Stop cancels any scheduled reconnect. The attempt count is kept for
// reporting.
func (r *ReconnectionSupervisor) Stop() {
	r.cancelTimer()
	r.epoch++
	if r.state != SupervisorDisconnected {
		r.state = SupervisorIdle
	}
}

func (r *ReconnectionSupervisor) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
