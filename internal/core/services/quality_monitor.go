package services

import (
	"fmt"
	"time"

	"teleconsulta/internal/core/domain"
)

type QualityConfig struct {
	Window           time.Duration
	LongWindow       time.Duration
	LongSessionAfter time.Duration
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Window:           30 * time.Second,
		LongWindow:       120 * time.Second,
		LongSessionAfter: time.Hour,
	}
}

// QualityMonitor warns about remote participants on a poor connection,
// at most once per window.
type QualityMonitor struct {
	env Env
	cfg QualityConfig

	sessionStart time.Time
	lastWarning  time.Time
	warned       bool
}

func NewQualityMonitor(env Env, cfg QualityConfig) *QualityMonitor {
	def := DefaultQualityConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = def.LongWindow
	}
	if cfg.LongSessionAfter <= 0 {
		cfg.LongSessionAfter = def.LongSessionAfter
	}
	return &QualityMonitor{env: env.withDefaults(), cfg: cfg}
}

// Begin starts a new measurement period at start.
func (q *QualityMonitor) Begin(start time.Time) {
	q.sessionStart = start
	q.lastWarning = time.Time{}
	q.warned = false
}

// Window returns the minimum spacing between warnings at now.
func (q *QualityMonitor) Window(now time.Time) time.Duration {
	if !q.sessionStart.IsZero() && now.Sub(q.sessionStart) >= q.cfg.LongSessionAfter {
		return q.cfg.LongWindow
	}
	return q.cfg.Window
}

// Observe handles a quality report and reports whether a warning was raised.
func (q *QualityMonitor) Observe(p domain.Participant) bool {
	if p.IsLocal || p.Quality != domain.QualityPoor {
		return false
	}

	now := q.env.Clock.Now()
	if q.warned && now.Sub(q.lastWarning) < q.Window(now) {
		return false
	}
	q.warned = true
	q.lastWarning = now

	q.env.Logger.Warnw("remote participant connection is poor", "identity", p.Identity)
	q.env.notify(domain.NoticeWarning, domain.CodeQualityDegraded, "Unstable connection",
		fmt.Sprintf("%s has an unstable connection. Audio and video may be interrupted.", p.Identity))
	return true
}
