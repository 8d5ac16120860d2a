package services

import (
	"testing"
	"time"

	"teleconsulta/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestQualityMonitor_Window(t *testing.T) {
	q := NewQualityMonitor(Env{}, DefaultQualityConfig())
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.Begin(start)

	assert.Equal(t, 30*time.Second, q.Window(start))
	assert.Equal(t, 30*time.Second, q.Window(start.Add(59*time.Minute)))
	assert.Equal(t, 120*time.Second, q.Window(start.Add(time.Hour)))
	assert.Equal(t, 120*time.Second, q.Window(start.Add(3*time.Hour)))
}

func TestQualityMonitor_WindowBeforeBegin(t *testing.T) {
	q := NewQualityMonitor(Env{}, QualityConfig{})
	assert.Equal(t, 30*time.Second, q.Window(time.Now()))
}

func TestQualityMonitor_Observe(t *testing.T) {
	clock := newFakeClock()
	notices := &recordingNotifier{}
	q := NewQualityMonitor(Env{Clock: clock, Notifier: notices}, DefaultQualityConfig())
	q.Begin(clock.Now())

	patient := domain.Participant{Identity: "patient", Quality: domain.QualityPoor}

	assert.False(t, q.Observe(domain.Participant{Identity: "me", IsLocal: true, Quality: domain.QualityPoor}))
	assert.False(t, q.Observe(domain.Participant{Identity: "patient", Quality: domain.QualityGood}))
	assert.True(t, q.Observe(patient))

	clock.Advance(29 * time.Second)
	assert.False(t, q.Observe(patient))

	clock.Advance(time.Second)
	assert.True(t, q.Observe(patient))
	assert.Equal(t, 2, notices.count(domain.CodeQualityDegraded))
}

func TestQualityMonitor_LongSessionWidensWindow(t *testing.T) {
	clock := newFakeClock()
	notices := &recordingNotifier{}
	q := NewQualityMonitor(Env{Clock: clock, Notifier: notices}, DefaultQualityConfig())
	q.Begin(clock.Now())

	patient := domain.Participant{Identity: "patient", Quality: domain.QualityPoor}

	clock.Advance(time.Hour)
	assert.True(t, q.Observe(patient))

	clock.Advance(60 * time.Second)
	assert.False(t, q.Observe(patient))

	clock.Advance(60 * time.Second)
	assert.True(t, q.Observe(patient))
}
