package notify

import (
	"sync"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
)

// Multi fans a notice out to every sink in order.
type Multi []ports.Notifier

func (m Multi) Notify(notice domain.Notice) {
	for _, n := range m {
		if n != nil {
			n.Notify(notice)
		}
	}
}

// Counting counts notices by code before passing them on.
type Counting struct {
	next    ports.Notifier
	metrics ports.SessionMetrics
}

func NewCounting(next ports.Notifier, metrics ports.SessionMetrics) *Counting {
	return &Counting{next: next, metrics: metrics}
}

func (c *Counting) Notify(notice domain.Notice) {
	c.metrics.IncNotices(notice.Code)
	if c.next != nil {
		c.next.Notify(notice)
	}
}

// History keeps the most recent notices for the status API.
type History struct {
	mu      sync.Mutex
	notices []domain.Notice
	size    int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 50
	}
	return &History{size: size}
}

func (h *History) Notify(notice domain.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.notices = append(h.notices, notice)
	if len(h.notices) > h.size {
		h.notices = h.notices[len(h.notices)-h.size:]
	}
}

// Recent returns the kept notices, newest last.
func (h *History) Recent() []domain.Notice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.Notice, len(h.notices))
	copy(out, h.notices)
	return out
}
