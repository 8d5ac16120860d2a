package services

import "teleconsulta/internal/core/domain"

// PresenceTracker derives who is in the room from the relay roster.
type PresenceTracker struct {
	participants []domain.Participant
	stats        domain.PresenceStats
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{}
}

// Update replaces the roster and recomputes the stats. Qualities already
// known for an identity are kept when the roster entry has none.
func (p *PresenceTracker) Update(roster []domain.Participant) domain.PresenceStats {
	known := make(map[string]domain.ConnectionQuality, len(p.participants))
	for _, prev := range p.participants {
		known[prev.Identity] = prev.Quality
	}

	next := make([]domain.Participant, 0, len(roster))
	stats := domain.PresenceStats{}
	for _, part := range roster {
		if part.Quality == "" || part.Quality == domain.QualityUnknown {
			if q, ok := known[part.Identity]; ok {
				part.Quality = q
			} else {
				part.Quality = domain.QualityUnknown
			}
		}
		next = append(next, part)

		stats.Total++
		if !part.IsLocal {
			stats.HasRemote = true
		}
		if part.Transmitting() {
			stats.Transmitting++
		}
	}

	p.participants = next
	p.stats = stats
	return stats
}

// SetQuality records a quality report and returns the participant it
// belongs to.
func (p *PresenceTracker) SetQuality(identity string, q domain.ConnectionQuality) (domain.Participant, bool) {
	for i := range p.participants {
		if p.participants[i].Identity == identity {
			p.participants[i].Quality = q
			return p.participants[i], true
		}
	}
	return domain.Participant{}, false
}

func (p *PresenceTracker) Stats() domain.PresenceStats {
	return p.stats
}

func (p *PresenceTracker) Participants() []domain.Participant {
	out := make([]domain.Participant, len(p.participants))
	copy(out, p.participants)
	return out
}

func (p *PresenceTracker) Reset() {
	p.participants = nil
	p.stats = domain.PresenceStats{}
}
