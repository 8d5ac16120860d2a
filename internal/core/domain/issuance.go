package domain

import "time"

// Issuance records one join credential handed out by the token server.
type Issuance struct {
	ID          string    `json:"id"`
	RoomName    RoomName  `json:"room_name"`
	Identity    string    `json:"identity"`
	Participant string    `json:"participant"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the credential is no longer usable at now.
func (i Issuance) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
