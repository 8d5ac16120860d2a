package domain

import (
	"fmt"
	"strings"
	"time"
)

// RoomPrefix is part of the external room naming contract.
const RoomPrefix = "consulta-"

type RoomName string

// NormalizeRoomName derives the relay room for a consultation identifier.
// Identifiers that differ only in case or surrounding whitespace map to the
// same room.
func NormalizeRoomName(identifier string) RoomName {
	return RoomName(RoomPrefix + strings.ToLower(strings.TrimSpace(identifier)))
}

// CanonicalRoomName accepts either a raw identifier or an already prefixed
// room name and returns the prefixed form.
func CanonicalRoomName(name string) RoomName {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(n, RoomPrefix) {
		return RoomName(n)
	}
	return NormalizeRoomName(n)
}

// ValidateIdentifier rejects identifiers that normalize to an empty room.
func ValidateIdentifier(identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return fmt.Errorf("%w: identifier is empty", ErrInvalidRoom)
	}
	return nil
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Credential is what the signaling backend hands out for joining a room.
type Credential struct {
	Token    string   `json:"token"`
	RelayURL string   `json:"relayUrl"`
	RoomName RoomName `json:"roomName"`
}

type Session struct {
	RoomName          RoomName
	Credential        *Credential
	State             ConnectionState
	ReconnectAttempts int
	StartedAt         time.Time
	ConnectedAt       time.Time
}

// Live reports whether the session is usable by the rest of the application.
func (s *Session) Live() bool {
	return s != nil && s.State == StateConnected
}

// SessionSnapshot is a read-only view of the session for status reporting.
type SessionSnapshot struct {
	RoomName          RoomName        `json:"room_name,omitempty"`
	State             ConnectionState `json:"state"`
	Live              bool            `json:"live"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	PublishIntent     bool            `json:"publish_intent"`
	Publishing        bool            `json:"publishing"`
	PublishAttempt    int             `json:"publish_attempt"`
	ScreenSharing     bool            `json:"screen_sharing"`
	Presence          PresenceStats   `json:"presence"`
	Participants      []Participant   `json:"participants"`
	StartedAt         time.Time       `json:"started_at,omitempty"`
	ConnectedAt       time.Time       `json:"connected_at,omitempty"`
}
