package domain

import (
	"errors"
	"strings"
)

var (
	ErrTokenAcquisition = errors.New("token acquisition failed")
	ErrConnectInFlight  = errors.New("connect already in flight")
	ErrNotConnected     = errors.New("session not connected")
	ErrPublish          = errors.New("track publish failed")
	ErrPublishExhausted = errors.New("track publish retries exhausted")
	ErrAutoplayBlocked  = errors.New("playback requires a user gesture")
	ErrScreenShare      = errors.New("screen share failed")
	ErrAuth             = errors.New("relay rejected credentials")
	ErrPermissionDenied = errors.New("device permission denied")
	ErrNoSource         = errors.New("no media source")
	ErrInvalidRoom      = errors.New("invalid room identifier")
	ErrReconnectBudget  = errors.New("reconnect budget exhausted")
)

// fatalMarkers are matched against lowercased relay error text.
var fatalMarkers = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"permission",
	"token expired",
	"invalid token",
	"not allowed",
}

// IsFatalRelayError reports whether err is an authentication or permission
// failure after which the session must not reconnect on its own.
func IsFatalRelayError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
