package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// RoomNameRegex validates canonical consultation room names
	RoomNameRegex = regexp.MustCompile(`^consulta-[a-z0-9][a-z0-9_-]*$`)

	// IdentityRegex validates relay participant identities
	IdentityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

const (
	maxRoomNameLength        = 128
	maxParticipantNameLength = 64
)

// ValidateRoomName validates a canonical room name such as "consulta-ab12".
func ValidateRoomName(room string) error {
	if room == "" {
		return fmt.Errorf("room name is required")
	}
	if len(room) > maxRoomNameLength {
		return fmt.Errorf("room name is too long (max %d characters)", maxRoomNameLength)
	}
	if !RoomNameRegex.MatchString(room) {
		return fmt.Errorf("room name must look like consulta-<id> using lowercase letters, digits, _ or -")
	}
	return nil
}

// ValidateParticipantName validates the display name sent with a token request.
func ValidateParticipantName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("participant name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("participant name must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > maxParticipantNameLength {
		return fmt.Errorf("participant name is too long (max %d characters)", maxParticipantNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("participant name contains control characters")
		}
	}
	return nil
}

// ValidateIdentity validates a relay participant identity.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if len(identity) > maxParticipantNameLength {
		return fmt.Errorf("identity is too long (max %d characters)", maxParticipantNameLength)
	}
	if !IdentityRegex.MatchString(identity) {
		return fmt.Errorf("identity contains invalid characters")
	}
	return nil
}

// ValidateURL checks that raw is an absolute URL using one of the schemes.
func ValidateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	if len(schemes) == 0 {
		return nil
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("URL scheme must be one of %s", strings.Join(schemes, ", "))
}
