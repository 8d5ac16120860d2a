package domain

type ConnectionQuality string

const (
	QualityUnknown   ConnectionQuality = "unknown"
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

type Participant struct {
	Identity  string            `json:"identity"`
	IsLocal   bool              `json:"is_local"`
	HasCamera bool              `json:"has_camera"`
	HasMic    bool              `json:"has_mic"`
	Quality   ConnectionQuality `json:"connection_quality"`
}

// Transmitting reports whether the participant sends camera or microphone.
func (p Participant) Transmitting() bool {
	return p.HasCamera || p.HasMic
}

// PresenceStats is recomputed from the roster on every change.
type PresenceStats struct {
	HasRemote    bool `json:"has_remote"`
	Total        int  `json:"total"`
	Transmitting int  `json:"transmitting"`
}
