package domain

// PreviewStatus describes the always-on local preview.
type PreviewStatus struct {
	Active          bool   `json:"active"`
	Processed       bool   `json:"processed"`
	SourceID        string `json:"source_id,omitempty"`
	Playing         bool   `json:"playing"`
	AutoplayBlocked bool   `json:"autoplay_blocked"`
	Error           string `json:"error,omitempty"`
}
