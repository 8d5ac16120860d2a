package domain

import "time"

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

type NoticeCode string

const (
	CodeAutoplayBlocked    NoticeCode = "autoplay_blocked"
	CodeCaptureFailed      NoticeCode = "capture_failed"
	CodeTokenFailed        NoticeCode = "token_failed"
	CodePublishFailed      NoticeCode = "publish_failed"
	CodePublishPaused      NoticeCode = "publish_paused"
	CodeScreenShareFailed  NoticeCode = "screen_share_failed"
	CodeQualityDegraded    NoticeCode = "quality_degraded"
	CodeReconnecting       NoticeCode = "reconnecting"
	CodeReconnectAttempt   NoticeCode = "reconnect_attempt"
	CodeReconnectExhausted NoticeCode = "reconnect_exhausted"
	CodeSessionExpired     NoticeCode = "session_expired"
)

// Notice is the structured message the core hands to the surrounding
// application for display.
type Notice struct {
	ID       string     `json:"id"`
	Kind     NoticeKind `json:"kind"`
	Code     NoticeCode `json:"code"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	RoomName RoomName   `json:"room_name,omitempty"`
	Time     time.Time  `json:"time"`
}
