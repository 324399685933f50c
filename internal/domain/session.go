// Package domain contains entities without logic, just meta-data
package domain

import "time"

type (
	MeetingID   string
	ChannelName string
	ResourceID  string
	UserID      string
)

// MaxChannelNameLen is the transport's hard limit on channel identifiers.
const MaxChannelNameLen = 64

type SessionState string

const (
	StateActive SessionState = "active"
	StateEnded  SessionState = "ended"
)

// Session is one live room tied to a scheduled resource.
// MeetingID and ChannelName are assigned once at creation and never change.
type Session struct {
	MeetingID   MeetingID    `json:"meeting_id"`
	ChannelName ChannelName  `json:"channel_name"`
	ResourceID  ResourceID   `json:"resource_id"`
	OwnerID     UserID       `json:"owner_id"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	AccessCode  string       `json:"access_code,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Active reports whether the session is live at the given instant.
// A session past its ExpiresAt deadline counts as abandoned even if
// nothing has marked it ended yet.
func (s *Session) Active(now time.Time) bool {
	return s.State == StateActive && now.Before(s.ExpiresAt)
}

// Clone returns an independent copy so cache readers never share
// mutable state with the coordinator.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
