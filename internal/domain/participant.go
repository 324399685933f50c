package domain

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleMember
}

type ParticipantStatus string

const (
	StatusJoined ParticipantStatus = "joined"
	StatusLeft   ParticipantStatus = "left"
)

// Participant is one user's membership in a session. TransportUID is
// the numeric handle the RTC transport requires; it stays stable per
// (session, user) while the row is live, and a rejoin reuses it.
type Participant struct {
	UserID       UserID            `json:"user_id"`
	Role         Role              `json:"role"`
	TransportUID uint32            `json:"transport_uid"`
	JoinedAt     time.Time         `json:"joined_at"`
	LeftAt       *time.Time        `json:"left_at,omitempty"`
	Status       ParticipantStatus `json:"status"`
}

// NewParticipant avoids raw literals in the coordinator and keeps
// construction obvious.
func NewParticipant(userID UserID, role Role, uid uint32, now time.Time) Participant {
	return Participant{
		UserID:       userID,
		Role:         role,
		TransportUID: uid,
		JoinedAt:     now,
		Status:       StatusJoined,
	}
}
