package core

import (
	"context"
	"time"

	"github.com/liveclass/coordinator/internal/domain"
)

// SessionStore is the durable side of session state; the source of
// truth across process restarts. Implementations provide their own
// atomicity for the one-active-session-per-resource constraint.
// Lookups return (nil, nil) when no row matches.
type SessionStore interface {
	FindActiveByResource(ctx context.Context, resourceID domain.ResourceID) (*domain.Session, error)
	FindByMeetingID(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error)

	// Create fails with domain.ErrDuplicateSession when another active
	// session for the same resource won the race.
	Create(ctx context.Context, s *domain.Session) error

	// MarkEnded is idempotent; ending an already-ended row is a no-op.
	MarkEnded(ctx context.Context, meetingID domain.MeetingID, endedAt time.Time) error

	// TouchExpiry pushes out the abandonment deadline on rejoin.
	TouchExpiry(ctx context.Context, meetingID domain.MeetingID, expiresAt time.Time) error

	// UpsertParticipant is idempotent on (meetingID, userID).
	UpsertParticipant(ctx context.Context, meetingID domain.MeetingID, p domain.Participant) error

	ListActiveParticipants(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error)

	// FindParticipant returns the user's roster row in any status;
	// rows outlive a leave so a rejoin can reuse the transport uid.
	FindParticipant(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (*domain.Participant, error)

	// ListExpired returns active sessions whose ExpiresAt is in the
	// past, for the reaper's force-end sweep.
	ListExpired(ctx context.Context, now time.Time) ([]domain.Session, error)
}

// ResourceAuthority answers ownership and enrollment questions for the
// scheduled resources sessions attach to. Consumed only; the CRUD
// behind it lives in another service.
type ResourceAuthority interface {
	IsOwner(ctx context.Context, resourceID domain.ResourceID, userID domain.UserID) (bool, error)
	IsEnrolled(ctx context.Context, resourceID domain.ResourceID, userID domain.UserID) (bool, error)

	// SessionEnded tells the authority the activity is no longer live.
	// Best effort; failures are logged, never propagated.
	SessionEnded(ctx context.Context, resourceID domain.ResourceID, meetingID domain.MeetingID) error
}

// Event is a fire-and-forget notification about a lifecycle change.
type Event struct {
	Kind      string            `json:"kind"`
	MeetingID domain.MeetingID  `json:"meeting_id"`
	Resource  domain.ResourceID `json:"resource_id,omitempty"`
	UserID    domain.UserID     `json:"user_id,omitempty"`
	At        time.Time         `json:"at"`
}

const (
	EventSessionStarted    = "session.started"
	EventSessionEnded      = "session.ended"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
)

// EventPublisher fans lifecycle events out to interested services.
// Never awaited on the critical path; implementations must not block
// lifecycle calls on broker health.
type EventPublisher interface {
	Publish(ev Event) error
}

// NopPublisher drops every event. Used when no broker is configured
// and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
