// Package store is the durable side of session state: a Postgres
// implementation of core.SessionStore.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	meeting_id   TEXT PRIMARY KEY,
	channel_name TEXT NOT NULL,
	resource_id  TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	access_code  TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_resource
	ON sessions (resource_id) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS participants (
	meeting_id    TEXT NOT NULL REFERENCES sessions (meeting_id),
	user_id       TEXT NOT NULL,
	role          TEXT NOT NULL,
	transport_uid BIGINT NOT NULL,
	joined_at     TIMESTAMPTZ NOT NULL,
	left_at       TIMESTAMPTZ,
	status        TEXT NOT NULL,
	PRIMARY KEY (meeting_id, user_id)
);
`

// Postgres stores sessions and participant rows. The partial unique
// index on (resource_id) WHERE state='active' is what makes concurrent
// creates race-safe; a violation surfaces as ErrDuplicateSession.
type Postgres struct {
	db *sql.DB
}

var _ core.SessionStore = (*Postgres)(nil)

func New(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	log.Info().Str("module", "adapters.store").Msg("postgres session store ready")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) FindActiveByResource(ctx context.Context, resourceID domain.ResourceID) (*domain.Session, error) {
	query := `
		SELECT meeting_id, channel_name, resource_id, owner_id, state,
		       started_at, ended_at, access_code, expires_at
		FROM sessions
		WHERE resource_id = $1 AND state = $2
	`
	return p.querySession(ctx, query, resourceID, domain.StateActive)
}

func (p *Postgres) FindByMeetingID(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error) {
	query := `
		SELECT meeting_id, channel_name, resource_id, owner_id, state,
		       started_at, ended_at, access_code, expires_at
		FROM sessions
		WHERE meeting_id = $1
	`
	return p.querySession(ctx, query, meetingID)
}

func (p *Postgres) querySession(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	var s domain.Session
	err := p.db.QueryRowContext(ctx, query, args...).Scan(
		&s.MeetingID,
		&s.ChannelName,
		&s.ResourceID,
		&s.OwnerID,
		&s.State,
		&s.StartedAt,
		&s.EndedAt,
		&s.AccessCode,
		&s.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Not an error; no such session is a steady state.
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (p *Postgres) Create(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions
		(meeting_id, channel_name, resource_id, owner_id, state,
		 started_at, ended_at, access_code, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.db.ExecContext(ctx, query,
		s.MeetingID, s.ChannelName, s.ResourceID, s.OwnerID, s.State,
		s.StartedAt, s.EndedAt, s.AccessCode, s.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: resource %s", domain.ErrDuplicateSession, s.ResourceID)
		}
		return mapErr(err)
	}

	log.Info().Str("module", "adapters.store").Str("meeting", string(s.MeetingID)).
		Str("resource", string(s.ResourceID)).Msg("session row created")
	return nil
}

func (p *Postgres) MarkEnded(ctx context.Context, meetingID domain.MeetingID, endedAt time.Time) error {
	// Idempotent: a second call matches zero rows and that is fine.
	query := `
		UPDATE sessions
		SET state = $1, ended_at = $2
		WHERE meeting_id = $3 AND state = $4
	`
	_, err := p.db.ExecContext(ctx, query, domain.StateEnded, endedAt, meetingID, domain.StateActive)
	return mapErr(err)
}

func (p *Postgres) TouchExpiry(ctx context.Context, meetingID domain.MeetingID, expiresAt time.Time) error {
	query := `
		UPDATE sessions
		SET expires_at = $1
		WHERE meeting_id = $2 AND state = $3
	`
	_, err := p.db.ExecContext(ctx, query, expiresAt, meetingID, domain.StateActive)
	return mapErr(err)
}

func (p *Postgres) UpsertParticipant(ctx context.Context, meetingID domain.MeetingID, part domain.Participant) error {
	query := `
		INSERT INTO participants
		(meeting_id, user_id, role, transport_uid, joined_at, left_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (meeting_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			transport_uid = EXCLUDED.transport_uid,
			joined_at = EXCLUDED.joined_at,
			left_at = EXCLUDED.left_at,
			status = EXCLUDED.status
	`
	_, err := p.db.ExecContext(ctx, query,
		meetingID, part.UserID, part.Role, int64(part.TransportUID),
		part.JoinedAt, part.LeftAt, part.Status,
	)
	return mapErr(err)
}

func (p *Postgres) ListActiveParticipants(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error) {
	query := `
		SELECT user_id, role, transport_uid, joined_at, left_at, status
		FROM participants
		WHERE meeting_id = $1 AND status = $2
	`
	rows, err := p.db.QueryContext(ctx, query, meetingID, domain.StatusJoined)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var part domain.Participant
		var uid int64
		if err := rows.Scan(&part.UserID, &part.Role, &uid, &part.JoinedAt, &part.LeftAt, &part.Status); err != nil {
			return nil, mapErr(err)
		}
		part.TransportUID = uint32(uid)
		out = append(out, part)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) FindParticipant(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (*domain.Participant, error) {
	query := `
		SELECT user_id, role, transport_uid, joined_at, left_at, status
		FROM participants
		WHERE meeting_id = $1 AND user_id = $2
	`
	var part domain.Participant
	var uid int64
	err := p.db.QueryRowContext(ctx, query, meetingID, userID).Scan(
		&part.UserID, &part.Role, &uid, &part.JoinedAt, &part.LeftAt, &part.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	part.TransportUID = uint32(uid)
	return &part, nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]domain.Session, error) {
	query := `
		SELECT meeting_id, channel_name, resource_id, owner_id, state,
		       started_at, ended_at, access_code, expires_at
		FROM sessions
		WHERE state = $1 AND expires_at < $2
	`
	rows, err := p.db.QueryContext(ctx, query, domain.StateActive, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(
			&s.MeetingID, &s.ChannelName, &s.ResourceID, &s.OwnerID, &s.State,
			&s.StartedAt, &s.EndedAt, &s.AccessCode, &s.ExpiresAt,
		); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

// mapErr folds driver failures into the retryable taxonomy. Context
// deadlines become StoreTimeout, everything else StoreUnavailable;
// domain errors pass through untouched.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrStoreTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}
