package app

import (
	"context"
	"sync"
	"time"

	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/domain"
)

// memStore is an in-memory core.SessionStore for tests. It enforces
// the same one-active-session-per-resource constraint the real store's
// partial unique index provides.
type memStore struct {
	mu           sync.Mutex
	sessions     map[domain.MeetingID]*domain.Session
	participants map[domain.MeetingID]map[domain.UserID]domain.Participant

	// Failure injection.
	delay           time.Duration
	upsertErr       error
	beforeCreate    func()
	afterFindActive func()
}

var _ core.SessionStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[domain.MeetingID]*domain.Session),
		participants: make(map[domain.MeetingID]map[domain.UserID]domain.Participant),
	}
}

// wait simulates store latency while honoring the caller's deadline.
func (m *memStore) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memStore) FindActiveByResource(ctx context.Context, resourceID domain.ResourceID) (*domain.Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	var found *domain.Session
	for _, s := range m.sessions {
		if s.ResourceID == resourceID && s.State == domain.StateActive {
			found = s.Clone()
			break
		}
	}
	m.mu.Unlock()
	if m.afterFindActive != nil {
		m.afterFindActive()
	}
	return found, nil
}

func (m *memStore) FindByMeetingID(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[meetingID]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (m *memStore) Create(ctx context.Context, s *domain.Session) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ResourceID == s.ResourceID && existing.State == domain.StateActive {
			return domain.ErrDuplicateSession
		}
	}
	m.sessions[s.MeetingID] = s.Clone()
	m.participants[s.MeetingID] = make(map[domain.UserID]domain.Participant)
	return nil
}

func (m *memStore) MarkEnded(ctx context.Context, meetingID domain.MeetingID, endedAt time.Time) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[meetingID]
	if !ok || s.State == domain.StateEnded {
		return nil
	}
	s.State = domain.StateEnded
	t := endedAt
	s.EndedAt = &t
	return nil
}

func (m *memStore) TouchExpiry(ctx context.Context, meetingID domain.MeetingID, expiresAt time.Time) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[meetingID]; ok && s.State == domain.StateActive {
		s.ExpiresAt = expiresAt
	}
	return nil
}

func (m *memStore) UpsertParticipant(ctx context.Context, meetingID domain.MeetingID, p domain.Participant) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.participants[meetingID]
	if !ok {
		rows = make(map[domain.UserID]domain.Participant)
		m.participants[meetingID] = rows
	}
	rows[p.UserID] = p
	return nil
}

func (m *memStore) ListActiveParticipants(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.participants[meetingID] {
		if p.Status == domain.StatusJoined {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) FindParticipant(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (*domain.Participant, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[meetingID][userID]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.State == domain.StateActive && s.ExpiresAt.Before(now) {
			out = append(out, *s.Clone())
		}
	}
	return out, nil
}

func (m *memStore) activeCount(resourceID domain.ResourceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.ResourceID == resourceID && s.State == domain.StateActive {
			n++
		}
	}
	return n
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []core.Event
}

var _ core.EventPublisher = (*capturePublisher)(nil)

func (p *capturePublisher) Publish(ev core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) countKind(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// fakeAuthority is a configurable core.ResourceAuthority.
type fakeAuthority struct {
	mu       sync.Mutex
	owners   map[domain.ResourceID]domain.UserID
	enrolled map[string]bool // resource|user
	endedFor []domain.MeetingID
}

var _ core.ResourceAuthority = (*fakeAuthority)(nil)

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		owners:   make(map[domain.ResourceID]domain.UserID),
		enrolled: make(map[string]bool),
	}
}

func (a *fakeAuthority) setOwner(r domain.ResourceID, u domain.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owners[r] = u
}

func (a *fakeAuthority) enroll(r domain.ResourceID, u domain.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrolled[string(r)+"|"+string(u)] = true
}

func (a *fakeAuthority) IsOwner(_ context.Context, r domain.ResourceID, u domain.UserID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[r] == u, nil
}

func (a *fakeAuthority) IsEnrolled(_ context.Context, r domain.ResourceID, u domain.UserID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enrolled[string(r)+"|"+string(u)], nil
}

func (a *fakeAuthority) SessionEnded(_ context.Context, _ domain.ResourceID, m domain.MeetingID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endedFor = append(a.endedFor, m)
	return nil
}
