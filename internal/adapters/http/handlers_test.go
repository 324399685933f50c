package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liveclass/coordinator/internal/app"
	"github.com/liveclass/coordinator/internal/config"
	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/domain"
	"github.com/liveclass/coordinator/internal/rtc"
)

// testStore is a minimal in-memory core.SessionStore for handler tests.
type testStore struct {
	mu           sync.Mutex
	sessions     map[domain.MeetingID]*domain.Session
	participants map[domain.MeetingID]map[domain.UserID]domain.Participant
	delay        time.Duration
}

func newTestStore() *testStore {
	return &testStore{
		sessions:     make(map[domain.MeetingID]*domain.Session),
		participants: make(map[domain.MeetingID]map[domain.UserID]domain.Participant),
	}
}

func (s *testStore) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *testStore) FindActiveByResource(ctx context.Context, r domain.ResourceID) (*domain.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ResourceID == r && sess.State == domain.StateActive {
			return sess.Clone(), nil
		}
	}
	return nil, nil
}

func (s *testStore) FindByMeetingID(ctx context.Context, m domain.MeetingID) (*domain.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[m]; ok {
		return sess.Clone(), nil
	}
	return nil, nil
}

func (s *testStore) Create(ctx context.Context, sess *domain.Session) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ResourceID == sess.ResourceID && existing.State == domain.StateActive {
			return domain.ErrDuplicateSession
		}
	}
	s.sessions[sess.MeetingID] = sess.Clone()
	s.participants[sess.MeetingID] = make(map[domain.UserID]domain.Participant)
	return nil
}

func (s *testStore) MarkEnded(ctx context.Context, m domain.MeetingID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[m]; ok && sess.State == domain.StateActive {
		sess.State = domain.StateEnded
		t := at
		sess.EndedAt = &t
	}
	return nil
}

func (s *testStore) TouchExpiry(ctx context.Context, m domain.MeetingID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[m]; ok {
		sess.ExpiresAt = at
	}
	return nil
}

func (s *testStore) UpsertParticipant(ctx context.Context, m domain.MeetingID, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rows, ok := s.participants[m]; ok {
		rows[p.UserID] = p
	}
	return nil
}

func (s *testStore) ListActiveParticipants(ctx context.Context, m domain.MeetingID) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Participant
	for _, p := range s.participants[m] {
		if p.Status == domain.StatusJoined {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *testStore) FindParticipant(ctx context.Context, m domain.MeetingID, u domain.UserID) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[m][u]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *testStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Session, error) {
	return nil, nil
}

// testAuthority: t1 owns r1, s1 is enrolled.
type testAuthority struct{}

func (testAuthority) IsOwner(_ context.Context, r domain.ResourceID, u domain.UserID) (bool, error) {
	return r == "r1" && u == "t1", nil
}

func (testAuthority) IsEnrolled(_ context.Context, r domain.ResourceID, u domain.UserID) (bool, error) {
	return r == "r1" && u == "s1", nil
}

func (testAuthority) SessionEnded(context.Context, domain.ResourceID, domain.MeetingID) error {
	return nil
}

func newTestRouter(store core.SessionStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	coord := app.NewCoordinator(store, app.NewSessionCache(),
		rtc.NewIssuer("app-id", "app-secret", nil), testAuthority{}, nil, app.Options{
			StoreTimeout: 50 * time.Millisecond,
		})
	return SetupRouter(&config.Config{Mode: "test"}, coord)
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartEndpoint(t *testing.T) {
	r := newTestRouter(newTestStore())

	w := doJSON(t, r, http.MethodPost, "/api/sessions/start", `{"resource_id":"r1","owner_id":"t1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}

	var res app.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if res.MeetingID == "" || res.ChannelName == "" || res.Credential.Token == "" {
		t.Fatalf("incomplete start response: %+v", res)
	}
}

func TestStartValidatesBody(t *testing.T) {
	r := newTestRouter(newTestStore())

	w := doJSON(t, r, http.MethodPost, "/api/sessions/start", `{"resource_id":"r1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartNotOwner(t *testing.T) {
	r := newTestRouter(newTestStore())

	w := doJSON(t, r, http.MethodPost, "/api/sessions/start", `{"resource_id":"r1","owner_id":"s1"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body)
	}
}

func TestJoinUnknownMeeting(t *testing.T) {
	r := newTestRouter(newTestStore())

	w := doJSON(t, r, http.MethodPost, "/api/sessions/nope/join", `{"user_id":"s1","role":"member"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body)
	}
}

func TestJoinAndEndFlow(t *testing.T) {
	r := newTestRouter(newTestStore())

	w := doJSON(t, r, http.MethodPost, "/api/sessions/start", `{"resource_id":"r1","owner_id":"t1"}`)
	var start app.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &start); err != nil {
		t.Fatalf("bad start body: %v", err)
	}
	base := "/api/sessions/" + string(start.MeetingID)

	w = doJSON(t, r, http.MethodPost, base+"/join", `{"user_id":"s1","role":"member"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", w.Code, w.Body)
	}
	var join app.JoinResult
	if err := json.Unmarshal(w.Body.Bytes(), &join); err != nil {
		t.Fatalf("bad join body: %v", err)
	}
	if join.ChannelName != start.ChannelName || join.ParticipantCount != 2 || !join.OwnerPresent {
		t.Fatalf("unexpected join result: %+v", join)
	}

	// A student cannot end the room.
	w = doJSON(t, r, http.MethodPost, base+"/end", `{"requester_id":"s1"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("end by member: expected 403, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, base+"/end", `{"requester_id":"t1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("end by owner: expected 200, got %d: %s", w.Code, w.Body)
	}

	req := httptest.NewRequest(http.MethodGet, base+"/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var st app.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if !st.Exists || st.Active {
		t.Fatalf("expected ended status, got %+v", st)
	}
}

func TestStatusUnknownMeetingIsOK(t *testing.T) {
	r := newTestRouter(newTestStore())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/ghost/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status must not fail, got %d", rec.Code)
	}
	var st app.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if st.Exists {
		t.Fatalf("unknown meeting should not exist: %+v", st)
	}
}

func TestStoreOutageIsRetryable(t *testing.T) {
	store := newTestStore()
	store.delay = 500 * time.Millisecond
	r := newTestRouter(store)

	w := doJSON(t, r, http.MethodPost, "/api/sessions/start", `{"resource_id":"r1","owner_id":"t1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After hint")
	}
}
