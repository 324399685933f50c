package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/domain"
	"github.com/liveclass/coordinator/internal/rtc"
)

// maxUIDAttempts bounds the rejection-sampling loop for transport uid
// allocation. The space is 2^31, so hitting this means something is
// deeply wrong; the loop must still terminate.
const maxUIDAttempts = 16

// Options tune the coordinator's deadlines. Zero values fall back to
// defaults.
type Options struct {
	// SessionTTL is the abandonment horizon stamped into ExpiresAt at
	// create and refreshed on owner rejoin.
	SessionTTL time.Duration

	// CredentialTTL bounds every issued token.
	CredentialTTL time.Duration

	// StoreTimeout bounds each durable-store call.
	StoreTimeout time.Duration
}

func (o *Options) defaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 2 * time.Hour
	}
	if o.CredentialTTL <= 0 {
		o.CredentialTTL = time.Hour
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
}

type StartResult struct {
	MeetingID    domain.MeetingID   `json:"meeting_id"`
	ChannelName  domain.ChannelName `json:"channel_name"`
	AccessCode   string             `json:"access_code,omitempty"`
	TransportUID uint32             `json:"transport_uid"`
	Credential   rtc.Credential     `json:"credential"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

type JoinResult struct {
	ChannelName      domain.ChannelName `json:"channel_name"`
	TransportUID     uint32             `json:"transport_uid"`
	Credential       rtc.Credential     `json:"credential"`
	ParticipantCount int                `json:"participant_count"`
	OwnerPresent     bool               `json:"owner_present"`
}

type Status struct {
	Exists           bool `json:"exists"`
	Active           bool `json:"active"`
	OwnerPresent     bool `json:"owner_present"`
	ParticipantCount int  `json:"participant_count"`
}

// Coordinator owns the session state machine. It is the only writer of
// session and participant state; cache and store are passive holders it
// reads and writes through one code path. All mutations for a single
// meeting id run under a per-key lock.
type Coordinator struct {
	store     core.SessionStore
	cache     *SessionCache
	issuer    *rtc.Issuer
	authority core.ResourceAuthority
	events    core.EventPublisher
	opts      Options

	keys *keyedMutex
	now  func() time.Time
	uid  func() uint32
}

func NewCoordinator(
	store core.SessionStore,
	cache *SessionCache,
	issuer *rtc.Issuer,
	authority core.ResourceAuthority,
	events core.EventPublisher,
	opts Options,
) *Coordinator {
	opts.defaults()
	if events == nil {
		events = core.NopPublisher{}
	}
	return &Coordinator{
		store:     store,
		cache:     cache,
		issuer:    issuer,
		authority: authority,
		events:    events,
		opts:      opts,
		keys:      newKeyedMutex(),
		now:       time.Now,
		uid:       func() uint32 { return rand.Uint32N(rtc.MaxTransportUID) + rtc.MinTransportUID },
	}
}

// errSessionSuperseded reports that End closed the session between the
// resource-level lookup and the meeting-level critical section.
var errSessionSuperseded = errors.New("session ended during rejoin")

// Start creates the resource's live session, or rejoins the existing
// one: while a session is active for a resource a second Start returns
// the same meeting id and channel name, never a second room.
func (c *Coordinator) Start(ctx context.Context, resourceID domain.ResourceID, ownerID domain.UserID) (*StartResult, error) {
	ok, err := c.authority.IsOwner(ctx, resourceID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("owner check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s does not own resource %s", domain.ErrNotAuthorized, ownerID, resourceID)
	}

	unlock := c.keys.lock("res|" + string(resourceID))
	defer unlock()

	// The resource lock serializes Starts, but End runs under the
	// meeting key only. When a rejoin loses that race the ended
	// session is discarded and a fresh one is started.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := c.startLocked(ctx, resourceID, ownerID)
		if errors.Is(err, errSessionSuperseded) {
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("%w: session kept ending during start", domain.ErrStoreUnavailable)
}

// startLocked runs one Start attempt. Caller holds the resource key;
// the resource key is always taken before the meeting key, never the
// other way around.
func (c *Coordinator) startLocked(ctx context.Context, resourceID domain.ResourceID, ownerID domain.UserID) (*StartResult, error) {
	now := c.now()
	existing, err := c.findActiveByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active(now) {
		return c.rejoinOwner(ctx, existing)
	}

	s := &domain.Session{
		MeetingID:   rtc.DeriveMeetingID(resourceID, ownerID),
		ChannelName: rtc.DeriveChannelName(resourceID, ownerID),
		ResourceID:  resourceID,
		OwnerID:     ownerID,
		State:       domain.StateActive,
		StartedAt:   now,
		AccessCode:  rtc.NewAccessCode(),
		ExpiresAt:   now.Add(c.opts.SessionTTL),
	}

	if err := c.createSession(ctx, s); err != nil {
		if !errors.Is(err, domain.ErrDuplicateSession) {
			return nil, err
		}
		// Someone else just created it; fall back to rejoin.
		existing, ferr := c.findActiveByResource(ctx, resourceID)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: lost create race and no active session found", domain.ErrStoreUnavailable)
		}
		return c.rejoinOwner(ctx, existing)
	}

	// The meeting id is reachable through the store once the durable
	// create succeeded, so cache hydration and owner admission take
	// the meeting key like every other mutation.
	unlockMeet := c.keys.lock("meet|" + string(s.MeetingID))
	defer unlockMeet()
	c.cache.Put(s.MeetingID, s)

	res, err := c.admitOwner(ctx, s)
	if err != nil {
		return nil, err
	}

	log.Info().Str("module", "app.coordinator").Str("meeting", string(s.MeetingID)).
		Str("resource", string(resourceID)).Str("owner", string(ownerID)).Msg("session started")
	c.publish(core.Event{Kind: core.EventSessionStarted, MeetingID: s.MeetingID, Resource: resourceID, UserID: ownerID, At: now})
	return res, nil
}

// rejoinOwner reuses the existing session untouched except for its
// abandonment deadline. MeetingID and ChannelName are never
// regenerated for a live session.
func (c *Coordinator) rejoinOwner(ctx context.Context, s *domain.Session) (*StartResult, error) {
	unlockMeet := c.keys.lock("meet|" + string(s.MeetingID))
	defer unlockMeet()

	// End may have closed the session since the resource lookup. The
	// store is authoritative; an ended session must never come back
	// through the cache.
	stored, err := c.findByMeetingID(ctx, s.MeetingID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.State != domain.StateActive {
		return nil, errSessionSuperseded
	}
	s = stored

	now := c.now()
	s.ExpiresAt = now.Add(c.opts.SessionTTL)

	// Deadline refresh is presence-grade bookkeeping: attempted once,
	// logged on failure, never fails the rejoin.
	if err := c.storeCall(ctx, func(ctx context.Context) error {
		return c.store.TouchExpiry(ctx, s.MeetingID, s.ExpiresAt)
	}); err != nil {
		log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(s.MeetingID)).Msg("expiry refresh failed")
	}

	c.cache.Put(s.MeetingID, s)

	res, err := c.admitOwner(ctx, s)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.coordinator").Str("meeting", string(s.MeetingID)).Msg("owner rejoined existing session")
	return res, nil
}

// admitOwner allocates or reuses the owner's transport uid, records
// presence and issues the owner credential.
func (c *Coordinator) admitOwner(ctx context.Context, s *domain.Session) (*StartResult, error) {
	uid, err := c.resolveUID(ctx, s.MeetingID, s.OwnerID)
	if err != nil {
		return nil, err
	}

	cred, err := c.issuer.Issue(s.ChannelName, uid, domain.RoleOwner, c.opts.CredentialTTL)
	if err != nil {
		return nil, err
	}

	c.recordPresence(ctx, s.MeetingID, domain.NewParticipant(s.OwnerID, domain.RoleOwner, uid, c.now()))

	return &StartResult{
		MeetingID:    s.MeetingID,
		ChannelName:  s.ChannelName,
		AccessCode:   s.AccessCode,
		TransportUID: uid,
		Credential:   cred,
		ExpiresAt:    s.ExpiresAt,
	}, nil
}

// Join admits a participant to a live session and returns a connect
// credential. Idempotent per (meeting, user): a rejoin updates the
// existing row and reuses its transport uid.
func (c *Coordinator) Join(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, role domain.Role) (*JoinResult, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrCredentialBuild, role)
	}

	unlock := c.keys.lock("meet|" + string(meetingID))
	defer unlock()

	s, err := c.resolveLive(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	switch {
	case userID == s.OwnerID:
		role = domain.RoleOwner
	case role == domain.RoleOwner:
		return nil, fmt.Errorf("%w: %s is not the session owner", domain.ErrNotAuthorized, userID)
	default:
		ok, aerr := c.authority.IsEnrolled(ctx, s.ResourceID, userID)
		if aerr != nil {
			return nil, fmt.Errorf("enrollment check: %w", aerr)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is not enrolled for resource %s", domain.ErrNotAuthorized, userID, s.ResourceID)
		}
	}

	uid, err := c.resolveUID(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}

	// Credential issuance is the hard part of the call; presence
	// bookkeeping below is best effort.
	cred, err := c.issuer.Issue(s.ChannelName, uid, role, c.opts.CredentialTTL)
	if err != nil {
		return nil, err
	}

	c.recordPresence(ctx, meetingID, domain.NewParticipant(userID, role, uid, c.now()))
	c.publish(core.Event{Kind: core.EventParticipantJoined, MeetingID: meetingID, Resource: s.ResourceID, UserID: userID, At: c.now()})

	roster := c.cache.Roster(meetingID)
	return &JoinResult{
		ChannelName:      s.ChannelName,
		TransportUID:     uid,
		Credential:       cred,
		ParticipantCount: len(roster),
		OwnerPresent:     c.ownerPresent(roster, s.OwnerID),
	}, nil
}

// Leave drops a participant from the roster. Owner departure ends the
// room; there is no transfer of ownership.
func (c *Coordinator) Leave(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error {
	unlock := c.keys.lock("meet|" + string(meetingID))
	defer unlock()

	s, err := c.resolveAny(ctx, meetingID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, meetingID)
	}

	now := c.now()
	p, joined := c.cache.Participant(meetingID, userID)
	c.cache.RemoveParticipant(meetingID, userID)

	if joined {
		p.Status = domain.StatusLeft
		p.LeftAt = &now
		if err := c.storeCall(ctx, func(ctx context.Context) error {
			return c.store.UpsertParticipant(ctx, meetingID, p)
		}); err != nil {
			log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(meetingID)).
				Str("user", string(userID)).Msg("participant leave write failed")
		}
		c.publish(core.Event{Kind: core.EventParticipantLeft, MeetingID: meetingID, Resource: s.ResourceID, UserID: userID, At: now})
	}

	if userID == s.OwnerID && s.State == domain.StateActive {
		return c.endLocked(ctx, s)
	}
	return nil
}

// End closes the session. Only the owner may end it; ending an ended
// session succeeds without side effects.
func (c *Coordinator) End(ctx context.Context, meetingID domain.MeetingID, requesterID domain.UserID) error {
	unlock := c.keys.lock("meet|" + string(meetingID))
	defer unlock()

	s, err := c.resolveAny(ctx, meetingID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, meetingID)
	}
	if requesterID != s.OwnerID {
		return fmt.Errorf("%w: %s is not the owner of %s", domain.ErrNotAuthorized, requesterID, meetingID)
	}
	if s.State == domain.StateEnded {
		return nil
	}
	return c.endLocked(ctx, s)
}

// endLocked performs the Active→Ended transition. Caller holds the
// meeting key lock. The durable write happens first; the cache is only
// touched once the store accepted the transition.
func (c *Coordinator) endLocked(ctx context.Context, s *domain.Session) error {
	now := c.now()
	if err := c.storeCall(ctx, func(ctx context.Context) error {
		return c.store.MarkEnded(ctx, s.MeetingID, now)
	}); err != nil {
		return err
	}

	c.cache.MarkEnded(s.MeetingID, now)

	log.Info().Str("module", "app.coordinator").Str("meeting", string(s.MeetingID)).Msg("session ended")
	c.publish(core.Event{Kind: core.EventSessionEnded, MeetingID: s.MeetingID, Resource: s.ResourceID, At: now})

	// The resource authority learns the activity is no longer live off
	// the critical path.
	go func(resourceID domain.ResourceID, meetingID domain.MeetingID) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
		defer cancel()
		if err := c.authority.SessionEnded(ctx, resourceID, meetingID); err != nil {
			log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(meetingID)).Msg("resource authority notify failed")
		}
	}(s.ResourceID, s.MeetingID)

	return nil
}

// GetStatus answers the read-only occupancy query. It never fails: an
// unknown meeting is a steady "does not exist" state, and a cold cache
// rehydrates from a live store record without creating anything.
func (c *Coordinator) GetStatus(ctx context.Context, meetingID domain.MeetingID) Status {
	unlock := c.keys.lock("meet|" + string(meetingID))
	defer unlock()

	s, ok := c.cache.Get(meetingID)
	if !ok {
		stored, err := c.findByMeetingID(ctx, meetingID)
		if err != nil || stored == nil {
			if err != nil {
				log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(meetingID)).Msg("status store lookup failed")
			}
			return Status{}
		}
		s = stored
		if s.Active(c.now()) {
			c.hydrate(ctx, s)
		}
	}

	roster := c.cache.Roster(meetingID)
	return Status{
		Exists:           true,
		Active:           s.Active(c.now()),
		OwnerPresent:     c.ownerPresent(roster, s.OwnerID),
		ParticipantCount: len(roster),
	}
}

// resolveLive returns the session if it is live, hydrating the cache
// from the store on a miss. Ended and expired sessions surface as
// ErrSessionNotFound.
func (c *Coordinator) resolveLive(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error) {
	s, err := c.resolveAny(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.Active(c.now()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, meetingID)
	}
	return s, nil
}

// resolveAny is the single cache-then-store read path. Nothing else in
// the repo reads session state around it.
func (c *Coordinator) resolveAny(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error) {
	if s, ok := c.cache.Get(meetingID); ok {
		return s, nil
	}
	s, err := c.findByMeetingID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if s.Active(c.now()) {
		c.hydrate(ctx, s)
	}
	return s, nil
}

// hydrate installs a store record into the cache, including the roster
// of still-joined participants so presence survives a restart. The
// store's channel name is authoritative if a stale entry disagrees.
func (c *Coordinator) hydrate(ctx context.Context, s *domain.Session) {
	c.cache.Put(s.MeetingID, s)
	c.cache.SetChannelName(s.MeetingID, s.ChannelName)

	rows, err := c.listActiveParticipants(ctx, s.MeetingID)
	if err != nil {
		log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(s.MeetingID)).Msg("roster hydration failed")
		return
	}
	for _, p := range rows {
		c.cache.AddParticipant(s.MeetingID, p)
	}
}

// resolveUID reuses the transport uid of an existing live row for this
// user, otherwise allocates one unique within the session's current
// set. Bounded sampling; returns ErrUIDExhausted rather than spinning.
func (c *Coordinator) resolveUID(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (uint32, error) {
	if p, ok := c.cache.Participant(meetingID, userID); ok {
		return p.TransportUID, nil
	}

	// Roster rows are never deleted, so a user who left keeps their uid
	// for the rejoin. A store failure here cannot silently mint a
	// fresh uid: the caller surfaces it as retryable instead.
	row, err := c.findParticipant(ctx, meetingID, userID)
	if err != nil {
		return 0, fmt.Errorf("uid lookup: %w", err)
	}
	if row != nil && row.TransportUID >= rtc.MinTransportUID {
		return row.TransportUID, nil
	}

	taken := make(map[uint32]bool)
	for _, p := range c.cache.Roster(meetingID) {
		taken[p.TransportUID] = true
	}
	rows, err := c.listActiveParticipants(ctx, meetingID)
	if err != nil {
		return 0, fmt.Errorf("uid roster listing: %w", err)
	}
	for _, p := range rows {
		taken[p.TransportUID] = true
	}

	for i := 0; i < maxUIDAttempts; i++ {
		uid := c.uid()
		if uid >= rtc.MinTransportUID && uid <= rtc.MaxTransportUID && !taken[uid] {
			return uid, nil
		}
	}
	return 0, domain.ErrUIDExhausted
}

// recordPresence updates the roster in cache and attempts the durable
// write once. Presence is best effort; the durable failure is logged
// and the call proceeds.
func (c *Coordinator) recordPresence(ctx context.Context, meetingID domain.MeetingID, p domain.Participant) {
	c.cache.AddParticipant(meetingID, p)
	if err := c.storeCall(ctx, func(ctx context.Context) error {
		return c.store.UpsertParticipant(ctx, meetingID, p)
	}); err != nil {
		log.Warn().Str("module", "app.coordinator").Err(err).Str("meeting", string(meetingID)).
			Str("user", string(p.UserID)).Msg("participant upsert failed")
	}
}

func (c *Coordinator) ownerPresent(roster []domain.Participant, ownerID domain.UserID) bool {
	for _, p := range roster {
		if p.UserID == ownerID && p.Status == domain.StatusJoined {
			return true
		}
	}
	return false
}

func (c *Coordinator) publish(ev core.Event) {
	go func() {
		if err := c.events.Publish(ev); err != nil {
			log.Warn().Str("module", "app.coordinator").Err(err).Str("kind", ev.Kind).Msg("event publish failed")
		}
	}()
}

// storeCall bounds a durable-store operation with the configured
// timeout and maps deadline hits onto the retryable taxonomy.
func (c *Coordinator) storeCall(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	err := fn(ctx)
	return mapStoreErr(err)
}

func (c *Coordinator) findActiveByResource(ctx context.Context, resourceID domain.ResourceID) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	s, err := c.store.FindActiveByResource(ctx, resourceID)
	return s, mapStoreErr(err)
}

func (c *Coordinator) findByMeetingID(ctx context.Context, meetingID domain.MeetingID) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	s, err := c.store.FindByMeetingID(ctx, meetingID)
	return s, mapStoreErr(err)
}

func (c *Coordinator) createSession(ctx context.Context, s *domain.Session) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	return mapStoreErr(c.store.Create(ctx, s))
}

func (c *Coordinator) findParticipant(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (*domain.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	p, err := c.store.FindParticipant(ctx, meetingID, userID)
	return p, mapStoreErr(err)
}

func (c *Coordinator) listActiveParticipants(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	rows, err := c.store.ListActiveParticipants(ctx, meetingID)
	return rows, mapStoreErr(err)
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrStoreTimeout, err)
	default:
		return err
	}
}
