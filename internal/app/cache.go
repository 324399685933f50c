package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/domain"
)

type cacheEntry struct {
	session      *domain.Session
	roster       map[domain.UserID]domain.Participant
	createdAt    time.Time
	lastActivity time.Time
}

// SessionCache is the in-process table of live sessions keyed by
// meeting id. Authoritative for low-latency reads, lossy across
// restarts; the durable store always wins a disagreement.
// Constructed once per process and only ever mutated through the
// coordinator, never a package-level map.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[domain.MeetingID]*cacheEntry
	now     func() time.Time
}

func NewSessionCache() *SessionCache {
	return &SessionCache{
		entries: make(map[domain.MeetingID]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached session and refreshes the entry's
// last-activity stamp.
func (c *SessionCache) Get(meetingID domain.MeetingID) (*domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return nil, false
	}
	e.lastActivity = c.now()
	return e.session.Clone(), true
}

// Put hydrates or overwrites an entry; last writer wins. An existing
// roster survives a Put so a store-driven refresh does not drop
// presence state.
func (c *SessionCache) Put(meetingID domain.MeetingID, s *domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[meetingID]; ok {
		e.session = s.Clone()
		e.lastActivity = now
		return
	}
	c.entries[meetingID] = &cacheEntry{
		session:      s.Clone(),
		roster:       make(map[domain.UserID]domain.Participant),
		createdAt:    now,
		lastActivity: now,
	}
}

func (c *SessionCache) AddParticipant(meetingID domain.MeetingID, p domain.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return
	}
	e.roster[p.UserID] = p
	e.lastActivity = c.now()
	log.Debug().Str("module", "app.cache").Str("meeting", string(meetingID)).Str("user", string(p.UserID)).Msg("participant added")
}

func (c *SessionCache) RemoveParticipant(meetingID domain.MeetingID, userID domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return
	}
	delete(e.roster, userID)
	e.lastActivity = c.now()
	log.Debug().Str("module", "app.cache").Str("meeting", string(meetingID)).Str("user", string(userID)).Msg("participant removed")
}

// Participant returns the live roster row for a user, if any.
func (c *SessionCache) Participant(meetingID domain.MeetingID, userID domain.UserID) (domain.Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return domain.Participant{}, false
	}
	p, ok := e.roster[userID]
	return p, ok
}

// Roster returns a snapshot of the currently joined participants.
func (c *SessionCache) Roster(meetingID domain.MeetingID) []domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return nil
	}
	out := make([]domain.Participant, 0, len(e.roster))
	for _, p := range e.roster {
		out = append(out, p)
	}
	return out
}

// MarkEnded flips the cached state without evicting; the reaper picks
// ended entries up on its next sweep.
func (c *SessionCache) MarkEnded(meetingID domain.MeetingID, endedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[meetingID]
	if !ok {
		return
	}
	e.session.State = domain.StateEnded
	t := endedAt
	e.session.EndedAt = &t
}

// SetChannelName corrects a cached channel from the durable record.
// Reconciliation only ever flows store → cache.
func (c *SessionCache) SetChannelName(meetingID domain.MeetingID, ch domain.ChannelName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[meetingID]
	if !ok || e.session.ChannelName == ch {
		return
	}
	log.Warn().Str("module", "app.cache").Str("meeting", string(meetingID)).
		Str("cached", string(e.session.ChannelName)).Str("store", string(ch)).
		Msg("channel name drift corrected from store")
	e.session.ChannelName = ch
}

func (c *SessionCache) ListActive() []*domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Session, 0, len(c.entries))
	for _, e := range c.entries {
		if e.session.State == domain.StateActive {
			out = append(out, e.session.Clone())
		}
	}
	return out
}

func (c *SessionCache) Evict(meetingID domain.MeetingID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, meetingID)
	log.Debug().Str("module", "app.cache").Str("meeting", string(meetingID)).Msg("entry evicted")
}

// EvictStale removes entries that are ended or have outlived maxAge.
// maxAge bounds cache residency only, not session validity; an evicted
// active session simply rehydrates from the store on next touch.
// Returns the evicted meeting ids.
func (c *SessionCache) EvictStale(maxAge time.Duration) []domain.MeetingID {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var evicted []domain.MeetingID
	for id, e := range c.entries {
		if e.session.State == domain.StateEnded || now.Sub(e.createdAt) > maxAge {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
