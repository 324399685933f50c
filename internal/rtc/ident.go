// Package rtc holds everything that must agree with the external
// real-time transport: identifier shape and credential issuance.
package rtc

import (
	"strings"

	"github.com/google/uuid"

	"github.com/liveclass/coordinator/internal/domain"
)

const (
	// fragLen bounds the resource/owner fragments so the disambiguator
	// suffix always survives truncation intact.
	fragLen = 12

	// disambiguator length; 12 hex chars of a uuid keeps distinct
	// (resource, owner) pairs apart even when their fragments collide.
	suffixLen = 12
)

// DeriveMeetingID produces the globally unique meeting identifier for a
// new session. Called exactly once per session; an existing session's
// id is never recomputed.
func DeriveMeetingID(resourceID domain.ResourceID, ownerID domain.UserID) domain.MeetingID {
	return domain.MeetingID(derive("m", resourceID, ownerID))
}

// DeriveChannelName produces the transport-level room identifier.
// Same construction as the meeting id with a different prefix, so the
// two never alias each other.
func DeriveChannelName(resourceID domain.ResourceID, ownerID domain.UserID) domain.ChannelName {
	return domain.ChannelName(derive("c", resourceID, ownerID))
}

func derive(prefix string, resourceID domain.ResourceID, ownerID domain.UserID) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	s := prefix + "-" + sanitize(string(resourceID)) + "-" + sanitize(string(ownerID)) + "-" + suffix

	// Truncation drops prefix characters, never the suffix; cutting the
	// disambiguator would reintroduce collisions.
	if len(s) > domain.MaxChannelNameLen {
		s = s[len(s)-domain.MaxChannelNameLen:]
	}
	return s
}

// sanitize maps an opaque external id onto the transport-legal charset
// [A-Za-z0-9_-] and bounds its length.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() == fragLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NewAccessCode returns a short human-shareable code for a session.
// Not an identifier; purely for out-of-band sharing.
func NewAccessCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:6]
}
