package rtc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/liveclass/coordinator/internal/domain"
)

// Transport uid range. Zero is reserved by the vendor and must never be
// issued.
const (
	MinTransportUID uint32 = 1
	MaxTransportUID uint32 = 1<<31 - 1
)

// Credential authorizes one participant to connect to one channel with
// one role until ExpiresAt (unix seconds).
type Credential struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Signer is the vendor token contract: the output must match the
// transport's verification byte-for-byte, so the real algorithm lives
// behind this interface.
type Signer interface {
	Sign(appID, appSecret string, channel domain.ChannelName, uid uint32, role domain.Role, expireUnix int64) (string, error)
}

// Issuer wraps the external signing capability with input validation
// and configuration checks. Stateless; safe for concurrent use. Each
// call yields a fresh, independently-expiring credential.
type Issuer struct {
	appID     string
	appSecret string
	signer    Signer
	now       func() time.Time
}

func NewIssuer(appID, appSecret string, signer Signer) *Issuer {
	if signer == nil {
		signer = HMACSigner{}
	}
	return &Issuer{appID: appID, appSecret: appSecret, signer: signer, now: time.Now}
}

func (i *Issuer) Issue(channel domain.ChannelName, uid uint32, role domain.Role, ttl time.Duration) (Credential, error) {
	if i.appID == "" || i.appSecret == "" {
		return Credential{}, domain.ErrCredentialConfig
	}
	if channel == "" {
		return Credential{}, fmt.Errorf("%w: empty channel", domain.ErrCredentialBuild)
	}
	if uid < MinTransportUID || uid > MaxTransportUID {
		return Credential{}, fmt.Errorf("%w: uid %d out of range", domain.ErrCredentialBuild, uid)
	}
	if ttl <= 0 {
		return Credential{}, fmt.Errorf("%w: non-positive ttl", domain.ErrCredentialBuild)
	}
	if !role.Valid() {
		return Credential{}, fmt.Errorf("%w: unknown role %q", domain.ErrCredentialBuild, role)
	}

	expire := i.now().Add(ttl).Unix()
	token, err := i.signer.Sign(i.appID, i.appSecret, channel, uid, role, expire)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", domain.ErrCredentialBuild, err)
	}
	return Credential{Token: token, ExpiresAt: expire}, nil
}

// HMACSigner is the built-in reference signer: HMAC-SHA256 over the
// canonical field order, base64url encoded with a version prefix.
// Swap in the vendor SDK's signer in deployments that need real
// transport verification.
type HMACSigner struct{}

func (HMACSigner) Sign(appID, appSecret string, channel domain.ChannelName, uid uint32, role domain.Role, expireUnix int64) (string, error) {
	msg := fmt.Sprintf("%s:%s:%d:%s:%d", appID, channel, uid, role, expireUnix)
	mac := hmac.New(sha256.New, []byte(appSecret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return "", err
	}
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return "001" + appID + ":" + sig, nil
}
