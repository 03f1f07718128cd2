// Package auth verifies connection-time bearer credentials.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medchart-labs/medchart/internal/domain"
)

// Connection rejection reasons. These are the only three ways admission can
// fail; they surface as connection-level errors, never as protocol events.
var (
	ErrMissingToken = errors.New("no credential supplied")
	ErrTokenExpired = errors.New("credential expired")
	ErrTokenInvalid = errors.New("credential invalid")
)

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(token string) (*domain.Principal, error)
}

// tokenClaims is the signed token payload.
type tokenClaims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	Email     string `json:"email"`
	ExpiresAt int64  `json:"exp"`
}

// HMACVerifier validates tokens of the form
// base64url(payload) "." base64url(hmac-sha256(payload)).
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewHMACVerifier creates a verifier for tokens signed with the given secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret, now: time.Now}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(token string) (*domain.Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("%w: malformed token", ErrTokenInvalid)
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrTokenInvalid)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrTokenInvalid)
	}

	if !hmac.Equal(sig, v.sign(payload)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload format", ErrTokenInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.ExpiresAt == 0 || v.now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &domain.Principal{
		UserID: claims.Subject,
		Role:   claims.Role,
		Email:  claims.Email,
	}, nil
}

// Issue mints a signed token for the given principal, valid for ttl.
// Used by tests and local tooling; production tokens come from the
// platform's credential service using the same format.
func (v *HMACVerifier) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(tokenClaims{
		Subject:   p.UserID,
		Role:      p.Role,
		Email:     p.Email,
		ExpiresAt: v.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(v.sign(payload)), nil
}

func (v *HMACVerifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
