package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned when no credential has been configured
var ErrNoSession = errors.New("no session: run 'pulse login' first")

// Identity is the authenticated session: the user every stream is opened for
// and the bearer credential attached to every backend call.
type Identity struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Valid reports whether the identity can open streams
func (id Identity) Valid() bool {
	return id.UserID != "" && id.Token != ""
}

// Expired reports whether the token expiry has passed
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// FromToken builds an Identity from a bearer token. The signature is not
// verified here: the backend is the authority and rejects bad tokens. The
// claims are only read for the subject and expiry. An explicit userID wins
// over the token subject.
func FromToken(token, userID string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoSession
	}

	id := Identity{UserID: userID, Token: token}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque tokens are fine as long as the user id was given explicitly
		if userID == "" {
			return Identity{}, fmt.Errorf("token is not a JWT and no user id was given: %w", err)
		}
		return id, nil
	}

	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token has no subject and no user id was given")
	}
	return id, nil
}

// Source supplies the current session identity
type Source interface {
	Current() Identity
}

// Holder is a Source whose identity can be swapped at runtime, e.g. when the
// config file changes after 'pulse login'.
type Holder struct {
	mu       sync.RWMutex
	identity Identity
}

// NewHolder creates a holder with an initial identity
func NewHolder(id Identity) *Holder {
	return &Holder{identity: id}
}

// Current implements Source
func (h *Holder) Current() Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identity
}

// Set replaces the identity and reports whether the user changed
func (h *Holder) Set(id Identity) (userChanged bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userChanged = h.identity.UserID != id.UserID
	h.identity = id
	return userChanged
}

// Static is a fixed Source, mostly for tests
type Static Identity

// Current implements Source
func (s Static) Current() Identity {
	return Identity(s)
}
