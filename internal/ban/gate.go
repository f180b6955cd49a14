package ban

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/parlor/chat-server/internal/auth"
)

var errBanned = errors.New("account banned")

// Gate decorates an identity verifier with a ban check. A valid token from a
// banned user is refused the same way an invalid one is; the ban reason never
// reaches the client. Redis errors fail open so a cache outage cannot lock
// everyone out.
type Gate struct {
	inner auth.Verifier
	store *Store
}

// NewGate wraps inner with a ban check against store.
func NewGate(inner auth.Verifier, store *Store) *Gate {
	return &Gate{inner: inner, store: store}
}

// Verify implements auth.Verifier.
func (g *Gate) Verify(rawToken string) (auth.Identity, error) {
	ident, err := g.inner.Verify(rawToken)
	if err != nil {
		return auth.Identity{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	banned, remaining, reason, err := g.store.IsBanned(ctx, ident.ID)
	if err != nil {
		log.Printf("ban: check failed for user=%s: %v (failing open)", ident.ID, err)
		return ident, nil
	}
	if banned {
		log.Printf("ban: refused user=%s reason=%q remaining=%ds", ident.ID, reason, remaining)
		return auth.Identity{}, &auth.Error{Kind: auth.KindInvalid, Err: errBanned}
	}

	return ident, nil
}
