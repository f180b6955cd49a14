// Package auth is the identity gate for the chat server. It validates the
// opaque bearer token presented at connection time and turns it into a
// verified Identity before any chat traffic is processed. Token issuance
// (login) lives in the account service; this package only defines the
// verification side plus the minting helper the account service uses.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified participant behind a connection. It is immutable
// for the life of the connection: the hub uses it for the sender field of
// every message instead of anything the client supplies.
type Identity struct {
	ID   string // stable account identifier (JWT subject)
	Name string // display name shown to other participants
}

// Verifier admits or rejects a raw bearer token. Implementations must be
// safe for concurrent use; verification runs once per connection attempt,
// before the session is handed to the hub.
type Verifier interface {
	Verify(rawToken string) (Identity, error)
}

// Claims is the JWT payload minted at login and checked at admission.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// JWT verifies HMAC-SHA256 signed tokens against a shared secret.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWT creates a gate that accepts tokens signed with the given secret.
// The ttl is only used when minting.
func NewJWT(secret string, issuer string, ttl time.Duration) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Verify implements Verifier. An empty token is KindMissing, an expired one
// KindExpired, and everything else that fails to parse or validate is
// KindInvalid. Only HS256 is accepted.
func (j *JWT) Verify(rawToken string) (Identity, error) {
	if rawToken == "" {
		return Identity{}, &Error{Kind: KindMissing}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &Error{Kind: KindExpired, Err: err}
		}
		return Identity{}, &Error{Kind: KindInvalid, Err: err}
	}

	if claims.Subject == "" {
		return Identity{}, &Error{Kind: KindInvalid, Err: errors.New("empty subject")}
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{ID: claims.Subject, Name: name}, nil
}

// Mint signs a token for the given identity, valid for the configured ttl.
// Used by the account service after a successful login.
func (j *JWT) Mint(ident Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: ident.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
