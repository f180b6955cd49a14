package auth

import "fmt"

// Kind classifies why admission was refused.
type Kind string

const (
	KindMissing Kind = "missing" // no token supplied with the connection attempt
	KindInvalid Kind = "invalid" // bad signature, malformed claims, wrong algorithm
	KindExpired Kind = "expired" // token was valid once but is past its expiry
)

// Error is returned by a Verifier when a token is rejected. Every admission
// failure is fatal to the connection attempt: the client has to reconnect
// with a fresh token, the server never retries verification.
type Error struct {
	Kind Kind
	Err  error // underlying cause, may be nil for KindMissing
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: token %s", e.Kind)
	}
	return fmt.Sprintf("auth: token %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the rejection kind from an error returned by Verify.
// Unknown errors are reported as KindInvalid.
func KindOf(err error) Kind {
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	return KindInvalid
}
