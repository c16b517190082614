package broker

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError means the venue explicitly rejected the credential.
// Non-retryable; callers must not re-attempt with the same secret.
type AuthError struct {
	Venue  VenueKind
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth rejected: %s", e.Venue, e.Reason)
}

// TransportError wraps a timeout or connection failure. Retryable with
// backoff up to a small bound.
type TransportError struct {
	Venue VenueKind
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s transport error: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusinessError is a structured rejection from the venue (market closed,
// trade disabled, invalid volume). Non-retryable for the current tick.
type BusinessError struct {
	Venue   VenueKind
	Op      string
	Code    int
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s %s rejected (code %d): %s", e.Venue, e.Op, e.Code, e.Message)
}

// rejectionStrings are the explicit credential-rejection responses; any of
// these aborts endpoint fallback immediately.
var rejectionStrings = []string{
	"Invalid account",
	"Wrong password",
}

// IsCredentialRejection reports whether a raw venue message names an
// explicit credential rejection rather than a transient failure.
func IsCredentialRejection(msg string) bool {
	for _, s := range rejectionStrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err is (or wraps) a credential rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
