package mailer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMessageVanished means the referenced message disappeared between
// fetch and process. Terminal for the affected job, never retried.
var ErrMessageVanished = errors.New("message vanished from mailbox")

// ConnectivityError is a transport-level failure: dial, TLS, timeout,
// broken session. Retriable; drives the circuit breaker.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Connectivity wraps err as a ConnectivityError.
func Connectivity(op string, err error) error {
	return &ConnectivityError{Op: op, Err: err}
}

// AuthenticationError means the server rejected the credentials.
// Non-retriable for the current run; the account is skipped.
type AuthenticationError struct {
	Account string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Account, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is transport-level.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsAuthentication reports whether err is a credential rejection.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// looksLikeAuthFailure guesses whether an opaque SMTP error is a
// credential rejection. gomail does not type its errors, so this goes
// by the reply codes and words servers actually use.
func looksLikeAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"535", "534", "530", "auth", "username and password not accepted", "credentials"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
