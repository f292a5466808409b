package main

import (
	"errors"
	"fmt"
)

// errNoAccountsAvailable means every configured account is currently marked
// unavailable, so there is nothing to dispatch to.
var errNoAccountsAvailable = errors.New("no accounts available")

// credentialError means an account's config is missing required cookie
// material. It is detected before any network traffic.
type credentialError struct {
	account int
	missing string
}

func (e *credentialError) Error() string {
	return fmt.Sprintf("account %d: missing %s", e.account, e.missing)
}

// tokenExchangeError covers failures of the getoxsrf signing-key exchange:
// transport errors, non-200 statuses, and unparseable key material. Accounts
// that hit it get marked unavailable.
type tokenExchangeError struct {
	account int
	status  int
	err     error
}

func (e *tokenExchangeError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("account %d: token exchange failed: status %d", e.account, e.status)
	}
	return fmt.Sprintf("account %d: token exchange failed: %v", e.account, e.err)
}

func (e *tokenExchangeError) Unwrap() error { return e.err }

// sessionCreationError covers widgetCreateSession failures. A 401 here is
// usually a misconfigured team id rather than a bad token, so the hint says
// that; the account is not marked unavailable.
type sessionCreationError struct {
	account int
	status  int
	err     error
	hint    string
}

func (e *sessionCreationError) Error() string {
	msg := fmt.Sprintf("account %d: session creation failed", e.account)
	if e.status != 0 {
		msg += fmt.Sprintf(": status %d", e.status)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	if e.hint != "" {
		msg += " (" + e.hint + ")"
	}
	return msg
}

func (e *sessionCreationError) Unwrap() error { return e.err }

// streamError covers widgetStreamAssist failures: transport errors and
// non-200 statuses with a bounded body excerpt.
type streamError struct {
	account int
	status  int
	body    string
	err     error
}

func (e *streamError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("account %d: chat request failed: status %d: %s", e.account, e.status, e.body)
	}
	return fmt.Sprintf("account %d: chat request failed: %v", e.account, e.err)
}

func (e *streamError) Unwrap() error { return e.err }

// allAccountsFailedError is returned when every dispatch attempt failed. It
// carries the error from the final attempt.
type allAccountsFailedError struct {
	attempts int
	last     error
}

func (e *allAccountsFailedError) Error() string {
	return fmt.Sprintf("all %d accounts failed, last error: %v", e.attempts, e.last)
}

func (e *allAccountsFailedError) Unwrap() error { return e.last }
