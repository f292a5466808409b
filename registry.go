package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Account holds one configured credential set. Fields are read-only after
// load; mutable state lives in accountState.
type Account struct {
	Index      int
	TeamID     string
	SecureCSes string
	HostCOses  string
	Csesidx    string
	UserAgent  string
}

type accountState struct {
	token       string
	tokenMinted time.Time
	session     string // full upstream resource name, cached until restart

	available bool
	reason    string
	since     time.Time
}

// authChannel is a ready-to-use credential set for one upstream call.
type authChannel struct {
	account *Account
	token   string
	session string
}

// credentialBackend is the network surface ensureReady depends on.
type credentialBackend interface {
	FetchTokenMaterial(ctx context.Context, acc *Account) (keyID string, key []byte, err error)
	CreateSession(ctx context.Context, token string, acc *Account, sessionID string) (string, error)
}

// accountView is a read-only snapshot for status and admin endpoints.
type accountView struct {
	Index             int       `json:"index"`
	TeamID            string    `json:"team_id"`
	Csesidx           string    `json:"csesidx"`
	Available         bool      `json:"available"`
	UnavailableReason string    `json:"unavailable_reason,omitempty"`
	UnavailableSince  time.Time `json:"unavailable_since,omitzero"`
	HasToken          bool      `json:"has_token"`
	HasSession        bool      `json:"has_session"`
}

// registry owns the account pool: round-robin cursor, availability, and the
// cached token and session per account. One mutex covers all of it, so token
// refresh and session creation are serialized process-wide. That keeps a
// burst of first requests from minting N tokens against the same cookies.
type registry struct {
	mu       sync.Mutex
	accounts []*Account
	states   []*accountState
	cursor   int
	backend  credentialBackend
	persist  func([]accountView) // availability write-back, may be nil
}

func newRegistry(accounts []*Account, backend credentialBackend) *registry {
	r := &registry{accounts: accounts, backend: backend}
	r.states = make([]*accountState, len(accounts))
	for i := range accounts {
		r.states[i] = &accountState{available: true}
	}
	return r
}

// restoreAvailability applies persisted disabled state from config.
func (r *registry) restoreAvailability(cfgs []AccountConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range cfgs {
		if i >= len(r.states) || !c.Disabled {
			continue
		}
		st := r.states[i]
		st.available = false
		st.reason = c.UnavailableReason
		if c.UnavailableTime != "" {
			if t, err := time.Parse(time.RFC3339, c.UnavailableTime); err == nil {
				st.since = t
			}
		}
	}
}

// replace swaps in a freshly loaded account list, dropping all cached state.
func (r *registry) replace(accounts []*Account, cfgs []AccountConfig) {
	r.mu.Lock()
	r.accounts = accounts
	r.states = make([]*accountState, len(accounts))
	for i := range accounts {
		r.states[i] = &accountState{available: true}
	}
	r.cursor = 0
	r.mu.Unlock()
	r.restoreAvailability(cfgs)
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

func (r *registry) availableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.availableLocked())
}

func (r *registry) availableLocked() []int {
	idx := make([]int, 0, len(r.accounts))
	for i, st := range r.states {
		if st.available {
			idx = append(idx, i)
		}
	}
	return idx
}

// selectNext picks the next available account round-robin and advances the
// cursor. The cursor walks the available list, not the full list, so removed
// accounts don't leave holes in the rotation.
func (r *registry) selectNext() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.availableLocked()
	if len(avail) == 0 {
		return 0, errNoAccountsAvailable
	}
	idx := avail[r.cursor%len(avail)]
	r.cursor = (r.cursor + 1) % len(avail)
	return idx, nil
}

// ensureReady returns a usable token and session for the account, minting or
// creating them as needed. The whole operation runs under the registry lock.
// Token failures mark the account unavailable; session failures do not, since
// they usually indicate a bad team id rather than dead cookies.
func (r *registry) ensureReady(ctx context.Context, idx int) (authChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.accounts[idx]
	st := r.states[idx]

	if acc.SecureCSes == "" || acc.Csesidx == "" {
		missing := "secure_c_ses"
		if acc.SecureCSes != "" {
			missing = "csesidx"
		}
		err := &credentialError{account: idx, missing: missing}
		r.markUnavailableLocked(idx, err.Error())
		return authChannel{}, err
	}

	now := time.Now()
	if st.token == "" || now.Sub(st.tokenMinted) >= tokenFreshFor {
		keyID, key, err := r.backend.FetchTokenMaterial(ctx, acc)
		if err != nil {
			r.markUnavailableLocked(idx, fmt.Sprintf("token exchange failed: %v", err))
			return authChannel{}, &tokenExchangeError{account: idx, err: err}
		}
		token, err := mintToken(keyID, key, acc.Csesidx, now)
		if err != nil {
			r.markUnavailableLocked(idx, fmt.Sprintf("token mint failed: %v", err))
			return authChannel{}, &tokenExchangeError{account: idx, err: err}
		}
		st.token = token
		st.tokenMinted = now
	}

	if st.session == "" {
		name, err := r.backend.CreateSession(ctx, st.token, acc, newSessionID())
		if err != nil {
			return authChannel{}, err
		}
		st.session = name
	}

	return authChannel{account: acc, token: st.token, session: st.session}, nil
}

func (r *registry) markUnavailableLocked(idx int, reason string) {
	st := r.states[idx]
	st.available = false
	st.reason = reason
	st.since = time.Now()
	log.Printf("account %d marked unavailable: %s", idx, reason)
	r.persistLocked()
}

// setAvailable flips an account's availability. Re-enabling clears the
// recorded reason and timestamp.
func (r *registry) setAvailable(idx int, available bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.states) {
		return fmt.Errorf("no account at index %d", idx)
	}
	st := r.states[idx]
	st.available = available
	if available {
		st.reason = ""
		st.since = time.Time{}
	} else {
		st.reason = reason
		st.since = time.Now()
	}
	r.persistLocked()
	return nil
}

// probe runs one token exchange for the account without touching cached
// state, so an admin check never disturbs a live token.
func (r *registry) probe(ctx context.Context, idx int) error {
	r.mu.Lock()
	if idx < 0 || idx >= len(r.accounts) {
		r.mu.Unlock()
		return fmt.Errorf("no account at index %d", idx)
	}
	acc := r.accounts[idx]
	r.mu.Unlock()

	if acc.SecureCSes == "" || acc.Csesidx == "" {
		missing := "secure_c_ses"
		if acc.SecureCSes != "" {
			missing = "csesidx"
		}
		return &credentialError{account: idx, missing: missing}
	}
	keyID, key, err := r.backend.FetchTokenMaterial(ctx, acc)
	if err != nil {
		return &tokenExchangeError{account: idx, err: err}
	}
	_, err = mintToken(keyID, key, acc.Csesidx, time.Now())
	return err
}

// invalidate drops the cached token (and optionally the session) so the next
// dispatch re-mints.
func (r *registry) invalidate(idx int, dropSession bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.states) {
		return
	}
	st := r.states[idx]
	st.token = ""
	st.tokenMinted = time.Time{}
	if dropSession {
		st.session = ""
	}
}

func (r *registry) persistLocked() {
	if r.persist == nil {
		return
	}
	r.persist(r.snapshotLocked())
}

func (r *registry) snapshot() []accountView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *registry) snapshotLocked() []accountView {
	out := make([]accountView, len(r.accounts))
	for i, acc := range r.accounts {
		st := r.states[i]
		out[i] = accountView{
			Index:             i,
			TeamID:            acc.TeamID,
			Csesidx:           acc.Csesidx,
			Available:         st.available,
			UnavailableReason: st.reason,
			UnavailableSince:  st.since,
			HasToken:          st.token != "",
			HasSession:        st.session != "",
		}
	}
	return out
}
