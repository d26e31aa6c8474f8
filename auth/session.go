// Package auth owns the user's authentication state: the stored token pair,
// the identity it belongs to, and the guest label used when nobody is signed
// in. A Session is the single place that decides which headers and which
// chat endpoints a request uses.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"monios/api"
	"monios/logging"
)

// Doer performs backend calls. *api.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// Session is safe for concurrent use.
type Session struct {
	client Doer
	store  TokenStore
	log    *logging.Logger

	refreshes singleflight.Group

	// commitMu orders every write to the store with the state change that
	// goes with it, so a sign-out cannot be overtaken by a token save.
	commitMu sync.Mutex

	mu       sync.RWMutex
	state    State
	identity *Identity
	tokens   *TokenPair
	guest    string
	errMsg   string

	subMu  sync.Mutex
	subs   map[int]func(Status)
	nextID int
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithGuestLabel sets the initial guest label.
func WithGuestLabel(label string) SessionOption {
	return func(s *Session) {
		s.guest = normalizeGuest(label)
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *logging.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSession creates a session and restores any token pair held by store.
// A restored session is authenticated with an empty Identity; call Validate
// to learn who it belongs to.
func NewSession(client Doer, store TokenStore, opts ...SessionOption) (*Session, error) {
	s := &Session{
		client: client,
		store:  store,
		log:    logging.Nop(),
		guest:  DefaultGuestLabel,
		subs:   make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(s)
	}

	pair, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("restore tokens: %w", err)
	}
	if ok && pair.AccessToken != "" {
		s.state = StateAuthenticated
		s.tokens = &pair
		s.identity = &Identity{}
		s.log.Debug("restored stored tokens")
	}
	return s, nil
}

// Status returns a snapshot of the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{State: s.state}
	if s.state == StateAuthenticated {
		id := *s.identity
		st.Identity = &id
	} else {
		st.GuestLabel = s.guest
	}
	if s.state == StateError {
		st.Err = s.errMsg
	}
	return st
}

// Subscribe registers fn for every state change. fn is called without any
// session lock held and must not block for long. The returned func
// unregisters it.
func (s *Session) Subscribe(fn func(Status)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) notify(st Status) {
	s.subMu.Lock()
	fns := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// transition applies fn under the write lock and notifies subscribers of the
// resulting state.
func (s *Session) transition(fn func()) {
	s.notify(s.apply(fn))
}

// apply runs fn under the write lock and returns the resulting status without
// notifying anyone.
func (s *Session) apply(fn func()) Status {
	s.mu.Lock()
	fn()
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Debug("auth state changed", "state", st.State.String())
	return st
}

// SignIn exchanges an identity-provider token for a backend token pair.
func (s *Session) SignIn(ctx context.Context, provider Provider, idToken string) (Identity, error) {
	if strings.TrimSpace(idToken) == "" {
		return Identity{}, ErrEmptyIDToken
	}

	s.mu.Lock()
	switch s.state {
	case StateAuthenticating:
		s.mu.Unlock()
		return Identity{}, ErrSignInPending
	case StateAuthenticated:
		s.mu.Unlock()
		return Identity{}, ErrSignedIn
	}
	s.state = StateAuthenticating
	s.errMsg = ""
	st := s.statusLocked()
	s.mu.Unlock()
	s.notify(st)

	var resp authResponse
	err := s.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   provider.endpoint(),
		Body:   map[string]string{"id_token": idToken},
	}, &resp)
	if err == nil && resp.Tokens.AccessToken == "" {
		err = fmt.Errorf("%w: no access token in sign-in response", api.ErrInvalidResponse)
	}
	if err != nil {
		s.failSignIn(provider, err)
		return Identity{}, fmt.Errorf("sign in with %s: %w", provider, err)
	}

	user := resp.User
	tokens := resp.Tokens

	s.commitMu.Lock()
	if s.Status().State != StateAuthenticating {
		// Signed out while the exchange was running.
		s.commitMu.Unlock()
		return Identity{}, fmt.Errorf("sign in with %s: %w", provider, api.ErrNotAuthenticated)
	}
	if err := s.store.Save(tokens); err != nil {
		s.commitMu.Unlock()
		s.failSignIn(provider, err)
		return Identity{}, fmt.Errorf("sign in with %s: %w", provider, err)
	}
	st := s.apply(func() {
		s.state = StateAuthenticated
		s.identity = &user
		s.tokens = &tokens
		s.errMsg = ""
	})
	s.commitMu.Unlock()
	s.notify(st)

	s.log.Info("signed in", "provider", string(provider), "email", user.Email)
	return user, nil
}

func (s *Session) failSignIn(provider Provider, err error) {
	msg := api.Describe(err)
	s.transition(func() {
		s.state = StateError
		s.identity = nil
		s.tokens = nil
		s.errMsg = msg
	})
	s.log.Warn("sign-in failed", "provider", string(provider), "error", err)
}

// SignOut clears stored tokens and then drops the identity. The session ends
// up anonymous even when clearing the store fails.
func (s *Session) SignOut() error {
	err := s.signOut()
	if err != nil {
		s.log.Warn("clear stored tokens", "error", err)
		err = fmt.Errorf("clear tokens: %w", err)
	}
	return err
}

// signOut clears the store and resets the state as one commit.
func (s *Session) signOut() error {
	s.commitMu.Lock()
	err := s.store.Clear()
	st := s.apply(s.resetLocked)
	s.commitMu.Unlock()

	s.notify(st)
	return err
}

func (s *Session) resetLocked() {
	s.state = StateAnonymous
	s.identity = nil
	s.tokens = nil
	s.errMsg = ""
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers
// share one exchange. On any failure the session's tokens are cleared and it
// becomes anonymous.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	s.mu.RLock()
	var current TokenPair
	if s.state == StateAuthenticated && s.tokens != nil {
		current = *s.tokens
	}
	s.mu.RUnlock()

	if current.RefreshToken == "" {
		s.forceSignOut(ErrNoRefreshToken)
		return ErrNoRefreshToken
	}

	var next TokenPair
	err := s.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Body:   map[string]string{"refresh_token": current.RefreshToken},
	}, &next)
	if err == nil && next.AccessToken == "" {
		err = fmt.Errorf("%w: no access token in refresh response", api.ErrInvalidResponse)
	}
	if err != nil {
		s.forceSignOut(err)
		return fmt.Errorf("refresh tokens: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	s.commitMu.Lock()
	s.mu.RLock()
	// A sign-out during the exchange wins.
	stillCurrent := s.state == StateAuthenticated && s.tokens != nil && s.tokens.AccessToken == current.AccessToken
	s.mu.RUnlock()
	if !stillCurrent {
		s.commitMu.Unlock()
		s.log.Debug("discarding refreshed tokens for an ended session")
		return api.ErrNotAuthenticated
	}
	if err := s.store.Save(next); err != nil {
		s.commitMu.Unlock()
		s.forceSignOut(err)
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	st := s.apply(func() {
		s.tokens = &next
	})
	s.commitMu.Unlock()
	s.notify(st)

	s.log.Debug("tokens refreshed")
	return nil
}

func (s *Session) forceSignOut(cause error) {
	s.log.Warn("session ended", "error", cause)
	if err := s.signOut(); err != nil {
		s.log.Warn("clear stored tokens", "error", err)
	}
}

// HeadersFor implements api.Credentials.
func (s *Session) HeadersFor(authenticated bool) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headersLocked(authenticated)
}

func (s *Session) headersLocked(authenticated bool) (map[string]string, error) {
	if !authenticated {
		return map[string]string{}, nil
	}
	if s.state != StateAuthenticated || s.tokens == nil || s.tokens.AccessToken == "" {
		return nil, api.ErrNotAuthenticated
	}
	scheme := s.tokens.TokenType
	if scheme == "" || strings.EqualFold(scheme, "bearer") {
		scheme = "Bearer"
	}
	return map[string]string{"Authorization": scheme + " " + s.tokens.AccessToken}, nil
}

// Context returns the headers and endpoints for the next request. Only an
// authenticated session uses the user endpoints.
func (s *Session) Context() AuthContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := GuestEndpoints
	if s.state == StateAuthenticated && s.tokens != nil {
		endpoints = UserEndpoints
	}
	headers, err := s.headersLocked(endpoints.Authenticated)
	if err != nil {
		headers = map[string]string{}
	}
	return AuthContext{
		Headers:    headers,
		Endpoints:  endpoints,
		GuestLabel: s.guest,
	}
}

// SetGuestLabel changes the guest label. Blank labels fall back to
// DefaultGuestLabel.
func (s *Session) SetGuestLabel(label string) {
	s.transition(func() {
		s.guest = normalizeGuest(label)
	})
}

// Validate asks the backend who the current tokens belong to and records the
// answer. A 401 triggers one refresh and one retry.
func (s *Session) Validate(ctx context.Context) (Identity, error) {
	info, err := s.sessionInfo(ctx)
	if errors.Is(err, api.ErrUnauthorized) {
		if rerr := s.Refresh(ctx); rerr != nil {
			return Identity{}, rerr
		}
		info, err = s.sessionInfo(ctx)
		if errors.Is(err, api.ErrUnauthorized) {
			s.forceSignOut(err)
		}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("validate session: %w", err)
	}
	if !info.Authenticated {
		s.forceSignOut(api.ErrUnauthorized)
		return Identity{}, fmt.Errorf("validate session: %w", api.ErrUnauthorized)
	}

	var out Identity
	s.transition(func() {
		if s.state != StateAuthenticated || s.identity == nil {
			return
		}
		s.identity.ID = info.UserID
		s.identity.Email = info.Email
		out = *s.identity
	})
	return out, nil
}

func (s *Session) sessionInfo(ctx context.Context) (sessionInfo, error) {
	var info sessionInfo
	err := s.client.Do(ctx, api.Request{
		Method:        http.MethodGet,
		Path:          "/api/session",
		Authenticated: true,
	}, &info)
	return info, err
}

func normalizeGuest(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return DefaultGuestLabel
	}
	return label
}
