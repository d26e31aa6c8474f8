// Package devserver is an in-process backend for local development and
// end-to-end tests. It implements the identity exchange, token refresh,
// session and chat endpoints the client talks to, keeping all state in
// memory.
//
// Identity tokens are not verified: any non-empty token signs in, and the
// token text doubles as the user's email.
package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"monios/logging"
)

// DefaultAccessTTL is the lifetime of an issued access token.
const DefaultAccessTTL = 30 * time.Minute

type user struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type grant struct {
	email   string
	expires time.Time
}

// Turn is one exchange in a user's history.
type Turn struct {
	Role    string
	Content string
}

// Server implements http.Handler.
type Server struct {
	mux       *http.ServeMux
	responder Responder
	log       *logging.Logger
	now       func() time.Time
	accessTTL time.Duration
	frameGap  time.Duration

	mu      sync.Mutex
	users   map[string]*user // email -> user
	access  map[string]grant
	refresh map[string]string // refresh token -> email
	history map[string][]Turn
}

// Option configures a server.
type Option func(*Server)

// WithResponder sets how chat messages are answered. The default is
// EchoResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithFrameGap pauses between streamed frames.
func WithFrameGap(d time.Duration) Option {
	return func(s *Server) {
		s.frameGap = d
	}
}

// New creates a server with no users.
func New(opts ...Option) *Server {
	s := &Server{
		responder: EchoResponder{},
		log:       logging.Nop(),
		now:       time.Now,
		accessTTL: DefaultAccessTTL,
		users:     make(map[string]*user),
		access:    make(map[string]grant),
		refresh:   make(map[string]string),
		history:   make(map[string][]Turn),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/google", s.handleSignIn)
	mux.HandleFunc("POST /auth/apple", s.handleSignIn)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/session", s.requireUser(s.handleSession))
	mux.HandleFunc("POST /api/chat", s.requireUser(s.handleUserChat))
	mux.HandleFunc("POST /api/chat/clear", s.requireUser(s.handleUserClear))
	mux.HandleFunc("POST /chat", s.handleGuestChat)
	mux.HandleFunc("POST /chat/clear", s.handleGuestClear)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rl := s.log.StartRequest(r.Method, r.URL.Path, "remote", r.RemoteAddr)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	rl.Done(sw.status)
}

// ExpireAccessTokens invalidates every issued access token. Refresh tokens
// stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]grant)
	s.mu.Unlock()
}

// History returns a copy of the stored turns for a guest label or, for a
// signed-in user, the user id.
func (s *Server) History(key string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history[key]...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token := strings.TrimSpace(req.IDToken)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "invalid identity token")
		return
	}

	email := token
	if !strings.Contains(email, "@") {
		email += "@dev.local"
	}

	s.mu.Lock()
	u, ok := s.users[email]
	if !ok {
		u = &user{ID: uuid.NewString(), Email: email, Name: strings.SplitN(email, "@", 2)[0]}
		s.users[email] = u
	}
	pair := s.issueLocked(email)
	out := *u
	s.mu.Unlock()

	s.log.Info("signed in", "provider", strings.TrimPrefix(r.URL.Path, "/auth/"), "email", email)
	writeJSON(w, http.StatusOK, map[string]any{"user": out, "tokens": pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	email, ok := s.refresh[req.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	delete(s.refresh, req.RefreshToken)
	pair := s.issueLocked(email)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, u user) {
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       u.ID,
		"email":         u.Email,
		"authenticated": true,
	})
}

func (s *Server) issueLocked(email string) tokenPair {
	pair := tokenPair{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL / time.Second),
	}
	s.access[pair.AccessToken] = grant{email: email, expires: s.now().Add(s.accessTTL)}
	s.refresh[pair.RefreshToken] = email
	return pair
}

// requireUser rejects requests without a live bearer token.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "bearer") || token == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		s.mu.Lock()
		g, ok := s.access[token]
		if ok && !s.now().Before(g.expires) {
			delete(s.access, token)
			ok = false
		}
		var u user
		if ok {
			u = *s.users[g.email]
		}
		s.mu.Unlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, "token expired or invalid")
			return
		}
		next(w, r, u)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
