package auth

import (
	"errors"
	"fmt"
)

// TokenPair is the backend-issued credential pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Identity is a signed-in user. A session restored from stored tokens has
// an Identity with empty fields until Validate fills it in.
type Identity struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// authResponse is the body of a successful identity exchange.
type authResponse struct {
	User   Identity  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// sessionInfo is the body of GET /api/session.
type sessionInfo struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Authenticated bool   `json:"authenticated"`
}

// Provider is an identity provider whose token the backend accepts.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// ParseProvider accepts "google" or "apple".
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderGoogle, ProviderApple:
		return p, nil
	default:
		return "", fmt.Errorf("unknown identity provider %q", s)
	}
}

func (p Provider) endpoint() string {
	return "/auth/" + string(p)
}

// DefaultGuestLabel identifies an anonymous user when none was chosen.
const DefaultGuestLabel = "guest"

var (
	// ErrNoRefreshToken means a refresh was requested without a stored
	// refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrEmptyIDToken rejects a sign-in before any request is made.
	ErrEmptyIDToken = errors.New("identity token is empty")

	// ErrSignInPending rejects a sign-in while another one is running.
	ErrSignInPending = errors.New("sign-in already in progress")

	// ErrSignedIn rejects a sign-in on an authenticated session.
	ErrSignedIn = errors.New("already signed in")
)

// State is the authentication state.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the session. Exactly one of Identity and
// GuestLabel is set: Identity when authenticated, GuestLabel otherwise.
// Err carries the failure message in StateError.
type Status struct {
	State      State
	Identity   *Identity
	GuestLabel string
	Err        string
}

// EndpointSet names the chat endpoints for one session mode.
type EndpointSet struct {
	Chat          string
	Clear         string
	Authenticated bool
}

var (
	GuestEndpoints = EndpointSet{Chat: "/chat", Clear: "/chat/clear"}
	UserEndpoints  = EndpointSet{Chat: "/api/chat", Clear: "/api/chat/clear", Authenticated: true}
)

// AuthContext is what a single request needs from the session. It is
// computed on demand and must not be kept across requests.
type AuthContext struct {
	Headers    map[string]string
	Endpoints  EndpointSet
	GuestLabel string
}
