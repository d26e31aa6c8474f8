// Package chat runs the send pipeline: one user message goes to the backend
// endpoint chosen by the auth session, the streamed reply is decoded into
// events, and every step lands in an observable transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"monios/api"
	"monios/auth"
	"monios/logging"
	"monios/stream"
)

// Role says who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one transcript line. Synthetic entries were produced locally to
// report a failure and never came from the backend.
type Entry struct {
	ID        uuid.UUID
	Role      Role
	Event     stream.Event
	Synthetic bool
	At        time.Time
}

var (
	// ErrEmptyMessage rejects blank input without touching the network.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrBusy rejects a send while another one is in flight. The rejected
	// message is not queued.
	ErrBusy = errors.New("a message is already being sent")
)

// SessionExpiredText is the synthetic reply after authentication could not
// be recovered.
const SessionExpiredText = "error: Session expired. Please sign in again."

// Backend is the transport a controller uses. *api.Client satisfies it.
type Backend interface {
	Stream(ctx context.Context, req api.Request) (io.ReadCloser, error)
	Do(ctx context.Context, req api.Request, out any) error
}

// Session is the part of *auth.Session the controller needs.
type Session interface {
	Context() auth.AuthContext
	Refresh(ctx context.Context) error
	SignOut() error
}

// Controller is safe for concurrent use, but runs at most one send at a
// time.
type Controller struct {
	backend Backend
	session Session
	log     *logging.Logger
	now     func() time.Time

	inFlight atomic.Bool

	mu         sync.RWMutex
	transcript []Entry

	subMu  sync.Mutex
	subs   map[int]func(Entry)
	nextID int
}

// Option configures a controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a controller with an empty transcript.
func NewController(backend Backend, session Session, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		session: session,
		log:     logging.Nop(),
		now:     time.Now,
		subs:    make(map[int]func(Entry)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers text and records the reply. It returns the assistant events
// of this send, including a synthetic error event when the send failed, and
// the underlying error.
func (c *Controller) Send(ctx context.Context, text string) ([]stream.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.inFlight.Store(false)

	c.append(RoleUser, stream.Text{Content: text}, false)

	var events []stream.Event
	emit := func(ev stream.Event) {
		events = append(events, ev)
		c.append(RoleAssistant, ev, false)
	}

	err := c.deliver(ctx, text, emit)
	if err == nil {
		return events, nil
	}

	reply := "error: " + api.Describe(err)
	if errors.Is(err, api.ErrUnauthorized) {
		reply = SessionExpiredText
	}
	ev := stream.Text{Content: reply}
	events = append(events, ev)
	c.append(RoleAssistant, ev, true)

	c.log.Warn("send failed", "error", err)
	return events, fmt.Errorf("send message: %w", err)
}

// deliver makes the request and, for an authenticated send rejected with 401,
// one refresh and one retry. A failed retry signs the session out.
func (c *Controller) deliver(ctx context.Context, text string, emit func(stream.Event)) error {
	ac := c.session.Context()
	err := c.exchange(ctx, ac, text, emit)
	if !errors.Is(err, api.ErrUnauthorized) || !ac.Endpoints.Authenticated {
		return err
	}

	c.log.Debug("access token rejected, refreshing")
	if rerr := c.session.Refresh(ctx); rerr != nil {
		// A failed refresh has already signed the session out.
		return fmt.Errorf("%w: %w", api.ErrUnauthorized, rerr)
	}

	err = c.exchange(ctx, c.session.Context(), text, emit)
	if err == nil {
		return nil
	}
	// Any failure of the retried send ends the session.
	if serr := c.session.SignOut(); serr != nil {
		c.log.Warn("sign out after failed retry", "error", serr)
	}
	if errors.Is(err, api.ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: retry failed: %w", api.ErrUnauthorized, err)
}

func (c *Controller) exchange(ctx context.Context, ac auth.AuthContext, text string, emit func(stream.Event)) error {
	req := api.Request{
		Method:        http.MethodPost,
		Path:          ac.Endpoints.Chat,
		Authenticated: ac.Endpoints.Authenticated,
	}
	if ac.Endpoints.Authenticated {
		req.Body = map[string]string{"content": text}
	} else {
		req.Body = map[string]string{"message": text, "user_id": ac.GuestLabel}
	}

	body, err := c.backend.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := stream.Scan(body, emit); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	return nil
}

// Clear empties the transcript and asks the backend to drop its history for
// the current user. The transcript is emptied even when the request fails.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.transcript = nil
	c.mu.Unlock()

	ac := c.session.Context()
	req := api.Request{
		Method:        http.MethodPost,
		Path:          ac.Endpoints.Clear,
		Authenticated: ac.Endpoints.Authenticated,
	}
	if !ac.Endpoints.Authenticated {
		req.Body = map[string]string{"user_id": ac.GuestLabel}
	}
	if err := c.backend.Do(ctx, req, nil); err != nil {
		c.log.Warn("clear remote history", "error", err)
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Transcript returns a copy of the entries so far.
func (c *Controller) Transcript() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// InFlight reports whether a send is running.
func (c *Controller) InFlight() bool {
	return c.inFlight.Load()
}

// Subscribe registers fn for every new entry. fn runs on the sending
// goroutine with no lock held. The returned func unregisters it.
func (c *Controller) Subscribe(fn func(Entry)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) append(role Role, ev stream.Event, synthetic bool) {
	e := Entry{
		ID:        uuid.New(),
		Role:      role,
		Event:     ev,
		Synthetic: synthetic,
		At:        c.now(),
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, e)
	c.mu.Unlock()

	c.subMu.Lock()
	fns := make([]func(Entry), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
