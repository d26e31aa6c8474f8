package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"monios/api"
	"monios/auth"
	"monios/chat"
	"monios/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

const guestReply = "data: {\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"hi \"},{\"type\":\"tool_use\",\"id\":\"t1\",\"name\":\"search\",\"input\":{\"q\":\"x\"}}]}}\n" +
	"data: {\"type\":\"result\",\"result\":\"done\"}\n"

// fakeBackend serves the chat and token endpoints. Access tokens listed in
// valid are accepted; refresh issues "fresh" unless refreshFails is set.
type fakeBackend struct {
	server *httptest.Server

	mu           sync.Mutex
	valid        map[string]bool
	refreshFails bool
	reply        string
	status       int
	lastBody     map[string]string
	lastAuth     string
	gate         chan struct{}
	entered      chan struct{}

	chatN    atomic.Int32
	apiChatN atomic.Int32
	refreshN atomic.Int32
	clearN   atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{valid: map[string]bool{"fresh": true}, reply: guestReply}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		f.chatN.Add(1)
		f.serveChat(w, r, false)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		f.apiChatN.Add(1)
		f.serveChat(w, r, true)
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshN.Add(1)
		f.mu.Lock()
		fails := f.refreshFails
		f.mu.Unlock()
		if fails {
			http.Error(w, `{"detail":"invalid refresh token"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(auth.TokenPair{AccessToken: "fresh", RefreshToken: "r2", TokenType: "bearer"})
	})
	clearHandler := func(w http.ResponseWriter, r *http.Request) {
		f.clearN.Add(1)
		f.record(r)
		io.WriteString(w, `{"status":"cleared"}`)
	}
	mux.HandleFunc("POST /chat/clear", clearHandler)
	mux.HandleFunc("POST /api/chat/clear", clearHandler)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) record(r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.lastBody = body
	f.lastAuth = r.Header.Get("Authorization")
	f.mu.Unlock()
}

func (f *fakeBackend) serveChat(w http.ResponseWriter, r *http.Request, authenticated bool) {
	f.record(r)

	f.mu.Lock()
	gate, entered, status, reply := f.gate, f.entered, f.status, f.reply
	token := strings.TrimPrefix(f.lastAuth, "Bearer ")
	ok := f.valid[token]
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if authenticated && !ok {
		http.Error(w, `{"detail":"token expired"}`, http.StatusUnauthorized)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	io.WriteString(w, reply)
}

func (f *fakeBackend) set(fn func(*fakeBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeBackend) body() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeBackend) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

type fixture struct {
	backend *fakeBackend
	store   *auth.MemoryStore
	session *auth.Session
	ctrl    *chat.Controller
}

// newFixture wires a real client, session and controller. A non-empty token
// starts the session authenticated with that access token.
func newFixture(t *testing.T, accessToken string, opts ...chat.Option) *fixture {
	t.Helper()
	f := newFakeBackend(t)
	store := auth.NewMemoryStore()
	if accessToken != "" {
		store.Save(auth.TokenPair{AccessToken: accessToken, RefreshToken: "r1", TokenType: "bearer"})
	}

	client := api.NewClient(f.server.URL)
	sess, err := auth.NewSession(client, store, auth.WithGuestLabel("visitor"))
	if err != nil {
		t.Fatal(err)
	}
	client.SetCredentials(sess)

	return &fixture{backend: f, store: store, session: sess, ctrl: chat.NewController(client, sess, opts...)}
}

var wantGuestEvents = []stream.Event{
	stream.Text{Content: "hi "},
	stream.ToolUse{Name: "search", Input: json.RawMessage(`{"q":"x"}`), ToolUseID: "t1"},
	stream.Text{Content: "done"},
}

func TestGuestSend(t *testing.T) {
	fx := newFixture(t, "")

	events, err := fx.ctrl.Send(context.Background(), "  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(wantGuestEvents, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if got := fx.backend.body(); got["message"] != "hello" || got["user_id"] != "visitor" {
		t.Errorf("request body = %v", got)
	}
	if fx.backend.authHeader() != "" {
		t.Errorf("guest request carried Authorization %q", fx.backend.authHeader())
	}
	if fx.backend.apiChatN.Load() != 0 {
		t.Error("guest send hit /api/chat")
	}

	transcript := fx.ctrl.Transcript()
	if len(transcript) != 4 {
		t.Fatalf("transcript has %d entries, want 4", len(transcript))
	}
	if transcript[0].Role != chat.RoleUser || transcript[0].Event != (stream.Text{Content: "hello"}) {
		t.Errorf("first entry = %+v", transcript[0])
	}
	seen := map[string]bool{}
	for i, e := range transcript[1:] {
		if e.Role != chat.RoleAssistant || e.Synthetic {
			t.Errorf("entry %d = %+v", i+1, e)
		}
		if seen[e.ID.String()] {
			t.Errorf("duplicate entry id %s", e.ID)
		}
		seen[e.ID.String()] = true
	}
}

func TestEntryTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	fx := newFixture(t, "", chat.WithClock(func() time.Time { return at }))

	if _, err := fx.ctrl.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	for i, e := range fx.ctrl.Transcript() {
		if !e.At.Equal(at) {
			t.Errorf("entry %d At = %v, want %v", i, e.At, at)
		}
	}
}

func TestAuthenticatedSend(t *testing.T) {
	fx := newFixture(t, "fresh")

	if _, err := fx.ctrl.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fx.backend.chatN.Load() != 0 || fx.backend.apiChatN.Load() != 1 {
		t.Errorf("chat=%d api_chat=%d", fx.backend.chatN.Load(), fx.backend.apiChatN.Load())
	}
	if got := fx.backend.body(); got["content"] != "hello" || len(got) != 1 {
		t.Errorf("request body = %v", got)
	}
	if fx.backend.authHeader() != "Bearer fresh" {
		t.Errorf("Authorization = %q", fx.backend.authHeader())
	}
	if fx.backend.refreshN.Load() != 0 {
		t.Error("unexpected refresh")
	}
}

func TestStaleTokenRefreshesOnce(t *testing.T) {
	fx := newFixture(t, "stale")

	events, err := fx.ctrl.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(wantGuestEvents, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if n := fx.backend.refreshN.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	if n := fx.backend.apiChatN.Load(); n != 2 {
		t.Errorf("chat attempts = %d, want 2", n)
	}
	if fx.backend.authHeader() != "Bearer fresh" {
		t.Errorf("retry Authorization = %q", fx.backend.authHeader())
	}

	stored, _, _ := fx.store.Load()
	if stored.AccessToken != "fresh" || stored.RefreshToken != "r2" {
		t.Errorf("stored tokens = %+v", stored)
	}
}

func TestRefreshFailureEndsSession(t *testing.T) {
	fx := newFixture(t, "stale")
	fx.backend.set(func(f *fakeBackend) { f.refreshFails = true })

	events, err := fx.ctrl.Send(context.Background(), "hello")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	want := []stream.Event{stream.Text{Content: chat.SessionExpiredText}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	synthetic := 0
	for _, e := range fx.ctrl.Transcript() {
		if e.Synthetic {
			synthetic++
		}
	}
	if synthetic != 1 {
		t.Errorf("synthetic entries = %d, want 1", synthetic)
	}
	if st := fx.session.Status(); st.State != auth.StateAnonymous || st.GuestLabel != "visitor" {
		t.Errorf("session = %+v, want anonymous", st)
	}
	if _, ok, _ := fx.store.Load(); ok {
		t.Error("tokens still stored")
	}
	if fx.backend.apiChatN.Load() != 1 {
		t.Errorf("chat attempts = %d, want 1", fx.backend.apiChatN.Load())
	}
}

func TestRejectedRetryEndsSession(t *testing.T) {
	fx := newFixture(t, "stale")
	fx.backend.set(func(f *fakeBackend) { f.valid = map[string]bool{} })

	events, err := fx.ctrl.Send(context.Background(), "hello")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if len(events) != 1 || events[0] != (stream.Text{Content: chat.SessionExpiredText}) {
		t.Errorf("events = %v", events)
	}
	if fx.backend.refreshN.Load() != 1 || fx.backend.apiChatN.Load() != 2 {
		t.Errorf("refresh=%d attempts=%d, want 1 and 2", fx.backend.refreshN.Load(), fx.backend.apiChatN.Load())
	}
	if fx.session.Status().State != auth.StateAnonymous {
		t.Errorf("state = %v", fx.session.Status().State)
	}
}

func TestFailedRetryEndsSession(t *testing.T) {
	fx := newFixture(t, "stale")
	fx.backend.set(func(f *fakeBackend) { f.status = http.StatusInternalServerError })

	events, err := fx.ctrl.Send(context.Background(), "hello")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	var serverErr *api.ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != http.StatusInternalServerError {
		t.Errorf("err = %v, want the retry's server error wrapped", err)
	}

	want := []stream.Event{stream.Text{Content: chat.SessionExpiredText}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if fx.backend.refreshN.Load() != 1 || fx.backend.apiChatN.Load() != 2 {
		t.Errorf("refresh=%d attempts=%d, want 1 and 2", fx.backend.refreshN.Load(), fx.backend.apiChatN.Load())
	}
	if fx.session.Status().State != auth.StateAnonymous {
		t.Errorf("state = %v, want anonymous", fx.session.Status().State)
	}
	if _, ok, _ := fx.store.Load(); ok {
		t.Error("tokens still stored")
	}
}

func TestEmptyMessage(t *testing.T) {
	fx := newFixture(t, "")

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := fx.ctrl.Send(context.Background(), text); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Errorf("Send(%q) err = %v, want ErrEmptyMessage", text, err)
		}
	}
	if n := fx.backend.chatN.Load(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
	if len(fx.ctrl.Transcript()) != 0 {
		t.Error("transcript not empty")
	}
}

func TestConcurrentSendRejected(t *testing.T) {
	fx := newFixture(t, "")
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	fx.backend.set(func(f *fakeBackend) { f.gate, f.entered = gate, entered })

	done := make(chan error, 1)
	go func() {
		_, err := fx.ctrl.Send(context.Background(), "first")
		done <- err
	}()

	<-entered
	if !fx.ctrl.InFlight() {
		t.Error("InFlight() = false during send")
	}
	if _, err := fx.ctrl.Send(context.Background(), "second"); !errors.Is(err, chat.ErrBusy) {
		t.Errorf("second Send err = %v, want ErrBusy", err)
	}
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if fx.ctrl.InFlight() {
		t.Error("InFlight() = true after send")
	}
	if n := fx.backend.chatN.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	for _, e := range fx.ctrl.Transcript() {
		if e.Event == (stream.Text{Content: "second"}) {
			t.Error("rejected message recorded")
		}
	}
}

func TestServerErrorBecomesSyntheticEntry(t *testing.T) {
	fx := newFixture(t, "")
	fx.backend.set(func(f *fakeBackend) { f.status = http.StatusBadGateway })

	events, err := fx.ctrl.Send(context.Background(), "hello")
	var serverErr *api.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("err = %v, want ServerError", err)
	}
	want := []stream.Event{stream.Text{Content: "error: Server error (502)"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	transcript := fx.ctrl.Transcript()
	if len(transcript) != 2 || !transcript[1].Synthetic || transcript[1].Role != chat.RoleAssistant {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestEmptyReply(t *testing.T) {
	fx := newFixture(t, "")
	fx.backend.set(func(f *fakeBackend) { f.reply = "" })

	events, err := fx.ctrl.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want none", events)
	}
	if n := len(fx.ctrl.Transcript()); n != 1 {
		t.Errorf("transcript has %d entries, want only the user entry", n)
	}
}

func TestSubscribeOrder(t *testing.T) {
	fx := newFixture(t, "")

	var roles []chat.Role
	cancel := fx.ctrl.Subscribe(func(e chat.Entry) {
		roles = append(roles, e.Role)
	})

	if _, err := fx.ctrl.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := fx.ctrl.Send(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}

	want := []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleAssistant, chat.RoleAssistant}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Errorf("published roles mismatch (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		wantAuth string
		wantBody map[string]string
	}{
		{name: "guest", wantBody: map[string]string{"user_id": "visitor"}},
		{name: "authenticated", token: "fresh", wantAuth: "Bearer fresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.token)
			if _, err := fx.ctrl.Send(context.Background(), "hello"); err != nil {
				t.Fatal(err)
			}

			if err := fx.ctrl.Clear(context.Background()); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if len(fx.ctrl.Transcript()) != 0 {
				t.Error("transcript not empty after Clear")
			}
			if fx.backend.clearN.Load() != 1 {
				t.Errorf("clear requests = %d", fx.backend.clearN.Load())
			}
			if fx.backend.authHeader() != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", fx.backend.authHeader(), tt.wantAuth)
			}
			if diff := cmp.Diff(tt.wantBody, fx.backend.body()); diff != "" {
				t.Errorf("clear body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClearFailureStillEmptiesTranscript(t *testing.T) {
	fx := newFixture(t, "")
	if _, err := fx.ctrl.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	fx.backend.server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fx.ctrl.Clear(ctx); err == nil {
		t.Error("expected error from closed backend")
	}
	if len(fx.ctrl.Transcript()) != 0 {
		t.Error("transcript not empty")
	}
}
