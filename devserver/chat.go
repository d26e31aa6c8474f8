package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

func (s *Server) handleGuestChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		UserID  string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	start := s.now()
	reply, err := s.answer(r.Context(), guestKey(req.UserID), message)
	if err != nil {
		s.log.Warn("responder failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	frames, err := replyFrames(reply, s.now().Sub(start))
	if err != nil {
		s.log.Error("render reply", "error", err)
		writeError(w, http.StatusInternalServerError, "could not render reply")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for i, frame := range frames {
		if i > 0 && s.frameGap > 0 {
			select {
			case <-time.After(s.frameGap):
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
}

func (s *Server) handleUserChat(w http.ResponseWriter, r *http.Request, u user) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	reply, err := s.answer(r.Context(), u.ID, content)
	if err != nil {
		s.log.Warn("responder failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":         uuid.NewString(),
		"content":    reply.Text,
		"timestamp":  s.now().UTC().Format(time.RFC3339),
		"user_email": u.Email,
	})
}

func (s *Server) handleUserClear(w http.ResponseWriter, r *http.Request, u user) {
	s.dropHistory(u.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGuestClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.dropHistory(guestKey(req.UserID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// answer runs the responder and records both turns.
func (s *Server) answer(ctx context.Context, key, message string) (Reply, error) {
	s.mu.Lock()
	history := append([]Turn(nil), s.history[key]...)
	s.mu.Unlock()

	reply, err := s.responder.Respond(ctx, history, message)
	if err != nil {
		return Reply{}, err
	}

	s.mu.Lock()
	s.history[key] = append(s.history[key],
		Turn{Role: "user", Content: message},
		Turn{Role: "assistant", Content: reply.Text},
	)
	s.mu.Unlock()
	return reply, nil
}

func (s *Server) dropHistory(key string) {
	s.mu.Lock()
	delete(s.history, key)
	s.mu.Unlock()
}

func guestKey(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "guest"
	}
	return label
}

// frameBuilder applies sjson edits to one document and keeps the first
// error.
type frameBuilder struct {
	doc string
	err error
}

func (b *frameBuilder) set(path string, value any) *frameBuilder {
	if b.err == nil {
		b.doc, b.err = sjson.Set(b.doc, path, value)
	}
	return b
}

func (b *frameBuilder) setRaw(path, raw string) *frameBuilder {
	if b.err == nil && !json.Valid([]byte(raw)) {
		b.err = fmt.Errorf("set %s: invalid JSON %q", path, raw)
	}
	if b.err == nil {
		b.doc, b.err = sjson.SetRaw(b.doc, path, raw)
	}
	return b
}

// replyFrames renders a reply as stream payloads: an assistant message and
// a tool_events result per tool call, the text in word-sized content
// chunks, then a result frame carrying only metadata.
func replyFrames(reply Reply, elapsed time.Duration) ([]string, error) {
	var frames []string
	add := func(b *frameBuilder) error {
		if b.err != nil {
			return fmt.Errorf("build frame: %w", b.err)
		}
		frames = append(frames, b.doc)
		return nil
	}

	for _, tool := range reply.Tools {
		input := string(tool.Input)
		if input == "" {
			input = "{}"
		}
		use := (&frameBuilder{doc: `{"type":"tool_use"}`}).
			set("id", tool.ID).
			set("name", tool.Name).
			setRaw("input", input)
		if use.err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool.Name, use.err)
		}
		msg := (&frameBuilder{doc: `{"type":"assistant","message":{"role":"assistant","content":[]}}`}).
			setRaw("message.content.-1", use.doc)
		if err := add(msg); err != nil {
			return nil, err
		}

		result := (&frameBuilder{doc: `{"type":"tool_result"}`}).
			set("tool_use_id", tool.ID).
			set("content", tool.Output).
			set("is_error", tool.IsError)
		if result.err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool.Name, result.err)
		}
		if err := add((&frameBuilder{doc: `{"tool_events":[]}`}).setRaw("tool_events.-1", result.doc)); err != nil {
			return nil, err
		}
	}

	for _, chunk := range strings.SplitAfter(reply.Text, " ") {
		if chunk == "" {
			continue
		}
		if err := add((&frameBuilder{doc: `{}`}).set("content", chunk)); err != nil {
			return nil, err
		}
	}

	done := (&frameBuilder{doc: `{"type":"result","subtype":"success","result":""}`}).
		set("duration_ms", elapsed.Milliseconds())
	if err := add(done); err != nil {
		return nil, err
	}
	return frames, nil
}
