package logging_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"monios/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logging.Level
	}{
		{"debug", logging.LevelDebug},
		{"INFO", logging.LevelInfo},
		{" warning ", logging.LevelWarn},
		{"warn", logging.LevelWarn},
		{"Error", logging.LevelError},
		{"", logging.LevelOff},
		{"verbose", logging.LevelOff},
	}
	for _, tt := range tests {
		if got := logging.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.LevelWarn, &buf)

	log.Debug("debug line")
	log.Info("info line")
	log.Warn("warn line")
	log.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("below-threshold records written: %q", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("expected warn and error records, got %q", out)
	}
}

func TestNopIsSilent(t *testing.T) {
	log := logging.Nop()
	if log.Enabled() {
		t.Fatal("Nop logger reports enabled")
	}
	// Must not panic.
	log.Error("ignored")
	log.With("k", "v").Info("ignored")
	req := log.StartRequest("GET", "/health")
	req.Done(200)
	req.Failed(errors.New("ignored"))

	var nilLogger *logging.Logger
	if nilLogger.Enabled() {
		t.Fatal("nil logger reports enabled")
	}
	nilLogger.Info("ignored")
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.LevelDebug, &buf).Component("api")

	req := log.StartRequest("POST", "/chat")
	req.Done(201)

	out := buf.String()
	for _, want := range []string{"request started", "request completed", "status=201", "path=/chat", "component=api", "duration_ms="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestSensitiveAttributesRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.LevelDebug, &buf)

	log.Info("sign in", "Authorization", "Bearer secret-1", "refresh_token", "secret-2", "email", "a@b")
	log.With("access_token", "secret-3").Warn("refresh")

	out := buf.String()
	for _, secret := range []string{"secret-1", "secret-2", "secret-3"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaks %q: %q", secret, out)
		}
	}
	if strings.Count(out, logging.Redacted) != 3 {
		t.Errorf("want 3 redacted values: %q", out)
	}
	if !strings.Contains(out, "email=a@b") {
		t.Errorf("non-sensitive attribute dropped: %q", out)
	}
}

func TestRequestStatusLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "level=INFO"},
		{401, "level=WARN"},
		{502, "level=ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		log := logging.New(logging.LevelInfo, &buf).Component("api")
		log.StartRequest("POST", "/api/chat", "auth", "bearer").Done(tt.status)

		out := buf.String()
		for _, want := range []string{tt.level, "component=api", "auth=bearer", "path=/api/chat"} {
			if !strings.Contains(out, want) {
				t.Errorf("status %d: output missing %q: %q", tt.status, want, out)
			}
		}
	}
}

func TestLevelString(t *testing.T) {
	for _, l := range []logging.Level{logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError, logging.LevelOff} {
		if got := logging.ParseLevel(l.String()); got != l {
			t.Errorf("ParseLevel(%q) = %v, want %v", l.String(), got, l)
		}
	}
}
