package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	got := parseOwner(string(data))
	if got.Profile != "work" || got.PID != os.Getpid() || got.Command == "" {
		t.Errorf("lock record = %+v", got)
	}
	if !got.Since.Equal(l.Owner().Since) {
		t.Errorf("record since = %v, want %v", got.Since, l.Owner().Since)
	}
}

func TestHeldErrorNamesOwner(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(dir, "work")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %v, want *HeldError", err)
	}
	if held.Owner.PID != os.Getpid() || held.Owner.Profile != "work" {
		t.Errorf("owner = %+v", held.Owner)
	}
	if time.Since(held.Owner.Since) > time.Minute {
		t.Errorf("owner since = %v, want recent", held.Owner.Since)
	}
	msg := held.Error()
	for _, want := range []string{`profile "work" is in use`, "pid ", " since ", "--profile"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestHeldErrorMessage(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	tests := []struct {
		name string
		err  HeldError
		want string
	}{
		{
			"full record",
			HeldError{Path: "/p/LOCK", Owner: Owner{Profile: "work", PID: 12, Command: "chatsync", Since: since}},
			`profile "work" is in use by pid 12 (chatsync) since 2026-03-01 09:30:00; stop that client or pass another --profile`,
		},
		{
			"empty record",
			HeldError{Path: "/p/LOCK"},
			"profile lock /p/LOCK is held; stop that client or pass another --profile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	again, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("Acquire() after Release error = %v", err)
	}
	_ = again.Release()
}

func TestParseOwner(t *testing.T) {
	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		content string
		want    Owner
	}{
		{"profile=work\npid=42\ncommand=chatsync\nsince=2024-05-01T10:00:00Z\n", Owner{Profile: "work", PID: 42, Command: "chatsync", Since: since}},
		{"pid=42\ntime=2024-05-01T10:00:00Z\n", Owner{PID: 42, Since: since}},
		{"pid=abc\nsince=yesterday", Owner{}},
		{"", Owner{}},
	}
	for _, tt := range tests {
		got := parseOwner(tt.content)
		if got.Profile != tt.want.Profile || got.PID != tt.want.PID || got.Command != tt.want.Command || !got.Since.Equal(tt.want.Since) {
			t.Errorf("parseOwner(%q) = %+v, want %+v", tt.content, got, tt.want)
		}
	}
}
