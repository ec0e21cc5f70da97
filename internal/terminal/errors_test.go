package terminal

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retriable bool
	}{
		{nil, "", false},
		{fmt.Errorf("%w: 5 live", ErrCapacityExceeded), "capacity_exceeded", true},
		{sessionErr("s1", "read", ErrChannelClosed), "channel_closed", false},
		{ErrTimeout, "timeout", true},
		{context.DeadlineExceeded, "timeout", true},
		{fmt.Errorf("%w: web: %w", ErrContainerUnavailable, errors.New("boom")), "container_unavailable", false},
		{sessionErr("s1", "get", ErrNotFound), "not_found", false},
		{sessionErr("s1", "claim", ErrSessionBusy), "session_busy", true},
		{ErrInvalidGeometry, "invalid_argument", false},
		{errors.New("disk on fire"), "internal", false},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.err); got != tt.code {
			t.Errorf("ReasonCode(%v) = %q, want %q", tt.err, got, tt.code)
		}
		if got := Retriable(tt.err); got != tt.retriable {
			t.Errorf("Retriable(%v) = %v, want %v", tt.err, got, tt.retriable)
		}
	}
}

func TestSessionError(t *testing.T) {
	if sessionErr("s1", "read", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	err := sessionErr("s1", "write", ErrChannelClosed)
	if err.Error() != "session s1: write: terminal channel closed" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if SessionIDOf(fmt.Errorf("wrapped: %w", err)) != "s1" {
		t.Error("expected session id through wrapping")
	}
	if SessionIDOf(ErrTimeout) != "" {
		t.Error("plain errors carry no session id")
	}
}

func TestValidateGeometry(t *testing.T) {
	valid := [][2]uint16{{1, 1}, {24, 80}, {MaxTermRows, MaxTermCols}}
	for _, g := range valid {
		if err := ValidateGeometry(g[0], g[1]); err != nil {
			t.Errorf("%dx%d should be valid: %v", g[0], g[1], err)
		}
	}
	invalid := [][2]uint16{{0, 80}, {24, 0}, {MaxTermRows + 1, 80}, {24, MaxTermCols + 1}}
	for _, g := range invalid {
		if err := ValidateGeometry(g[0], g[1]); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("%dx%d should be invalid, got %v", g[0], g[1], err)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeInteractive {
		t.Errorf("empty mode: %v %v", m, err)
	}
	if m, err := ParseMode("automation"); err != nil || m != ModeAutomation {
		t.Errorf("automation: %v %v", m, err)
	}
	if _, err := ParseMode("batch"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
