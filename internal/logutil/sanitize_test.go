package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"web-1", "web-1"},
		{"evil\nINFO fake entry", "evil INFO fake entry"},
		{"tab\there\r", "tab here "},
		{"bell\x07esc\x1b[0m", "bellesc[0m"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("unexpected %q", got)
	}
	if got := Truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("unexpected %q", got)
	}
	// "é" is two bytes; cutting inside it must back off to the rune start.
	if got := Truncate("aé", 2); got != "a..." {
		t.Errorf("unexpected %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("zero max should not truncate, got %q", got)
	}
}

func TestQuoteTerminal(t *testing.T) {
	got := QuoteTerminal([]byte("$ ls\r\n\x1b[1mbin\x1b[0m"), 100)
	want := `"$ ls\r\n\x1b[1mbin\x1b[0m"`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
