package logging

import (
	"testing"
	"time"
)

func TestExpandHourToken(t *testing.T) {
	ref := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"with token", "/var/log/dr_beam-5.%H.log", "/var/log/dr_beam-5.2026-03-14_09.log"},
		{"no token", "/var/log/dr_beam-5.log", "/var/log/dr_beam-5.log"},
		{"token twice", "%H/%H.log", "2026-03-14_09/2026-03-14_09.log"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandHourToken(tt.pattern, ref); got != tt.want {
				t.Errorf("ExpandHourToken(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestExpandHourTokenUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, 3, 14, 2, 0, 0, 0, loc) // 21:00 previous day UTC
	got := ExpandHourToken("x.%H.log", local)
	want := "x.2026-03-13_21.log"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHasHourToken(t *testing.T) {
	if !HasHourToken("a.%H.log") {
		t.Error("expected token to be detected")
	}
	if HasHourToken("a.log") {
		t.Error("false positive on pattern without token")
	}
}

func TestNextRotation(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{
			time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
			time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC),
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		if got := NextRotation(tt.now); !got.Equal(tt.want) {
			t.Errorf("NextRotation(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}
