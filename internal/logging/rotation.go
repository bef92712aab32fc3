package logging

import (
	"strings"
	"time"
)

// HourToken is the rotation token accepted in log file patterns. It is
// replaced with the current UTC hour stamp each time the file is opened,
// so a long-running recorder rolls to a fresh file every hour.
const HourToken = "%H"

// hourStampLayout matches the per-hour file naming used by the recorder
// programs themselves, e.g. "dr_beam-5.2026-08-29_14.log".
const hourStampLayout = "2006-01-02_15"

// HasHourToken reports whether a log file pattern rotates hourly.
func HasHourToken(pattern string) bool {
	return strings.Contains(pattern, HourToken)
}

// ExpandHourToken resolves the rotation token against the given time.
// Patterns without the token are returned unchanged.
func ExpandHourToken(pattern string, now time.Time) string {
	if !HasHourToken(pattern) {
		return pattern
	}
	return strings.ReplaceAll(pattern, HourToken, now.UTC().Format(hourStampLayout))
}

// NextRotation returns the start of the next UTC hour after now. Used by
// CaptureWriter to decide when the underlying file must be reopened.
func NextRotation(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}
