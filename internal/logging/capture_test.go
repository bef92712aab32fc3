package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCaptureWriterFileAndTail(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "dr_beam-5.log")

	cw, err := NewCaptureWriter(CaptureConfig{
		Recorder: "power-beam-5",
		Stream:   "stdout",
		Pattern:  pattern,
	})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	if _, err := cw.Write([]byte("line one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := cw.Write([]byte("line two\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(pattern)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "line one\nline two\n"
	if string(data) != want {
		t.Errorf("file content = %q, want %q", data, want)
	}

	tail := cw.ReadTail(9)
	if !bytes.Equal(tail, []byte("line two\n")) {
		t.Errorf("ReadTail(9) = %q, want %q", tail, "line two\n")
	}
}

func TestCaptureWriterHourlyRotation(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "dr_visibilities.%H.log")

	now := time.Date(2026, 3, 14, 9, 59, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cw, err := NewCaptureWriter(CaptureConfig{
		Recorder: "slow-vis",
		Stream:   "stdout",
		Pattern:  pattern,
		Now:      clock,
	})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	cw.Write([]byte("before\n"))

	first := cw.Path()
	wantFirst := filepath.Join(dir, "dr_visibilities.2026-03-14_09.log")
	if first != wantFirst {
		t.Fatalf("initial path = %q, want %q", first, wantFirst)
	}

	// Cross the hour boundary; the next write must land in a new file.
	now = time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)
	cw.Write([]byte("after\n"))

	second := cw.Path()
	wantSecond := filepath.Join(dir, "dr_visibilities.2026-03-14_10.log")
	if second != wantSecond {
		t.Fatalf("rotated path = %q, want %q", second, wantSecond)
	}

	b1, _ := os.ReadFile(wantFirst)
	b2, _ := os.ReadFile(wantSecond)
	if string(b1) != "before\n" {
		t.Errorf("first file = %q, want %q", b1, "before\n")
	}
	if string(b2) != "after\n" {
		t.Errorf("second file = %q, want %q", b2, "after\n")
	}
}

func TestCaptureWriterNoRotationWithoutToken(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "plain.log")

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cw, err := NewCaptureWriter(CaptureConfig{Pattern: pattern, Now: clock})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	cw.Write([]byte("a"))
	now = now.Add(3 * time.Hour)
	cw.Write([]byte("b"))

	if cw.Path() != pattern {
		t.Errorf("path changed to %q on tokenless pattern", cw.Path())
	}
	data, _ := os.ReadFile(pattern)
	if string(data) != "ab" {
		t.Errorf("file content = %q, want %q", data, "ab")
	}
}

func TestCaptureWriterBufferOnly(t *testing.T) {
	cw, err := NewCaptureWriter(CaptureConfig{Recorder: "x"})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	cw.Write([]byte("data"))
	if cw.Path() != "" {
		t.Errorf("Path() = %q, want empty in buffer-only mode", cw.Path())
	}
	if got := cw.ReadTail(4); !bytes.Equal(got, []byte("data")) {
		t.Errorf("ReadTail = %q, want %q", got, "data")
	}
}

func TestCaptureWriterHandlers(t *testing.T) {
	cw, err := NewCaptureWriter(CaptureConfig{Recorder: "fast-vis"})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	var gotRec string
	var gotData []byte
	cw.AddHandler(func(recorder string, data []byte) {
		gotRec = recorder
		gotData = append([]byte(nil), data...)
	})

	cw.Write([]byte("payload"))
	if gotRec != "fast-vis" {
		t.Errorf("handler recorder = %q, want fast-vis", gotRec)
	}
	if !bytes.Equal(gotData, []byte("payload")) {
		t.Errorf("handler data = %q, want payload", gotData)
	}
}

func TestCaptureWriterReopen(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "r.log")

	cw, err := NewCaptureWriter(CaptureConfig{Pattern: pattern})
	if err != nil {
		t.Fatalf("NewCaptureWriter: %v", err)
	}
	defer cw.Close()

	cw.Write([]byte("one"))

	// Simulate external rotation: move the file aside, then reopen.
	os.Rename(pattern, pattern+".old")
	if err := cw.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	cw.Write([]byte("two"))

	data, err := os.ReadFile(pattern)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("post-reopen file = %q, want %q", data, "two")
	}
}

func TestSweepEmptyLogs(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "dr_tengine-2.2026-03-14_08.log")
	kept := filepath.Join(dir, "dr_tengine-2.2026-03-14_09.log")
	other := filepath.Join(dir, "unrelated.log")
	os.WriteFile(empty, nil, 0644)
	os.WriteFile(kept, []byte("content"), 0644)
	os.WriteFile(other, nil, 0644)

	if err := SweepEmptyLogs(dir, "dr_tengine"); err != nil {
		t.Fatalf("SweepEmptyLogs: %v", err)
	}

	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("empty rotated log was not removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Error("non-empty log was removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-matching file was removed")
	}
}
