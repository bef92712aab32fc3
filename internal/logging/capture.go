package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CaptureConfig configures capture of one recorder output stream.
type CaptureConfig struct {
	Recorder string // instance name, passed to handlers
	Stream   string // "stdout" or "stderr"
	// Pattern is the log file path and may contain the %H rotation
	// token. Empty means ring buffer only.
	Pattern string
	Logger  *slog.Logger
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// CaptureWriter persists recorder output to an hourly-rotated file and a
// ring buffer, and fans it out to registered handlers.
type CaptureWriter struct {
	mu       sync.Mutex
	config   CaptureConfig
	file     *os.File
	path     string    // currently open expanded path
	rotateAt time.Time // zero when the pattern has no rotation token
	handlers []func(recorder string, data []byte)
	ringBuf  *RingBuffer
}

// NewCaptureWriter creates a capture writer. The log directory must
// already exist; the supervisor's startup hook guarantees that.
func NewCaptureWriter(cfg CaptureConfig) (*CaptureWriter, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cw := &CaptureWriter{
		config:  cfg,
		ringBuf: NewRingBuffer(64 * 1024),
	}
	if cfg.Pattern != "" {
		if err := cw.openLocked(cfg.Now()); err != nil {
			return nil, err
		}
	}
	return cw, nil
}

func (cw *CaptureWriter) openLocked(now time.Time) error {
	path := ExpandHourToken(cw.config.Pattern, now)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot open log file: %s: %w", path, err)
	}
	cw.file = f
	cw.path = path
	if HasHourToken(cw.config.Pattern) {
		cw.rotateAt = NextRotation(now)
	}
	return nil
}

// Write implements io.Writer.
func (cw *CaptureWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.ringBuf.Write(p)

	if cw.file != nil {
		now := cw.config.Now()
		if !cw.rotateAt.IsZero() && !now.Before(cw.rotateAt) {
			cw.file.Close()
			if err := cw.openLocked(now); err != nil {
				cw.file = nil
				if cw.config.Logger != nil {
					cw.config.Logger.Error("log rotation failed",
						"recorder", cw.config.Recorder, "error", err)
				}
			}
		}
		if cw.file != nil {
			if _, err := cw.file.Write(p); err != nil && cw.config.Logger != nil {
				cw.config.Logger.Error("log write failed",
					"file", cw.path, "error", err)
			}
		}
	}

	for _, h := range cw.handlers {
		h(cw.config.Recorder, p)
	}

	return len(p), nil
}

// AddHandler registers a callback for captured data.
func (cw *CaptureWriter) AddHandler(h func(recorder string, data []byte)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, h)
}

// ReadTail returns the last n bytes from the ring buffer.
func (cw *CaptureWriter) ReadTail(n int) []byte {
	return cw.ringBuf.Read(n)
}

// Path returns the currently open log file path, empty in buffer-only mode.
func (cw *CaptureWriter) Path() string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.path
}

// Reopen closes and reopens the log file, honoring the rotation token.
func (cw *CaptureWriter) Reopen() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.config.Pattern == "" {
		return nil
	}
	if cw.file != nil {
		cw.file.Close()
	}
	return cw.openLocked(cw.config.Now())
}

// Close closes the log file if open.
func (cw *CaptureWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.file != nil {
		err := cw.file.Close()
		cw.file = nil
		return err
	}
	return nil
}

// SweepEmptyLogs removes zero-length rotated log files under dir that
// match the given program prefix. Called on daemon startup unless
// nocleanup is set.
func SweepEmptyLogs(dir, prefix string) error {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.log"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			os.Remove(m)
		}
	}
	return nil
}
