package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/recsup/recsup/internal/events"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	c := New()
	if c == nil {
		t.Fatal("expected non-nil collector")
	}
}

func TestMetricsHandler(t *testing.T) {
	c := New()
	body := scrape(t, c)

	// Should contain Go runtime metrics.
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected go_goroutines metric")
	}
}

func TestRecorderStateMetric(t *testing.T) {
	c := New()
	c.SetRecorderState("slow-band01", "slow-visibility", 2) // RUNNING

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_recorder_state{name="slow-band01",role="slow-visibility"} 2`) {
		t.Fatalf("expected recorder state metric, got:\n%s", body)
	}
}

func TestRecorderStartCounter(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		c.IncRecorderStart("slow-band01")
	}

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_recorder_start_total{name="slow-band01"} 3`) {
		t.Fatalf("expected start_total=3, got:\n%s", body)
	}
}

func TestRecorderExitCounter(t *testing.T) {
	c := New()
	c.IncRecorderExit("slow-band01", true)
	c.IncRecorderExit("slow-band01", false)
	c.IncRecorderExit("slow-band01", false)

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_recorder_exit_total{clean="true",name="slow-band01"} 1`) {
		t.Fatalf("expected clean exit count, got:\n%s", body)
	}
	if !strings.Contains(body, `recsup_recorder_exit_total{clean="false",name="slow-band01"} 2`) {
		t.Fatalf("expected crash count, got:\n%s", body)
	}
}

func TestRecordDirUsage(t *testing.T) {
	c := New()
	c.SetRecordDirUsage("slow-band01", "slow-visibility", 1<<30)
	c.SetOverQuota("slow-band01", true)

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_record_directory_usage_bytes{name="slow-band01",role="slow-visibility"}`) {
		t.Fatalf("expected usage metric, got:\n%s", body)
	}
	if !strings.Contains(body, `recsup_record_directory_over_quota{name="slow-band01"} 1`) {
		t.Fatalf("expected over-quota flag, got:\n%s", body)
	}
}

func TestBuildInfo(t *testing.T) {
	c := New()
	c.SetBuildInfo("1.0.0", "go1.26")

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_info{go_version="go1.26",version="1.0.0"} 1`) {
		t.Fatalf("expected build info, got:\n%s", body)
	}
}

func TestRemoveRecorder(t *testing.T) {
	c := New()
	c.SetRecorderState("slow-band01", "slow-visibility", 2)
	c.IncRecorderStart("slow-band01")
	c.RemoveRecorder("slow-band01", "slow-visibility")

	body := scrape(t, c)
	if strings.Contains(body, `name="slow-band01"`) {
		t.Fatalf("expected no metrics left for removed recorder, got:\n%s", body)
	}
}

func TestObserveBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	bus := events.NewBus(logger)
	c := New()
	c.ObserveBus(bus)

	bus.Publish(events.Event{
		Type: events.RecorderStateRunning,
		Data: map[string]string{"name": "slow-band01", "role": "slow-visibility"},
	})
	bus.Publish(events.Event{
		Type: events.RecorderStateExited,
		Data: map[string]string{"name": "slow-band01", "role": "slow-visibility", "exit_code": "1"},
	})
	bus.Publish(events.Event{
		Type: events.ConflictRejected,
		Data: map[string]string{"name": "vbeam-1", "role": "raw-voltage-beam"},
	})
	bus.Publish(events.Event{
		Type: events.QuotaExceeded,
		Data: map[string]string{"recorder": "slow-band01"},
	})

	body := scrape(t, c)
	if !strings.Contains(body, `recsup_recorder_exit_total{clean="false",name="slow-band01"} 1`) {
		t.Fatalf("expected exit via bus, got:\n%s", body)
	}
	if !strings.Contains(body, `recsup_conflict_rejected_total{name="vbeam-1"} 1`) {
		t.Fatalf("expected conflict rejection via bus, got:\n%s", body)
	}
	if !strings.Contains(body, `recsup_record_directory_over_quota{name="slow-band01"} 1`) {
		t.Fatalf("expected quota flag via bus, got:\n%s", body)
	}
	// Exited state gauge comes from the state subscription.
	if !strings.Contains(body, `recsup_recorder_state{name="slow-band01",role="slow-visibility"} 4`) {
		t.Fatalf("expected state code 4, got:\n%s", body)
	}
}
