package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// WebhookConfig describes a single webhook destination.
type WebhookConfig struct {
	Name          string
	URL           string
	Events        []EventType
	Headers       map[string]string
	Timeout       time.Duration
	MaxRetries    int
	Template      string // "generic", "slack", "pagerduty"
	AllowInsecure bool
}

// breakerThreshold is the number of consecutive failed deliveries
// after which a hook stops receiving events.
const breakerThreshold = 5

type hook struct {
	cfg WebhookConfig

	mu       sync.Mutex
	failures int
	open     bool
}

// WebhookManager subscribes to events and delivers HTTP POST notifications.
type WebhookManager struct {
	bus    *Bus
	logger *slog.Logger
	client *http.Client

	byEvent map[EventType][]*hook
	subIDs  []uint64
}

// NewWebhookManager creates a webhook manager and subscribes it to every
// event type any of the configured hooks wants.
func NewWebhookManager(bus *Bus, configs []WebhookConfig, logger *slog.Logger) *WebhookManager {
	wm := &WebhookManager{
		bus:     bus,
		logger:  logger,
		client:  &http.Client{},
		byEvent: make(map[EventType][]*hook),
	}

	for _, cfg := range configs {
		if cfg.Timeout == 0 {
			cfg.Timeout = 5 * time.Second
		}
		if cfg.MaxRetries == 0 {
			cfg.MaxRetries = 3
		}
		if cfg.Template == "" {
			cfg.Template = "generic"
		}
		h := &hook{cfg: cfg}
		for _, et := range cfg.Events {
			wm.byEvent[et] = append(wm.byEvent[et], h)
		}
	}

	for et := range wm.byEvent {
		et := et
		wm.subIDs = append(wm.subIDs, bus.Subscribe(et, func(e Event) {
			for _, h := range wm.byEvent[et] {
				// Delivery must never block the bus.
				go wm.deliver(h, e)
			}
		}))
	}
	return wm
}

// Stop unsubscribes from all events. In-flight deliveries finish on their own.
func (wm *WebhookManager) Stop() {
	for _, id := range wm.subIDs {
		wm.bus.Unsubscribe(id)
	}
}

func (wm *WebhookManager) deliver(h *hook, e Event) {
	h.mu.Lock()
	skip := h.open
	h.mu.Unlock()
	if skip {
		return
	}

	payload := buildPayload(h.cfg.Template, e)

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if lastErr = wm.post(h.cfg, payload); lastErr == nil {
			h.mu.Lock()
			h.failures = 0
			h.mu.Unlock()
			return
		}
	}

	h.mu.Lock()
	h.failures++
	if h.failures >= breakerThreshold && !h.open {
		h.open = true
		wm.logger.Warn("webhook disabled after repeated failures",
			"name", h.cfg.Name, "url", h.cfg.URL)
	}
	h.mu.Unlock()

	wm.logger.Error("webhook delivery failed",
		"name", h.cfg.Name,
		"url", h.cfg.URL,
		"error", lastErr,
	)
}

func (wm *WebhookManager) post(cfg WebhookConfig, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "recsup-webhook/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// buildPayload renders the JSON body for the named template.
func buildPayload(template string, e Event) []byte {
	var payload any

	switch template {
	case "slack":
		payload = map[string]string{
			"text": fmt.Sprintf("[%s] %s", e.Type, formatEventData(e.Data)),
		}

	case "pagerduty":
		payload = map[string]any{
			"routing_key":  "",
			"event_action": "trigger",
			"payload": map[string]any{
				"summary":   fmt.Sprintf("%s: %s", e.Type, formatEventData(e.Data)),
				"source":    "recsup",
				"severity":  pagerDutySeverity(e.Type),
				"timestamp": e.Timestamp.Format(time.RFC3339),
			},
		}

	default: // "generic"
		payload = map[string]any{
			"event":     string(e.Type),
			"timestamp": e.Timestamp.Format(time.RFC3339),
			"recorder":  e.Data["name"],
			"role":      e.Data["role"],
			"details":   e.Data,
		}
	}

	data, _ := json.Marshal(payload)
	return data
}

// formatEventData renders event data as sorted key=value pairs so the
// same event always produces the same message text.
func formatEventData(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, data[k]))
	}
	return strings.Join(parts, " ")
}

func pagerDutySeverity(et EventType) string {
	switch et {
	case RecorderStateFatal, RestartLimited:
		return "critical"
	case RecorderStateExited, QuotaExceeded:
		return "error"
	case ConflictRejected:
		return "warning"
	default:
		return "info"
	}
}

// ValidateWebhookURL checks that a URL parses and uses HTTPS. Plain HTTP
// is allowed only for localhost targets or with allow_insecure set.
func ValidateWebhookURL(rawURL string, allowInsecure bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid webhook URL format: %s", rawURL)
	}

	if u.Scheme == "http" && !allowInsecure {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
		default:
			return fmt.Errorf("webhook URL must use HTTPS: %s (set allow_insecure=true to override)", rawURL)
		}
	}
	return nil
}

// ExpandWebhookEnv resolves ${VAR} references against the environment.
// An undefined variable is an error rather than an empty string, so a
// missing token cannot silently produce an unauthenticated header.
func ExpandWebhookEnv(s string) (string, error) {
	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			out.WriteString(s)
			return out.String(), nil
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("unclosed ${} in %q", s)
		}
		name := s[start+2 : start+end]
		val, ok := lookupEnv(name)
		if !ok {
			return "", fmt.Errorf("undefined environment variable: %s", name)
		}
		out.WriteString(s[:start])
		out.WriteString(val)
		s = s[start+end+1:]
	}
}

// lookupEnv wraps os.LookupEnv for testability.
var lookupEnv = os.LookupEnv
