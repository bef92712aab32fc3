// Package ctl implements the CLI control client for communicating
// with a running recsup daemon over its Unix socket or TCP API.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Client communicates with a recsup daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

func (c *Client) doJSON(method, path string, body io.Reader) (map[string]any, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if e, ok := result["error"].(string); ok {
			msg = e
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return result, nil
}

// RecorderInfo is the JSON structure returned by the API.
type RecorderInfo struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	State      string `json:"state"`
	StateCode  int    `json:"statecode"`
	PID        int    `json:"pid"`
	Uptime     int64  `json:"uptime"`
	ExitStatus int    `json:"exitstatus"`
	Band       int    `json:"band,omitempty"`
	Beam       int    `json:"beam,omitempty"`
	Port       int    `json:"port"`
	Program    string `json:"program"`
	Restarts   int    `json:"restarts_in_window"`
}

// --- Recorder control operations ---

// Start starts a recorder by name.
func (c *Client) Start(name string) error {
	_, err := c.doJSON("POST", "/api/v1/recorders/"+name+"/start", nil)
	return err
}

// Stop stops a recorder by name.
func (c *Client) Stop(name string) error {
	_, err := c.doJSON("POST", "/api/v1/recorders/"+name+"/stop", nil)
	return err
}

// Restart restarts a recorder by name.
func (c *Client) Restart(name string) error {
	_, err := c.doJSON("POST", "/api/v1/recorders/"+name+"/restart", nil)
	return err
}

// Signal sends a signal to a recorder.
func (c *Client) Signal(name, sig string) error {
	body := fmt.Sprintf(`{"signal":"%s"}`, sig)
	_, err := c.doJSON("POST", "/api/v1/recorders/"+name+"/signal", strings.NewReader(body))
	return err
}

// StartRole starts every recorder of a role.
func (c *Client) StartRole(role string) error {
	_, err := c.doJSON("POST", "/api/v1/roles/"+role+"/start", nil)
	return err
}

// StopRole stops every recorder of a role.
func (c *Client) StopRole(role string) error {
	_, err := c.doJSON("POST", "/api/v1/roles/"+role+"/stop", nil)
	return err
}

// RestartRole restarts every recorder of a role.
func (c *Client) RestartRole(role string) error {
	_, err := c.doJSON("POST", "/api/v1/roles/"+role+"/restart", nil)
	return err
}

// --- Status display ---

// StatusOptions controls status output formatting.
type StatusOptions struct {
	JSON    bool
	NoColor bool
}

// Status retrieves and formats recorder status.
func (c *Client) Status(names []string, jsonOutput bool, w io.Writer) error {
	return c.StatusWithOptions(names, StatusOptions{JSON: jsonOutput}, w)
}

// StatusWithOptions retrieves recorder status with explicit formatting options.
func (c *Client) StatusWithOptions(names []string, opts StatusOptions, w io.Writer) error {
	resp, err := c.do("GET", "/api/v1/recorders", nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var recs []RecorderInfo
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}

	// Filter by names if specified.
	if len(names) > 0 {
		filter := make(map[string]bool)
		for _, n := range names {
			filter[n] = true
		}
		var filtered []RecorderInfo
		for _, r := range recs {
			if filter[r.Name] {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	return formatStatusTable(recs, w, !opts.NoColor && isTerminal(w))
}

func formatStatusTable(recs []RecorderInfo, w io.Writer, color bool) error {
	// Sort by name.
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Name < recs[j].Name
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tROLE\tSTATE\tPID\tUPTIME\tDETAIL\n")

	for _, r := range recs {
		state := r.State
		if color {
			state = colorState(r.State)
		}

		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}

		uptime := "-"
		if r.Uptime > 0 {
			uptime = formatDuration(time.Duration(r.Uptime) * time.Second)
		}

		detail := instanceDetail(r)
		if r.State == "EXITED" || r.State == "FATAL" {
			detail = fmt.Sprintf("exit %d", r.ExitStatus)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Role, state, pid, uptime, detail)
	}
	return tw.Flush()
}

// instanceDetail shows the instance identity: band for visibility
// recorders, beam for beam recorders, port otherwise.
func instanceDetail(r RecorderInfo) string {
	switch {
	case r.Band > 0:
		return fmt.Sprintf("band %d", r.Band)
	case r.Beam > 0:
		return fmt.Sprintf("beam %d", r.Beam)
	default:
		return fmt.Sprintf("port %d", r.Port)
	}
}

func colorState(state string) string {
	switch state {
	case "RUNNING":
		return "\033[32m" + state + "\033[0m"
	case "FATAL":
		return "\033[31m" + state + "\033[0m"
	case "STARTING", "STOPPING":
		return "\033[33m" + state + "\033[0m"
	default:
		return state
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		stat, _ := f.Stat()
		return stat != nil && (stat.Mode()&os.ModeCharDevice) != 0
	}
	return false
}

// --- Log tailing ---

// Tail reads captured output from a recorder.
func (c *Client) Tail(name string, bytes int, w io.Writer) error {
	path := fmt.Sprintf("/api/v1/recorders/%s/log?length=%d", name, bytes)
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			return fmt.Errorf("server error (status %d)", resp.StatusCode)
		}
		return fmt.Errorf("%s", errBody["error"])
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// TailFollow streams captured output via SSE.
func (c *Client) TailFollow(ctx context.Context, name string, w io.Writer) error {
	path := fmt.Sprintf("/api/v1/recorders/%s/log/stream", name)
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			return fmt.Errorf("server error (status %d)", resp.StatusCode)
		}
		return fmt.Errorf("%s", errBody["error"])
	}

	// Parse SSE stream.
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			// Extract data lines from SSE.
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				if strings.HasPrefix(line, "data: ") {
					fmt.Fprintln(w, line[6:])
				}
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Unit fetches the rendered systemd unit for a recorder.
func (c *Client) Unit(name string, w io.Writer) error {
	resp, err := c.do("GET", "/api/v1/recorders/"+name+"/unit", nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			return fmt.Errorf("server error (status %d)", resp.StatusCode)
		}
		return fmt.Errorf("%s", errBody["error"])
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// --- Daemon operations ---

// Shutdown initiates daemon shutdown.
func (c *Client) Shutdown() error {
	_, err := c.doJSON("POST", "/api/v1/shutdown", nil)
	return err
}

// Reload triggers config reload.
func (c *Client) Reload() (map[string]any, error) {
	return c.doJSON("POST", "/api/v1/config/reload", nil)
}

// Version returns daemon version info.
func (c *Client) Version() (map[string]any, error) {
	return c.doJSON("GET", "/api/v1/version", nil)
}

// PID returns the daemon PID, or a recorder PID when name is non-empty.
func (c *Client) PID(name string) (string, error) {
	if name == "" {
		result, err := c.doJSON("GET", "/api/v1/version", nil)
		if err != nil {
			return "", err
		}
		if pid, ok := result["pid"]; ok {
			return fmt.Sprintf("%v", pid), nil
		}
		return "", fmt.Errorf("pid not available from version endpoint")
	}

	resp, err := c.do("GET", "/api/v1/recorders/"+name, nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var info RecorderInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("no such recorder: %s", name)
	}
	return fmt.Sprintf("%d", info.PID), nil
}

// --- Health checks ---

// Health checks daemon liveness.
func (c *Client) Health() (string, error) {
	resp, err := c.do("GET", "/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}

// Ready checks daemon readiness, optionally filtering by recorder names.
func (c *Client) Ready(recorders []string) (string, error) {
	path := "/readyz"
	if len(recorders) > 0 {
		path += "?recorder=" + strings.Join(recorders, ",")
	}
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	status, _ := body["status"].(string)
	return status, nil
}
