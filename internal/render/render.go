// Package render produces installable systemd unit files from recorder
// descriptors. The unit encodes the same lifecycle policy the supervisor
// enforces itself, so a deployment can run recorders under recsup or
// directly under systemd with identical behavior.
package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/recsup/recsup/internal/descriptor"
)

// TemplateName identifies the unit template in provenance trailers.
const TemplateName = "recorder-unit.service"

const unitTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target
{{- if .ConflictUnit}}
Conflicts={{.ConflictUnit}}
{{- end}}
StartLimitIntervalSec={{.StartLimitInterval}}
StartLimitBurst={{.StartLimitBurst}}

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .Group}}
Group={{.Group}}
{{- end}}
Environment=PYTHONUNBUFFERED=1
Environment=RECSUP_RECORDER_NAME={{.Name}}
Environment=RECSUP_ROLE={{.Role}}
LimitMEMLOCK=infinity
{{- if .NUMAMask}}
NUMAPolicy=bind
NUMAMask={{.NUMAMask}}
{{- end}}
ExecStartPre=/bin/mkdir -p {{.LogDir}} {{.RecordDir}}
ExecStart={{.ExecStart}}
Restart={{.Restart}}
KillSignal={{.KillSignal}}
TimeoutStopSec={{.TimeoutStop}}
{{- if .CleanupCommand}}
ExecStopPost={{.CleanupCommand}}
{{- end}}

[Install]
WantedBy=multi-user.target
`

// Overridable for deterministic tests.
var (
	timeNow     = time.Now
	newRenderID = uuid.NewString
)

var unitTmpl = template.Must(template.New(TemplateName).Parse(unitTemplate))

type unitData struct {
	Description        string
	Name               string
	Role               string
	ConflictUnit       string
	StartLimitInterval int
	StartLimitBurst    int
	User               string
	Group              string
	NUMAMask           string
	LogDir             string
	RecordDir          string
	ExecStart          string
	Restart            string
	KillSignal         string
	TimeoutStop        int
	CleanupCommand     string
}

// UnitName returns the installed unit file name for a descriptor.
// Conflict-pair roles run as at most one instance per host, so their
// units are named by role; that keeps the peer's Conflicts= line
// resolvable without knowing the peer's instance name.
func UnitName(d *descriptor.Descriptor) string {
	if d.Policy.ConflictsWith != "" {
		return fmt.Sprintf("recsup-%s.service", d.Role)
	}
	return fmt.Sprintf("recsup-%s.service", d.Name)
}

// Unit renders the systemd unit for a descriptor, including the
// provenance trailer. Rendering the same descriptor twice produces
// identical bytes except for the generated-at and render-id lines.
func Unit(d *descriptor.Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	data := unitData{
		Description:        fmt.Sprintf("%s recorder %s", d.Role, d.Name),
		Name:               d.Name,
		Role:               string(d.Role),
		StartLimitInterval: int(d.Policy.RestartWindow / time.Second),
		StartLimitBurst:    d.Policy.RestartBurst,
		LogDir:             d.Logging.Dir,
		RecordDir:          d.Storage.RecordDir,
		ExecStart:          strings.Join(d.CommandLine(), " "),
		Restart:            restartValue(d.Policy.Restart),
		KillSignal:         "SIG" + d.Policy.StopSignal,
		TimeoutStop:        int(d.Policy.StopGrace / time.Second),
	}

	if d.Policy.ConflictsWith != "" {
		data.ConflictUnit = fmt.Sprintf("recsup-%s.service", d.Policy.ConflictsWith)
	}
	if d.User != "" {
		uid, gid, ok := strings.Cut(d.User, ":")
		data.User = uid
		if ok {
			data.Group = gid
		}
	}
	if d.Resources.NUMA >= 0 {
		data.NUMAMask = fmt.Sprintf("%d", d.Resources.NUMA)
	}
	if d.Cleanup != nil {
		data.CleanupCommand = cleanupCommand(d.Cleanup)
	}

	// RestartNever disables the start limit; systemd rejects a burst of 0.
	if data.Restart == "no" {
		data.StartLimitInterval = 0
		data.StartLimitBurst = 5
	}

	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render unit for %s: %w", d.Name, err)
	}

	writeProvenance(&buf)
	return buf.Bytes(), nil
}

func restartValue(m descriptor.RestartMode) string {
	if m == descriptor.RestartNever {
		return "no"
	}
	return "on-failure"
}

// cleanupCommand builds the guarded post-stop cleanup: delete the temp
// writer state only when no sibling recorder process remains.
func cleanupCommand(c *descriptor.Cleanup) string {
	return fmt.Sprintf("/bin/sh -c 'pgrep -x %s >/dev/null || rm -rf %s'",
		c.Match, strings.Join(c.Paths, " "))
}

// writeProvenance appends the audit trailer. It is comment-only and
// carries no runtime meaning.
func writeProvenance(buf *bytes.Buffer) {
	sum := blake3.Sum256([]byte(unitTemplate))
	fmt.Fprintf(buf, "\n# ---\n")
	fmt.Fprintf(buf, "# generated-at: %s\n", timeNow().UTC().Format(time.RFC3339))
	fmt.Fprintf(buf, "# render-id: %s\n", newRenderID())
	fmt.Fprintf(buf, "# template: %s\n", TemplateName)
	fmt.Fprintf(buf, "# template-blake3: %x\n", sum)
}

// WriteUnit renders a descriptor and installs the unit file into dir.
// Returns the written path.
func WriteUnit(dir string, d *descriptor.Descriptor) (string, error) {
	content, err := Unit(d)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, UnitName(d))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write unit %s: %w", path, err)
	}
	return path, nil
}

// WriteAll renders and installs units for every descriptor, in name
// order. Returns the written paths.
func WriteAll(dir string, descs map[string]*descriptor.Descriptor) ([]string, error) {
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		path, err := WriteUnit(dir, descs[name])
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
