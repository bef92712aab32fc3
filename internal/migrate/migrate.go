// Package migrate converts supervisord-style configs from legacy
// recorder deployments into recsup TOML.
package migrate

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/recsup/recsup/internal/config"
)

// Result holds the output of a migration run.
type Result struct {
	TOML      string   // generated TOML content
	Warnings  []string // non-fatal warnings (unsupported options, etc.)
	ParseErrs []string // errors from INI parsing
	ValidErrs []string // validation errors from generated config
}

// Options configures migration behavior.
type Options struct {
	Output string // write to file instead of stdout (empty = stdout)
	Force  bool   // overwrite existing output file
	DryRun bool   // preview only, no file write
}

// Migrate reads a supervisord-style config and produces recsup TOML.
func Migrate(inputPath string, opts Options) (*Result, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", inputPath)
	}
	defer f.Close()

	return MigrateReader(f, opts)
}

// MigrateReader converts a supervisord-style config from a reader.
func MigrateReader(r io.Reader, opts Options) (*Result, error) {
	ini, err := ParseINI(r)
	if err != nil {
		return &Result{ParseErrs: []string{err.Error()}}, err
	}

	result := &Result{
		Warnings: ini.Warnings,
	}

	result.TOML = generateTOML(ini, result)
	validateGenerated(result)

	return result, nil
}

// WriteResult writes migration output to the configured destination.
func WriteResult(result *Result, opts Options, w io.Writer) error {
	if opts.Output != "" && !opts.DryRun {
		if !opts.Force {
			if _, err := os.Stat(opts.Output); err == nil {
				return fmt.Errorf("output file exists: %s (use --force)", opts.Output)
			}
		}
		if err := os.WriteFile(opts.Output, []byte(result.TOML), 0644); err != nil {
			return fmt.Errorf("cannot write output: %w", err)
		}
		return nil
	}

	_, err := fmt.Fprint(w, result.TOML)
	return err
}

func generateTOML(ini *INIFile, result *Result) string {
	var b strings.Builder
	b.WriteString("# recsup configuration file\n")
	b.WriteString("# Migrated from a supervisord-style config\n\n")

	var supervisordSections []INISection
	var programSections []INISection
	var other []INISection

	for _, sec := range ini.Sections {
		switch sec.Type {
		case "supervisord":
			supervisordSections = append(supervisordSections, sec)
		case "program":
			programSections = append(programSections, sec)
		case "unix_http_server":
			writeUnixServerSection(&b, sec, result)
		case "inet_http_server":
			writeHTTPServerSection(&b, sec, result)
		case "include":
			writeIncludeSection(&b, sec)
		default:
			other = append(other, sec)
		}
	}

	for _, sec := range supervisordSections {
		writeSupervisorSection(&b, sec, result)
	}

	sort.Slice(programSections, func(i, j int) bool {
		return programSections[i].Name < programSections[j].Name
	})
	for _, sec := range programSections {
		writeRecorderSection(&b, sec, result)
	}

	for _, sec := range other {
		fmt.Fprintf(&b, "# UNSUPPORTED SECTION: [%s", sec.Type)
		if sec.Name != "" {
			b.WriteString(":" + sec.Name)
		}
		b.WriteString("]\n")
		for _, k := range sortedKeys(sec.Options) {
			fmt.Fprintf(&b, "# %s = %s\n", k, sec.Options[k])
		}
		b.WriteString("\n")
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unsupported section type: %s", sec.Type))
	}

	return b.String()
}

// supervisord options that map onto [supervisor] keys.
var supervisorKeyMap = map[string]string{
	"logfile":   "logfile",
	"loglevel":  "log_level",
	"pidfile":   "pid_file",
	"directory": "directory",
	"nocleanup": "nocleanup",
}

func writeSupervisorSection(b *strings.Builder, sec INISection, result *Result) {
	b.WriteString("[supervisor]\n")
	for _, key := range sortedKeys(sec.Options) {
		value := sec.Options[key]
		mapped, ok := supervisorKeyMap[key]
		if !ok {
			fmt.Fprintf(b, "# UNSUPPORTED: %s = %s\n", key, value)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("supervisor: unsupported option %q", key))
			continue
		}
		if mapped == "nocleanup" {
			v, err := ParseBool(value)
			if err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("supervisor: %v", err))
				continue
			}
			fmt.Fprintf(b, "nocleanup = %t\n", v)
			continue
		}
		fmt.Fprintf(b, "%s = %q\n", mapped, value)
	}
	b.WriteString("\n")
}

func writeRecorderSection(b *strings.Builder, sec INISection, result *Result) {
	command, ok := sec.Options["command"]
	if !ok {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program %s has no command, skipped", sec.Name))
		return
	}

	spec, err := ParseCommand(command)
	if err != nil {
		fmt.Fprintf(b, "# SKIPPED PROGRAM [%s]: %v\n", sec.Name, err)
		for _, k := range sortedKeys(sec.Options) {
			fmt.Fprintf(b, "# %s = %s\n", k, sec.Options[k])
		}
		b.WriteString("\n")
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program %s is not a recorder: %v", sec.Name, err))
		return
	}
	for _, w := range spec.Warnings {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program %s: %s", sec.Name, w))
	}

	fmt.Fprintf(b, "[recorders.%s]\n", sec.Name)
	fmt.Fprintf(b, "role = %q\n", spec.Role)
	if spec.Band > 0 {
		fmt.Fprintf(b, "band = %d\n", spec.Band)
	}
	if spec.Beam > 0 {
		fmt.Fprintf(b, "beam = %d\n", spec.Beam)
	}
	fmt.Fprintf(b, "address = %q\n", spec.Address)
	fmt.Fprintf(b, "port = %d\n", spec.Port)
	fmt.Fprintf(b, "cores = %s\n", tomlIntList(spec.Cores))
	if spec.GPU != nil {
		fmt.Fprintf(b, "gpu = %d\n", *spec.GPU)
	}
	fmt.Fprintf(b, "record_directory = %q\n", spec.RecordDirectory)
	if spec.Quota != "" {
		fmt.Fprintf(b, "quota = %q\n", spec.Quota)
	}
	if spec.LogDirectory != "" && spec.LogDirectory != "." {
		fmt.Fprintf(b, "log_directory = %q\n", spec.LogDirectory)
	}
	if spec.LogPattern != "" {
		fmt.Fprintf(b, "log_pattern = %q\n", spec.LogPattern)
	}
	if spec.CalDirectory != "" {
		fmt.Fprintf(b, "cal_directory = %q\n", spec.CalDirectory)
	}
	if spec.Activation != "" {
		fmt.Fprintf(b, "activation = %q\n", spec.Activation)
	}
	if spec.Image {
		b.WriteString("image = true\n")
	}
	if spec.Debug {
		b.WriteString("debug = true\n")
	}

	if auto, ok := sec.Options["autostart"]; ok {
		v, err := ParseBool(auto)
		if err == nil {
			fmt.Fprintf(b, "autostart = %t\n", v)
		} else {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("program %s: %v", sec.Name, err))
		}
	}
	if user, ok := sec.Options["user"]; ok {
		fmt.Fprintf(b, "user = %q\n", user)
	}

	// Restart behavior, signals, and grace come from the role policy
	// table; the supervisord equivalents are dropped on purpose.
	for _, k := range sortedKeys(sec.Options) {
		switch k {
		case "command", "autostart", "user",
			"autorestart", "startretries", "startsecs",
			"stopsignal", "stopwaitsecs", "exitcodes",
			"stdout_logfile", "stderr_logfile", "redirect_stderr":
			continue
		}
		fmt.Fprintf(b, "# UNSUPPORTED: %s = %s\n", k, sec.Options[k])
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program %s: unsupported option %q", sec.Name, k))
	}
	b.WriteString("\n")
}

func writeUnixServerSection(b *strings.Builder, sec INISection, result *Result) {
	b.WriteString("[server.unix]\n")
	if file, ok := sec.Options["file"]; ok {
		fmt.Fprintf(b, "file = %q\n", file)
	}
	if chmod, ok := sec.Options["chmod"]; ok {
		fmt.Fprintf(b, "chmod = %q\n", chmod)
	}
	if chown, ok := sec.Options["chown"]; ok {
		fmt.Fprintf(b, "chown = %q\n", chown)
	}
	for _, k := range sortedKeys(sec.Options) {
		if k != "file" && k != "chmod" && k != "chown" {
			fmt.Fprintf(b, "# UNSUPPORTED: %s = %s\n", k, sec.Options[k])
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("server.unix: unsupported option %q", k))
		}
	}
	b.WriteString("\n")
}

func writeHTTPServerSection(b *strings.Builder, sec INISection, result *Result) {
	b.WriteString("[server.http]\n")
	b.WriteString("enabled = true\n")
	if port, ok := sec.Options["port"]; ok {
		fmt.Fprintf(b, "listen = %q\n", port)
	}
	if user, ok := sec.Options["username"]; ok {
		fmt.Fprintf(b, "username = %q\n", user)
	}
	if pass, ok := sec.Options["password"]; ok {
		fmt.Fprintf(b, "password = %q\n", pass)
	}
	for _, k := range sortedKeys(sec.Options) {
		if k != "port" && k != "username" && k != "password" {
			fmt.Fprintf(b, "# UNSUPPORTED: %s = %s\n", k, sec.Options[k])
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("server.http: unsupported option %q", k))
		}
	}
	b.WriteString("\n")
}

func writeIncludeSection(b *strings.Builder, sec INISection) {
	if files, ok := sec.Options["files"]; ok {
		fmt.Fprintf(b, "include = [%q]\n", files)
		b.WriteString("# NOTE: included files must be migrated separately\n")
	}
	b.WriteString("\n")
}

func validateGenerated(result *Result) {
	if result.TOML == "" {
		return
	}
	_, _, err := config.LoadBytes([]byte(result.TOML), "generated")
	if err != nil {
		result.ValidErrs = append(result.ValidErrs,
			fmt.Sprintf("generated config has validation errors: %s", err.Error()))
	}
}

func tomlIntList(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
