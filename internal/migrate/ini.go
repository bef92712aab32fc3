package migrate

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// INISection is one parsed section from a supervisord-style config.
type INISection struct {
	Type    string            // e.g. "supervisord", "program"
	Name    string            // program name for [program:slow-band01]
	Options map[string]string // key-value pairs
}

// INIFile is a fully parsed supervisord-style config.
type INIFile struct {
	Sections []INISection
	Warnings []string
}

// known section types in a supervisord config
var knownSectionTypes = map[string]bool{
	"supervisord":      true,
	"program":          true,
	"group":            true,
	"eventlistener":    true,
	"include":          true,
	"unix_http_server": true,
	"inet_http_server": true,
}

// sectionHeaderRe matches [section_type] or [section_type:name]
var sectionHeaderRe = regexp.MustCompile(`^\[([a-zA-Z_-]+)(?::([^\]]+))?\]\s*(?:;.*)?$`)

type iniParser struct {
	file    *INIFile
	current *INISection
	lastKey string
	lineNum int
}

// ParseINI parses a supervisord-style INI file from a reader.
func ParseINI(r io.Reader) (*INIFile, error) {
	p := &iniParser{file: &INIFile{}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.lineNum++
		if err := p.line(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return p.file, nil
}

func (p *iniParser) line(raw string) error {
	trimmed := strings.TrimSpace(stripInlineComment(raw))

	if trimmed == "" || trimmed[0] == '#' || trimmed[0] == ';' {
		return nil
	}

	// A line indented under a key continues that key's value.
	if (raw[0] == ' ' || raw[0] == '\t') && p.current != nil && p.lastKey != "" {
		p.current.Options[p.lastKey] += " " + trimmed
		return nil
	}

	if m := sectionHeaderRe.FindStringSubmatch(trimmed); m != nil {
		return p.beginSection(m[1], m[2])
	}

	key, value, found := strings.Cut(trimmed, "=")
	if !found {
		return fmt.Errorf("parse error at line %d: expected key=value, got %q", p.lineNum, trimmed)
	}
	if p.current == nil {
		return fmt.Errorf("parse error at line %d: key-value pair outside of any section", p.lineNum)
	}

	key = strings.TrimSpace(key)
	p.current.Options[key] = rewriteSupervisordVars(strings.TrimSpace(value))
	p.lastKey = key
	return nil
}

func (p *iniParser) beginSection(sectionType, name string) error {
	if !knownSectionTypes[sectionType] {
		p.file.Warnings = append(p.file.Warnings,
			fmt.Sprintf("unknown section type: %s", sectionType))
	}

	p.file.Sections = append(p.file.Sections, INISection{
		Type:    sectionType,
		Name:    name,
		Options: make(map[string]string),
	})
	p.current = &p.file.Sections[len(p.file.Sections)-1]
	p.lastKey = ""
	return nil
}

// stripInlineComment removes an inline ; comment, leaving semicolons
// inside quoted strings alone.
func stripInlineComment(line string) string {
	inSingle := false
	inDouble := false
	for i, ch := range line {
		switch ch {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}

var supervisordEnvVarRe = regexp.MustCompile(`%\(ENV_([A-Za-z_][A-Za-z0-9_]*)\)s`)

// rewriteSupervisordVars converts %(ENV_X)s to the ${X} syntax the
// config expander understands. Builtin references like %(here)s keep
// their spelling; the expander shares it.
func rewriteSupervisordVars(value string) string {
	return supervisordEnvVarRe.ReplaceAllString(value, "${$1}")
}

// ParseBool converts supervisord boolean values to Go booleans.
// Supports: true/false, yes/no, on/off, 1/0.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %q", value)
	}
}
