package migrate

import (
	"strings"
	"testing"
)

func TestParseINIBasic(t *testing.T) {
	input := `
[supervisord]
logfile = /var/log/recsup.log
loglevel = info

[program:slow-band01]
command = /opt/recorders/dr_visibilities --address 10.41.0.76
autostart = true
`
	ini, err := ParseINI(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(ini.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(ini.Sections))
	}

	if ini.Sections[0].Type != "supervisord" {
		t.Errorf("type = %q, want supervisord", ini.Sections[0].Type)
	}
	if ini.Sections[0].Options["logfile"] != "/var/log/recsup.log" {
		t.Errorf("logfile = %q", ini.Sections[0].Options["logfile"])
	}

	prog := ini.Sections[1]
	if prog.Type != "program" || prog.Name != "slow-band01" {
		t.Errorf("section = %s:%s, want program:slow-band01", prog.Type, prog.Name)
	}
	if prog.Options["autostart"] != "true" {
		t.Errorf("autostart = %q", prog.Options["autostart"])
	}
}

func TestParseINIInlineComments(t *testing.T) {
	input := `
[supervisord]
loglevel = debug ; verbose while migrating
logfile = "/var/log/a;b.log"
`
	ini, err := ParseINI(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	opts := ini.Sections[0].Options
	if opts["loglevel"] != "debug" {
		t.Errorf("loglevel = %q, want debug (comment stripped)", opts["loglevel"])
	}
	if !strings.Contains(opts["logfile"], ";") {
		t.Errorf("logfile = %q, semicolon inside quotes should survive", opts["logfile"])
	}
}

func TestParseINIContinuationLine(t *testing.T) {
	input := `
[program:beam2]
command = dr_beam --swmr
	--address 10.41.0.77
`
	ini, err := ParseINI(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	cmd := ini.Sections[0].Options["command"]
	if !strings.Contains(cmd, "--address 10.41.0.77") {
		t.Errorf("command = %q, continuation not merged", cmd)
	}
}

func TestParseINIUnknownSectionWarns(t *testing.T) {
	input := `
[rpcinterface]
key = value
`
	ini, err := ParseINI(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(ini.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one unknown-section warning", ini.Warnings)
	}
}

func TestParseINIKeyOutsideSection(t *testing.T) {
	_, err := ParseINI(strings.NewReader("orphan = value\n"))
	if err == nil {
		t.Fatal("expected error for key outside any section")
	}
}

func TestParseINIMissingEquals(t *testing.T) {
	_, err := ParseINI(strings.NewReader("[supervisord]\nnot a pair\n"))
	if err == nil {
		t.Fatal("expected parse error for line without =")
	}
}

func TestParseINIEnvVarRewrite(t *testing.T) {
	input := `
[program:slow-band01]
command = dr_visibilities --record-directory %(ENV_DATA_ROOT)s/slow
`
	ini, err := ParseINI(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	cmd := ini.Sections[0].Options["command"]
	if !strings.Contains(cmd, "${DATA_ROOT}/slow") {
		t.Errorf("command = %q, want ${DATA_ROOT} rewrite", cmd)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"yes", true, false},
		{"on", true, false},
		{"1", true, false},
		{"false", false, false},
		{"no", false, false},
		{"off", false, false},
		{"0", false, false},
		{"TRUE", true, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		got, err := ParseBool(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBool(%q) should error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBool(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBool(%q) = %t, want %t", tt.in, got, tt.want)
		}
	}
}
