package migrate

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/recsup/recsup/internal/descriptor"
)

// RecorderSpec holds the recorder settings recovered from a supervised
// command line.
type RecorderSpec struct {
	Role            string
	Activation      string
	Band            int
	Beam            int
	Address         string
	Port            int
	Cores           []int
	GPU             *int
	RecordDirectory string
	Quota           string
	LogDirectory    string
	LogPattern      string
	CalDirectory    string
	Image           bool
	Debug           bool
	Warnings        []string
}

// programRoles maps recorder binaries to their role. dr_visibilities
// serves two roles; --quick disambiguates.
var programRoles = map[string]descriptor.Role{
	"dr_beam":    descriptor.PowerBeam,
	"dr_tengine": descriptor.VoltageTEngine,
	"dr_vbeam":   descriptor.RawVoltageBeam,
}

// identityFromLogRe extracts the numeric identity from a default log
// pattern like dr_visibilities-3.%H.log.
var identityFromLogRe = regexp.MustCompile(`-(\d+)\.`)

// ParseCommand recovers recorder settings from a supervised command
// line. The command must invoke one of the recorder programs; anything
// before the program token becomes the activation prefix.
func ParseCommand(command string) (*RecorderSpec, error) {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	progIdx := -1
	var program string
	for i, tok := range tokens {
		base := path.Base(tok)
		if base == "dr_visibilities" {
			progIdx, program = i, base
			break
		}
		if _, ok := programRoles[base]; ok {
			progIdx, program = i, base
			break
		}
	}
	if progIdx < 0 {
		return nil, fmt.Errorf("no recorder program in command %q", command)
	}

	spec := &RecorderSpec{
		Activation: strings.Join(tokens[:progIdx], " "),
	}

	quick := false
	args := tokens[progIdx+1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, bool) {
			if i+1 < len(args) {
				i++
				return args[i], true
			}
			return "", false
		}

		switch arg {
		case "--quick":
			quick = true
		case "--no-tar", "--swmr":
			// Fixed per-role flags; implied by the role.
		case "--image":
			spec.Image = true
		case "--debug":
			spec.Debug = true
		case "--address":
			spec.Address, _ = next()
		case "--port":
			v, _ := next()
			p, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid --port %q", v)
			}
			spec.Port = p
		case "--cores":
			v, _ := next()
			cores, err := parseCoreList(v)
			if err != nil {
				return nil, err
			}
			spec.Cores = cores
		case "--beam":
			v, _ := next()
			b, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid --beam %q", v)
			}
			spec.Beam = b
		case "--gpu":
			v, _ := next()
			g, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid --gpu %q", v)
			}
			spec.GPU = &g
		case "--record-directory":
			spec.RecordDirectory, _ = next()
		case "--record-directory-quota":
			spec.Quota, _ = next()
		case "--cal-dir":
			spec.CalDirectory, _ = next()
		case "--logfile":
			v, _ := next()
			spec.LogDirectory = path.Dir(v)
			spec.LogPattern = path.Base(v)
		default:
			spec.Warnings = append(spec.Warnings,
				fmt.Sprintf("unrecognized argument %q dropped", arg))
		}
	}

	role, err := resolveRole(program, quick)
	if err != nil {
		return nil, err
	}
	spec.Role = string(role)

	policy, err := descriptor.PolicyFor(role)
	if err != nil {
		return nil, err
	}
	if policy.WantsBand {
		spec.Band = identityFromPattern(spec.LogPattern)
		if spec.Band == 0 {
			spec.Warnings = append(spec.Warnings,
				"band index not recoverable from command; set band manually")
		}
		// The default pattern re-derives from the band; only a custom
		// pattern needs carrying over.
		if spec.LogPattern == fmt.Sprintf("%s-%d.%%H.log", policy.Program, spec.Band) {
			spec.LogPattern = ""
		}
	}

	return spec, nil
}

func resolveRole(program string, quick bool) (descriptor.Role, error) {
	if program == "dr_visibilities" {
		if quick {
			return descriptor.FastVisibility, nil
		}
		return descriptor.SlowVisibility, nil
	}
	if role, ok := programRoles[program]; ok {
		return role, nil
	}
	return "", fmt.Errorf("unknown recorder program %q", program)
}

func identityFromPattern(pattern string) int {
	m := identityFromLogRe.FindStringSubmatch(pattern)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func parseCoreList(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty --cores list")
	}
	parts := strings.Split(s, ",")
	cores := make([]int, 0, len(parts))
	for _, p := range parts {
		c, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid core %q in --cores", p)
		}
		cores = append(cores, c)
	}
	return cores, nil
}
