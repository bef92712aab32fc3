package descriptor

import (
	"path"
	"strconv"
	"strings"
)

// LogFile returns the resolved child log file path. The default pattern
// is <program>-<identity>.%H.log; the %H rotation token is left intact
// for the log writer to substitute hourly.
func (d *Descriptor) LogFile() string {
	pattern := d.Logging.Pattern
	if pattern == "" {
		pattern = d.Policy.Program + "-" + strconv.Itoa(d.Identity()) + ".%H.log"
	}
	return path.Join(d.Logging.Dir, pattern)
}

// CommandLine builds the full child invocation: the activation prefix
// (split on whitespace), the recorder program, and its arguments in the
// fixed flag order shared by all recorder roles.
func (d *Descriptor) CommandLine() []string {
	var argv []string
	if d.Activation != "" {
		argv = append(argv, strings.Fields(d.Activation)...)
	}
	argv = append(argv, d.Policy.Program)
	argv = append(argv, d.Args()...)
	return argv
}

// Args builds the recorder argument list without the program itself.
func (d *Descriptor) Args() []string {
	args := []string{
		"--address", d.Network.Address,
		"--port", strconv.Itoa(d.Network.Port),
		"--cores", coreList(d.Resources.Cores),
	}

	if d.Policy.WantsBeam {
		args = append(args, "--beam", strconv.Itoa(d.Beam))
	}
	if d.Policy.WantsGPU && d.Resources.GPU >= 0 {
		args = append(args, "--gpu", strconv.Itoa(d.Resources.GPU))
	}

	args = append(args, d.Policy.FixedFlags...)

	if d.Image {
		args = append(args, "--image")
	}

	args = append(args,
		"--record-directory", d.Storage.RecordDir,
		"--record-directory-quota", d.Storage.Quota.Arg(),
	)

	if d.CalDir != "" {
		args = append(args, "--cal-dir", d.CalDir)
	}

	args = append(args, "--logfile", d.LogFile())

	if d.Logging.Debug {
		args = append(args, "--debug")
	}

	return args
}

func coreList(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
