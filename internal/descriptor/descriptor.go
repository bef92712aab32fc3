// Package descriptor models the service lifecycle descriptors for the
// data recorder roles managed by recsup. A descriptor is fully resolved
// at materialization time and never mutated afterwards.
package descriptor

import (
	"fmt"
	"time"
)

// Role identifies one of the recorder process kinds.
type Role string

const (
	FastVisibility Role = "fast-visibility"
	SlowVisibility Role = "slow-visibility"
	PowerBeam      Role = "power-beam"
	VoltageTEngine Role = "voltage-tengine"
	RawVoltageBeam Role = "raw-voltage-beam"
)

// Roles lists all known roles in a stable order.
var Roles = []Role{
	FastVisibility, SlowVisibility, PowerBeam, VoltageTEngine, RawVoltageBeam,
}

// ParseRole converts a config string into a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown recorder role %q", s)
}

// RestartMode controls automatic restart behavior after a process exit.
type RestartMode string

const (
	RestartOnFailure RestartMode = "on-failure"
	RestartNever     RestartMode = "never"
)

// Policy is the fixed lifecycle contract for a role. Instance config can
// narrow a policy (e.g. disable autostart) but never widen it.
type Policy struct {
	Program          string        // recorder binary name
	Restart          RestartMode
	RestartBurst     int           // restarts allowed per window before FATAL
	RestartWindow    time.Duration
	StopSignal       string
	StopGrace        time.Duration // wait after stop signal before SIGKILL
	MemLockUnlimited bool
	ConflictsWith    Role          // empty if none; relation is symmetric
	CleanupTempState bool          // run sibling-guarded temp cleanup after stop
	FixedFlags       []string      // role-specific flags always passed
	WantsBeam        bool          // program takes --beam <n>
	WantsBand        bool          // instance identity is a band index
	WantsGPU         bool          // program takes --gpu <n>
}

// policies is the per-role lifecycle policy table.
var policies = map[Role]Policy{
	FastVisibility: {
		Program:          "dr_visibilities",
		Restart:          RestartOnFailure,
		RestartBurst:     2,
		RestartWindow:    30 * time.Second,
		StopSignal:       "TERM",
		StopGrace:        20 * time.Second,
		MemLockUnlimited: true,
		CleanupTempState: true,
		FixedFlags:       []string{"--quick", "--no-tar"},
		WantsBand:        true,
	},
	SlowVisibility: {
		Program:          "dr_visibilities",
		Restart:          RestartOnFailure,
		RestartBurst:     2,
		RestartWindow:    30 * time.Second,
		StopSignal:       "TERM",
		StopGrace:        20 * time.Second,
		MemLockUnlimited: true,
		CleanupTempState: true,
		WantsBand:        true,
	},
	PowerBeam: {
		Program:          "dr_beam",
		Restart:          RestartOnFailure,
		RestartBurst:     2,
		RestartWindow:    30 * time.Second,
		StopSignal:       "TERM",
		StopGrace:        20 * time.Second,
		MemLockUnlimited: true,
		FixedFlags:       []string{"--swmr"},
		WantsBeam:        true,
	},
	VoltageTEngine: {
		Program:          "dr_tengine",
		Restart:          RestartOnFailure,
		RestartBurst:     2,
		RestartWindow:    30 * time.Second,
		StopSignal:       "TERM",
		StopGrace:        20 * time.Second,
		MemLockUnlimited: true,
		ConflictsWith:    RawVoltageBeam,
		WantsBeam:        true,
		WantsGPU:         true,
	},
	RawVoltageBeam: {
		Program:          "dr_vbeam",
		Restart:          RestartNever,
		StopSignal:       "TERM",
		StopGrace:        20 * time.Second,
		MemLockUnlimited: true,
		ConflictsWith:    VoltageTEngine,
		WantsGPU:         true,
	},
}

// PolicyFor returns the lifecycle policy for a role.
func PolicyFor(role Role) (Policy, error) {
	p, ok := policies[role]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for role %q", role)
	}
	return p, nil
}

// ConflictsWith reports whether two roles are mutually exclusive.
// The relation is symmetric by construction of the policy table.
func ConflictsWith(a, b Role) bool {
	pa, ok := policies[a]
	if !ok {
		return false
	}
	return pa.ConflictsWith == b && b != ""
}

// Network holds the capture endpoint for a recorder instance.
type Network struct {
	Address string
	Port    int
}

// Resources holds host resource bindings.
type Resources struct {
	Cores []int // CPU affinity list, passed through to the recorder
	GPU   int   // GPU index, -1 if unbound
	NUMA  int   // NUMA node, -1 if unbound
}

// Storage holds recording output configuration.
type Storage struct {
	RecordDir string
	Quota     Quota
}

// Logging holds child log file configuration. Pattern may contain the
// per-hour rotation token %H which is substituted at write time.
type Logging struct {
	Dir     string
	Pattern string
	Debug   bool
}

// Cleanup describes the optional post-stop cleanup hook.
type Cleanup struct {
	// Paths are glob patterns removed when no sibling process remains.
	Paths []string
	// Match is the program name checked against the OS process table
	// before deletion.
	Match string
}

// Descriptor is a fully resolved recorder service descriptor.
type Descriptor struct {
	Name       string // unique instance name, e.g. "slow-band03"
	Role       Role
	Band       int // band index for visibility roles, 0 otherwise
	Beam       int // beam index for beam roles, 0 otherwise
	Network    Network
	Resources  Resources
	Storage    Storage
	Logging    Logging
	CalDir     string // beamformer calibration dir, visibility roles only
	Image      bool   // enable --image for slow visibility
	Activation string // interpreter/environment activation prefix
	User       string // uid:gid for credential switching, empty to inherit
	Autostart  bool
	Policy     Policy
	Cleanup    *Cleanup // nil when the role has no cleanup hook
}

// Validate checks internal consistency of a materialized descriptor.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	if _, err := ParseRole(string(d.Role)); err != nil {
		return err
	}
	if d.Policy.WantsBand && d.Band < 1 {
		return fmt.Errorf("%s: role %s requires a band index >= 1", d.Name, d.Role)
	}
	if d.Policy.WantsBeam && d.Beam < 1 {
		return fmt.Errorf("%s: role %s requires a beam index >= 1", d.Name, d.Role)
	}
	if d.Network.Address == "" {
		return fmt.Errorf("%s: address is required", d.Name)
	}
	if d.Network.Port < 1 || d.Network.Port > 65535 {
		return fmt.Errorf("%s: port %d out of range", d.Name, d.Network.Port)
	}
	if len(d.Resources.Cores) == 0 {
		return fmt.Errorf("%s: at least one core is required", d.Name)
	}
	if d.Storage.RecordDir == "" {
		return fmt.Errorf("%s: record directory is required", d.Name)
	}
	if d.Logging.Dir == "" {
		return fmt.Errorf("%s: log directory is required", d.Name)
	}
	if d.Policy.WantsGPU && d.Resources.GPU < 0 {
		return fmt.Errorf("%s: role %s requires a gpu index", d.Name, d.Role)
	}
	return nil
}

// Identity returns the per-instance identifier used in log file names:
// the band index for visibility roles, the beam index for beam roles,
// and the port otherwise.
func (d *Descriptor) Identity() int {
	switch {
	case d.Policy.WantsBand:
		return d.Band
	case d.Policy.WantsBeam:
		return d.Beam
	default:
		return d.Network.Port
	}
}
