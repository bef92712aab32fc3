package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// ParseCredential parses numeric "uid" or "uid:gid" into a Credential.
// With no gid the uid value is reused as the gid.
func ParseCredential(user string) (*syscall.Credential, error) {
	if user == "" {
		return nil, nil
	}

	uidStr, gidStr, hasGid := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in user %q: %w", user, err)
	}

	gid := uid
	if hasGid {
		gid, err = strconv.ParseUint(gidStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid gid in user %q: %w", user, err)
		}
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// BuildSysProcAttr returns the spawn attributes for a recorder child:
// its own process group, so signals target the whole recorder tree,
// plus credential switching when a user is configured.
func BuildSysProcAttr(user string) (*syscall.SysProcAttr, error) {
	cred, err := ParseCredential(user)
	if err != nil {
		return nil, err
	}

	return &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: cred,
	}, nil
}
