package service

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/internal/util"
)

// Capability is a Linux capability number as used in the three-set model.
type Capability uintptr

// capNames maps configuration names (without the CAP_ prefix) to capability
// numbers. Only capabilities an init-managed daemon plausibly requests are
// listed; unknown names are a configuration error.
var capNames = map[string]Capability{
	"CHOWN":            unix.CAP_CHOWN,
	"DAC_OVERRIDE":     unix.CAP_DAC_OVERRIDE,
	"DAC_READ_SEARCH":  unix.CAP_DAC_READ_SEARCH,
	"FOWNER":           unix.CAP_FOWNER,
	"FSETID":           unix.CAP_FSETID,
	"KILL":             unix.CAP_KILL,
	"SETGID":           unix.CAP_SETGID,
	"SETUID":           unix.CAP_SETUID,
	"SETPCAP":          unix.CAP_SETPCAP,
	"LINUX_IMMUTABLE":  unix.CAP_LINUX_IMMUTABLE,
	"NET_BIND_SERVICE": unix.CAP_NET_BIND_SERVICE,
	"NET_BROADCAST":    unix.CAP_NET_BROADCAST,
	"NET_ADMIN":        unix.CAP_NET_ADMIN,
	"NET_RAW":          unix.CAP_NET_RAW,
	"IPC_LOCK":         unix.CAP_IPC_LOCK,
	"IPC_OWNER":        unix.CAP_IPC_OWNER,
	"SYS_MODULE":       unix.CAP_SYS_MODULE,
	"SYS_RAWIO":        unix.CAP_SYS_RAWIO,
	"SYS_CHROOT":       unix.CAP_SYS_CHROOT,
	"SYS_PTRACE":       unix.CAP_SYS_PTRACE,
	"SYS_ADMIN":        unix.CAP_SYS_ADMIN,
	"SYS_BOOT":         unix.CAP_SYS_BOOT,
	"SYS_NICE":         unix.CAP_SYS_NICE,
	"SYS_RESOURCE":     unix.CAP_SYS_RESOURCE,
	"SYS_TIME":         unix.CAP_SYS_TIME,
	"SYS_TTY_CONFIG":   unix.CAP_SYS_TTY_CONFIG,
	"MKNOD":            unix.CAP_MKNOD,
	"AUDIT_WRITE":      unix.CAP_AUDIT_WRITE,
	"SETFCAP":          unix.CAP_SETFCAP,
	"WAKE_ALARM":       unix.CAP_WAKE_ALARM,
	"BLOCK_SUSPEND":    unix.CAP_BLOCK_SUSPEND,
	"NET_BIND":         unix.CAP_NET_BIND_SERVICE, // historic alias
}

// ParseCapability resolves a configuration token ("CAP_NET_ADMIN" or
// "net_admin") to a capability number.
func ParseCapability(name string) (Capability, error) {
	key := strings.ToUpper(name)
	key = strings.TrimPrefix(key, "CAP_")
	if c, ok := capNames[key]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// CapabilityName returns the canonical CAP_* name for a capability number.
func CapabilityName(c Capability) string {
	for name, num := range capNames {
		if num == c && name != "NET_BIND" {
			return "CAP_" + name
		}
	}
	return fmt.Sprintf("CAP_%d", uintptr(c))
}

// ambientCaps converts the definition's capability list to the AmbientCaps
// slice handed to the runtime's fork/exec path. Raising an ambient
// capability forces it into the child's permitted and inheritable sets, so
// the three-set contract (permitted = inheritable = requested) holds after
// exec without running code between fork and exec.
func ambientCaps(caps []Capability) []uintptr {
	out := make([]uintptr, len(caps))
	for i, c := range caps {
		out[i] = uintptr(c)
	}
	return out
}

// dropBoundingSet prunes the calling process's capability bounding set to
// exactly the requested set. Called by ExecShim in the re-executed child
// before it execs the service binary; capabilities not in keep can never be
// reacquired by the service or its descendants.
func dropBoundingSet(keep []Capability) error {
	keepSet := make(map[Capability]bool, len(keep))
	for _, c := range keep {
		keepSet[c] = true
	}
	last, err := lastCap()
	if err != nil {
		return err
	}
	for c := Capability(0); c <= last; c++ {
		if keepSet[c] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			// EINVAL: capability unknown to this kernel; nothing to drop.
			if err == unix.EINVAL {
				continue
			}
			return fmt.Errorf("drop %s from bounding set: %w", CapabilityName(c), err)
		}
	}
	return nil
}

// lastCap reads the highest capability number the running kernel supports.
func lastCap() (Capability, error) {
	data := util.ReadFileTrim("/proc/sys/kernel/cap_last_cap")
	var n uintptr
	if _, err := fmt.Sscanf(data, "%d", &n); err != nil {
		return unix.CAP_LAST_CAP, nil
	}
	return Capability(n), nil
}
