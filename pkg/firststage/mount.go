// Package firststage prepares the pre-pivot environment: kernel
// filesystems, early device nodes, kernel modules, and the loopback
// interface, before the second-stage runtime takes over.
package firststage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

const defaultDirMode = 0o755

// MountPoint describes one kernel filesystem to bring up.
type MountPoint struct {
	Target  string
	FSType  string
	Source  string
	Flags   uintptr
	Data    string
	MayFail bool
}

// SystemMountPoints returns the filesystems required for normal system
// operation, in mount order.
func SystemMountPoints() []MountPoint {
	return []MountPoint{
		{Target: "/proc", FSType: "proc"},
		{Target: "/sys", FSType: "sysfs"},
		{Target: "/sys/fs/selinux", FSType: "selinuxfs", MayFail: true},
		{Target: "/dev", FSType: "devtmpfs"},
		{Target: "/dev/pts", FSType: "devpts", MayFail: true},
		{Target: "/dev/shm", FSType: "tmpfs", MayFail: true},
		{Target: "/run", FSType: "tmpfs"},
		{Target: "/tmp", FSType: "tmpfs"},
		{Target: "/mnt", FSType: "tmpfs", Flags: unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV, Data: "mode=0755,uid=0,gid=1000"},
	}
}

// Mount mounts one kernel filesystem, creating the target directory if
// needed. The source defaults to the filesystem type.
func Mount(mp MountPoint) error {
	if err := os.MkdirAll(mp.Target, defaultDirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", mp.Target, err)
	}
	source := mp.Source
	if source == "" {
		source = mp.FSType
	}
	if err := unix.Mount(source, mp.Target, mp.FSType, mp.Flags, mp.Data); err != nil {
		// Already mounted (inherited from the bootloader environment).
		if err == unix.EBUSY {
			return nil
		}
		return fmt.Errorf("mount %s on %s: %w", mp.FSType, mp.Target, err)
	}
	return nil
}

// MountAll mounts every system mount point. Entries marked MayFail log a
// warning instead of failing the stage.
func MountAll(logger *logging.Logger) error {
	for _, mp := range SystemMountPoints() {
		if err := Mount(mp); err != nil {
			if mp.MayFail {
				logger.Warn("%v", err)
				continue
			}
			return err
		}
	}
	return nil
}

// earlyNode is a device node created before devtmpfs has populated /dev.
type earlyNode struct {
	path  string
	mode  uint32
	major uint32
	minor uint32
}

var earlyNodes = []earlyNode{
	{"/dev/kmsg", unix.S_IFCHR | 0o600, 1, 11},
	{"/dev/null", unix.S_IFCHR | 0o666, 1, 3},
	{"/dev/random", unix.S_IFCHR | 0o666, 1, 8},
	{"/dev/urandom", unix.S_IFCHR | 0o666, 1, 9},
	{"/dev/ptmx", unix.S_IFCHR | 0o666, 5, 2},
}

// MakeEarlyNodes creates the handful of device nodes init needs before
// the uevent machinery runs. Existing nodes are left alone.
func MakeEarlyNodes(logger *logging.Logger) {
	for _, n := range earlyNodes {
		dev := unix.Mkdev(n.major, n.minor)
		if err := unix.Mknod(n.path, n.mode, int(dev)); err != nil && err != unix.EEXIST {
			logger.Warn("mknod %s: %v", n.path, err)
		}
	}
}
