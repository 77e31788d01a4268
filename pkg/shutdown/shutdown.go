// Package shutdown performs the terminal system actions of pid 1: killing
// remaining processes, syncing filesystems, and issuing the reboot
// syscall for the requested target.
package shutdown

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

// Type represents the requested shutdown target.
type Type uint8

const (
	Halt       Type = iota // Halt without powering down
	Poweroff               // Power off
	Reboot                 // Normal reboot
	Bootloader             // Reboot into the bootloader (fatal action target)
)

func (t Type) String() string {
	switch t {
	case Halt:
		return "halt"
	case Poweroff:
		return "poweroff"
	case Reboot:
		return "reboot"
	case Bootloader:
		return "reboot-bootloader"
	default:
		return "unknown"
	}
}

// ProcessKillGracePeriod is the time to wait between SIGTERM and SIGKILL
// when killing all remaining processes during shutdown.
const ProcessKillGracePeriod = 1 * time.Second

// Mockable syscall functions for testing.
var (
	killFunc      = syscall.Kill
	syncFunc      = unix.Sync
	rebootFunc    = unix.Reboot
	rebootArgFunc = rebootWithArg
)

// Execute performs the full shutdown sequence after all services have
// stopped: kill remaining processes, sync filesystems, issue the reboot
// syscall. Only meaningful as pid 1; does not return under normal
// circumstances.
func Execute(t Type, logger *logging.Logger) {
	logger.Notice("executing shutdown: %s", t)

	KillAllProcesses(logger)

	logger.Info("syncing filesystems")
	syncFunc()

	if err := rebootSystem(t); err != nil {
		logger.Error("reboot syscall failed: %v", err)
	}

	// pid 1 must never exit; hold if the syscall failed.
	logger.Error("shutdown failed, holding indefinitely")
	InfiniteHold()
}

// rebootSystem maps a shutdown type to the appropriate Linux reboot
// command and issues the syscall.
func rebootSystem(t Type) error {
	switch t {
	case Halt:
		return rebootFunc(unix.LINUX_REBOOT_CMD_HALT)
	case Poweroff:
		return rebootFunc(unix.LINUX_REBOOT_CMD_POWER_OFF)
	case Reboot:
		return rebootFunc(unix.LINUX_REBOOT_CMD_RESTART)
	case Bootloader:
		return rebootArgFunc("bootloader")
	default:
		return rebootFunc(unix.LINUX_REBOOT_CMD_HALT)
	}
}

// KillAllProcesses sends SIGTERM to every process, waits out the grace
// period, then SIGKILLs the rest. kill(-1, sig) signals everything except
// pid 1 itself.
func KillAllProcesses(logger *logging.Logger) {
	logger.Info("sending SIGTERM to all processes")
	if err := killFunc(-1, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		logger.Debug("kill(-1, SIGTERM): %v", err)
	}

	time.Sleep(ProcessKillGracePeriod)

	logger.Info("sending SIGKILL to remaining processes")
	if err := killFunc(-1, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		logger.Debug("kill(-1, SIGKILL): %v", err)
	}
}

// rebootWithArg issues LINUX_REBOOT_CMD_RESTART2 with a target string the
// bootloader understands ("bootloader", "recovery").
func rebootWithArg(arg string) error {
	argBytes := append([]byte(arg), 0)
	_, _, errno := unix.Syscall6(unix.SYS_REBOOT,
		unix.LINUX_REBOOT_MAGIC1,
		unix.LINUX_REBOOT_MAGIC2,
		unix.LINUX_REBOOT_CMD_RESTART2,
		uintptr(unsafe.Pointer(&argBytes[0])),
		0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// InfiniteHold blocks the calling goroutine forever. Used as the last
// resort when the reboot syscall fails: pid 1 must never return to the
// kernel.
func InfiniteHold() {
	select {}
}
