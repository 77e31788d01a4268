package actions

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/internal/util"
	"github.com/minimal-systems/sysboot/pkg/devices"
	"github.com/minimal-systems/sysboot/pkg/firststage"
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/rcfile"
	svc "github.com/minimal-systems/sysboot/pkg/service"
)

// execTimeout bounds a synchronous 'exec' command so a hung helper cannot
// stall the whole action queue forever.
const execTimeout = 30 * time.Second

// runCommand executes one command of a trigger block. Property references
// in the arguments are expanded here, at execution time. Errors are logged
// and swallowed: the queue never unwinds out of a command.
func (m *Manager) runCommand(cmd rcfile.Command, source string) {
	args := rcfile.ExpandArgs(cmd.Args, m.store)

	var err error
	switch cmd.Verb {
	case "setprop":
		err = m.cmdSetprop(args)
	case "start":
		err = m.withSupervisor(func(s *svc.Supervisor) error { return s.Start(args[0]) }, args, 1)
	case "stop":
		err = m.withSupervisor(func(s *svc.Supervisor) error { return s.Stop(args[0]) }, args, 1)
	case "restart":
		err = m.withSupervisor(func(s *svc.Supervisor) error { return s.Restart(args[0]) }, args, 1)
	case "enable":
		err = m.withSupervisor(func(s *svc.Supervisor) error { return s.Enable(args[0]) }, args, 1)
	case "class_start":
		err = m.withSupervisor(func(s *svc.Supervisor) error { s.StartClass(args[0]); return nil }, args, 1)
	case "class_stop":
		err = m.withSupervisor(func(s *svc.Supervisor) error { s.StopClass(args[0]); return nil }, args, 1)
	case "mkdir":
		err = m.cmdMkdir(args)
	case "write":
		err = cmdWrite(args)
	case "chmod":
		err = m.cmdChmod(args)
	case "chown":
		err = cmdChown(args)
	case "symlink":
		err = cmdSymlink(args)
	case "rm", "rmdir":
		err = cmdRemove(args)
	case "copy":
		err = cmdCopy(args)
	case "exec":
		err = m.cmdExec(args)
	case "trigger":
		if len(args) != 1 {
			err = fmt.Errorf("trigger requires one event name")
		} else {
			m.QueueEvent(args[0])
		}
	case "ifup":
		err = cmdIfup(args)
	case "hostname":
		err = cmdHostname(args)
	case "insmod":
		err = cmdInsmod(args)
	case "loglevel":
		err = m.cmdLoglevel(args)
	default:
		m.logger.Warn("%s: unknown command '%s', skipping", source, cmd.Verb)
		return
	}

	if err != nil {
		m.logger.Warn("%s: %s: %v", source, cmd.String(), err)
	}
}

func (m *Manager) withSupervisor(fn func(*svc.Supervisor) error, args []string, want int) error {
	if len(args) != want {
		return fmt.Errorf("expected %d argument(s)", want)
	}
	if m.Supervisor == nil {
		return fmt.Errorf("no service supervisor wired")
	}
	return fn(m.Supervisor)
}

func (m *Manager) cmdSetprop(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("setprop requires a key")
	}
	value := ""
	if len(args) > 1 {
		value = args[1]
	}
	return m.store.Set(args[0], value)
}

// cmdMkdir handles: mkdir <path> [mode [user group]].
func (m *Manager) cmdMkdir(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("mkdir requires a path")
	}
	mode := uint32(0o755)
	if len(args) > 1 {
		parsed, err := util.ParseOctalMode(args[1])
		if err != nil {
			m.logger.Warn("mkdir %s: %v, defaulting to 0755", args[0], err)
		} else {
			mode = parsed
		}
	}
	if err := os.MkdirAll(args[0], os.FileMode(mode)); err != nil {
		return err
	}
	// MkdirAll honors umask; force the requested mode.
	if err := os.Chmod(args[0], os.FileMode(mode)); err != nil {
		return err
	}
	if len(args) >= 4 {
		uid, err := devices.ResolveUser(args[2])
		if err != nil {
			return err
		}
		gid, err := devices.ResolveGroup(args[3])
		if err != nil {
			return err
		}
		return os.Chown(args[0], int(uid), int(gid))
	}
	return nil
}

// cmdWrite overwrites a file atomically. Sysfs and procfs nodes cannot be
// renamed over, so those take the direct write path.
func cmdWrite(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("write requires a path and content")
	}
	path, content := args[0], args[1]
	if isKernelFS(path) {
		return os.WriteFile(path, []byte(content), 0o644)
	}
	return util.WriteFileAtomic(path, []byte(content), 0o644)
}

// isKernelFS reports whether a path lives on a filesystem where the
// temp-file-and-rename pattern cannot work.
func isKernelFS(path string) bool {
	for _, prefix := range []string{"/proc/", "/sys/", "/dev/"} {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (m *Manager) cmdChmod(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("chmod requires a mode and a path")
	}
	mode, err := util.ParseOctalMode(args[0])
	if err != nil {
		m.logger.Warn("chmod %s: %v, defaulting to 0755", args[1], err)
		mode = 0o755
	}
	return os.Chmod(args[1], os.FileMode(mode))
}

func cmdChown(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("chown requires user, group and path")
	}
	uid, err := devices.ResolveUser(args[0])
	if err != nil {
		return err
	}
	gid, err := devices.ResolveGroup(args[1])
	if err != nil {
		return err
	}
	return os.Chown(args[2], int(uid), int(gid))
}

func cmdSymlink(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("symlink requires target and link path")
	}
	err := os.Symlink(args[0], args[1])
	if err != nil && os.IsExist(err) {
		return nil
	}
	return err
}

func cmdRemove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one path")
	}
	err := os.Remove(args[0])
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func cmdCopy(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("copy requires source and destination")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(args[1], data, 0o644)
}

// cmdExec runs a helper to completion: exec [--] <path> [args...].
func (m *Manager) cmdExec(args []string) error {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("exec requires a path")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = []string{svc.SanitizedPath}
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(execTimeout):
		cmd.Process.Kill()
		return fmt.Errorf("timed out after %v", execTimeout)
	}
}

// cmdIfup brings a network interface up, typically 'ifup lo' during boot.
func cmdIfup(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("ifup requires an interface name")
	}
	link, err := netlink.LinkByName(args[0])
	if err != nil {
		return fmt.Errorf("lookup %s: %w", args[0], err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", args[0], err)
	}
	return nil
}

func cmdHostname(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("hostname requires a name")
	}
	return unix.Sethostname([]byte(args[0]))
}

func cmdInsmod(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("insmod requires a module path")
	}
	params := ""
	for i, p := range args[1:] {
		if i > 0 {
			params += " "
		}
		params += p
	}
	return firststage.LoadModule(args[0], params)
}

func (m *Manager) cmdLoglevel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("loglevel requires a level")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid level %q", args[0])
	}
	// Kernel-style numeric levels: 7 most verbose.
	switch {
	case n >= 7:
		m.logger.SetLevel(logging.LevelDebug)
	case n >= 6:
		m.logger.SetLevel(logging.LevelInfo)
	case n >= 5:
		m.logger.SetLevel(logging.LevelNotice)
	case n >= 4:
		m.logger.SetLevel(logging.LevelWarn)
	default:
		m.logger.SetLevel(logging.LevelError)
	}
	return nil
}
