package service

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/devices"
)

// SanitizedPath is the PATH handed to every child service.
const SanitizedPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ShimFlag is the hidden argv[1] marker for the in-process exec shim used
// to prune the capability bounding set before handing control to a service
// binary. See ExecShim.
const ShimFlag = "--exec-service"

// buildCommand translates a Definition into an exec.Cmd ready to start.
func (s *Supervisor) buildCommand(def *Definition) (*exec.Cmd, error) {
	attr := &syscall.SysProcAttr{Setsid: true}

	if def.User != "" || def.Group != "" || len(def.SuppGroups) > 0 {
		cred, err := resolveCredential(def)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}

	path := def.Exec
	argv := def.Args

	if len(def.Capabilities) > 0 {
		// Ambient raising forces the requested capabilities into the
		// child's permitted and inheritable sets across exec. SETPCAP is
		// raised transiently so the shim can prune the bounding set; the
		// shim drops it again before the final exec.
		caps := ambientCaps(def.Capabilities)
		attr.AmbientCaps = append(caps, uintptr(unix.CAP_SETPCAP))

		shimArgs := []string{ShimFlag, capsArg(def.Capabilities), def.Exec}
		shimArgs = append(shimArgs, def.Args...)
		path = "/proc/self/exe"
		argv = shimArgs
	}

	// The declared path is authoritative; no PATH lookup happens here.
	cmd := &exec.Cmd{
		Path: path,
		Args: append([]string{path}, argv...),
	}
	cmd.SysProcAttr = attr
	cmd.Env = append([]string{SanitizedPath}, def.Env...)
	cmd.Dir = "/"

	sockets, socketEnv, err := createSockets(def)
	if err != nil {
		return nil, err
	}
	cmd.ExtraFiles = sockets
	cmd.Env = append(cmd.Env, socketEnv...)

	if err := s.wireConsole(cmd, def); err != nil {
		return nil, err
	}
	return cmd, nil
}

// wireConsole attaches the child's stdio to /dev/console for console
// services and to /dev/null otherwise.
func (s *Supervisor) wireConsole(cmd *exec.Cmd, def *Definition) error {
	target := os.DevNull
	if def.Console {
		target = "/dev/console"
	}
	f, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		if def.Console {
			s.logger.Warn("service %s: cannot open console: %v", def.Name, err)
		}
		return nil // run with closed stdio rather than failing the start
	}
	cmd.Stdin = f
	cmd.Stdout = f
	cmd.Stderr = f
	return nil
}

// resolveCredential maps the definition's user/group names to numeric ids.
func resolveCredential(def *Definition) (*syscall.Credential, error) {
	cred := &syscall.Credential{}
	if def.User != "" {
		uid, err := devices.ResolveUser(def.User)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.Name, err)
		}
		cred.Uid = uid
	}
	if def.Group != "" {
		gid, err := devices.ResolveGroup(def.Group)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.Name, err)
		}
		cred.Gid = gid
	}
	for _, g := range def.SuppGroups {
		gid, err := devices.ResolveGroup(g)
		if err != nil {
			return nil, fmt.Errorf("service %s: supplementary group: %w", def.Name, err)
		}
		cred.Groups = append(cred.Groups, gid)
	}
	return cred, nil
}

// capsArg encodes a capability list for the shim command line.
func capsArg(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = strconv.Itoa(int(c))
	}
	return strings.Join(parts, ",")
}

// parseCapsArg decodes the shim capability argument.
func parseCapsArg(s string) ([]Capability, error) {
	if s == "" {
		return nil, nil
	}
	var caps []Capability
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad capability number %q: %w", part, err)
		}
		caps = append(caps, Capability(n))
	}
	return caps, nil
}

// ExecShim is the child-side half of capability-restricted service launch.
// It runs in the forked child (argv: --exec-service <caps> <path> <args...>),
// prunes the bounding set to the requested capabilities, drops the
// transient SETPCAP, and execs the real service binary. It does not return
// on success.
func ExecShim(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("exec shim: missing capability list or path")
	}
	caps, err := parseCapsArg(args[0])
	if err != nil {
		return fmt.Errorf("exec shim: %w", err)
	}
	path := args[1]
	argv := append([]string{path}, args[2:]...)

	if err := dropBoundingSet(caps); err != nil {
		return fmt.Errorf("exec shim: %w", err)
	}
	if err := lowerAmbientSetpcap(); err != nil {
		return fmt.Errorf("exec shim: %w", err)
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec shim: exec %s: %w", path, err)
	}
	return nil
}

// lowerAmbientSetpcap removes the transient SETPCAP from the ambient set so
// it is not inherited across the final exec.
func lowerAmbientSetpcap() error {
	err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_LOWER, uintptr(unix.CAP_SETPCAP), 0, 0)
	if err != nil && err != unix.EINVAL {
		return fmt.Errorf("lower ambient SETPCAP: %w", err)
	}
	return nil
}
