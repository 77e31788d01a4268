package service

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/minimal-systems/sysboot/pkg/devices"
)

// socketDir is where service sockets are created before exec.
const socketDir = "/dev/socket"

// createSockets binds the declared sockets and returns the files to hand
// to the child. The fd number of each socket (3 + index) is published to
// the child through SYSBOOT_SOCKET_<name>.
func createSockets(def *Definition) ([]*os.File, []string, error) {
	if len(def.Sockets) == 0 {
		return nil, nil, nil
	}
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("socket dir: %w", err)
	}

	var files []*os.File
	var env []string
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for i, decl := range def.Sockets {
		f, err := bindSocket(decl)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("socket %s: %w", decl.Name, err)
		}
		files = append(files, f)
		env = append(env, fmt.Sprintf("SYSBOOT_SOCKET_%s=%d", decl.Name, 3+i))
	}
	return files, env, nil
}

// bindSocket creates one unix socket under /dev/socket with the declared
// type, permissions and ownership.
func bindSocket(decl SocketDecl) (*os.File, error) {
	var sotype int
	switch decl.Type {
	case "stream":
		sotype = unix.SOCK_STREAM
	case "dgram":
		sotype = unix.SOCK_DGRAM
	case "seqpacket":
		sotype = unix.SOCK_SEQPACKET
	default:
		return nil, fmt.Errorf("unknown socket type %q", decl.Type)
	}

	path := filepath.Join(socketDir, decl.Name)
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, os.FileMode(decl.Perm)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if decl.User != "" || decl.Group != "" {
		uid, gid := uint32(0), uint32(0)
		if decl.User != "" {
			if uid, err = devices.ResolveUser(decl.User); err != nil {
				unix.Close(fd)
				return nil, err
			}
		}
		if decl.Group != "" {
			if gid, err = devices.ResolveGroup(decl.Group); err != nil {
				unix.Close(fd)
				return nil, err
			}
		}
		if err := os.Chown(path, int(uid), int(gid)); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	// The CLOEXEC flag must not survive into ExtraFiles; os/exec dups the
	// descriptor into the child explicitly.
	return os.NewFile(uintptr(fd), path), nil
}
