package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Uevent is one parsed kernel uevent message.
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	DevName   string
	Major     int
	Minor     int
}

// ParseUevent decodes a raw NETLINK_KOBJECT_UEVENT datagram. The message
// is a header line ("add@/devices/...") followed by NUL-separated
// KEY=VALUE pairs.
func ParseUevent(data []byte) (*Uevent, error) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty uevent")
	}
	ev := &Uevent{Major: -1, Minor: -1}
	if at := strings.IndexByte(fields[0], '@'); at >= 0 {
		ev.Action = fields[0][:at]
		ev.DevPath = fields[0][at+1:]
	}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "ACTION":
			ev.Action = value
		case "DEVPATH":
			ev.DevPath = value
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVNAME":
			ev.DevName = value
		case "MAJOR":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Major = n
			}
		case "MINOR":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Minor = n
			}
		}
	}
	if ev.Action == "" {
		return nil, fmt.Errorf("uevent without action")
	}
	return ev, nil
}

// KernelName returns the basename of the uevent's device path.
func (ev *Uevent) KernelName() string {
	return filepath.Base(ev.DevPath)
}

// Listener receives kernel uevents from the kobject netlink socket.
type Listener struct {
	fd int
}

// NewListener opens the NETLINK_KOBJECT_UEVENT socket and subscribes to
// the kernel multicast group.
func NewListener() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // kernel uevent multicast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind uevent socket: %w", err)
	}
	return &Listener{fd: fd}, nil
}

// Read blocks for the next uevent.
func (l *Listener) Read() (*Uevent, error) {
	buf := make([]byte, 8192)
	n, _, err := unix.Recvfrom(l.fd, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("read uevent: %w", err)
	}
	return ParseUevent(buf[:n])
}

// Close releases the netlink socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// HandleUevent creates the /dev node for an add event and applies the
// registered rules to it. Remove events delete the node.
func (e *Engine) HandleUevent(ev *Uevent) {
	if ev.DevName == "" {
		return
	}
	devPath := filepath.Join("/dev", ev.DevName)

	switch ev.Action {
	case "add":
		mode := uint32(0o600)
		group := ""
		if rule := e.MatchSubsystem(ev.Subsystem, ev.KernelName()); rule != nil {
			mode = rule.Mode
			group = rule.Group
		}
		if err := e.makeNode(devPath, ev, mode); err != nil {
			e.logger.Warn("mknod %s: %v", devPath, err)
			return
		}
		if group != "" {
			gid, err := ResolveGroup(group)
			if err != nil {
				e.logger.Warn("uevent %s: %v", devPath, err)
			} else if err := e.chownFunc(devPath, 0, int(gid)); err != nil {
				e.logger.Warn("chown %s: %v", devPath, err)
			}
		}
		e.ApplyPath(devPath)

	case "remove":
		if err := os.Remove(devPath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("remove %s: %v", devPath, err)
		}
	}
}

// makeNode creates a character or block device node for the uevent.
func (e *Engine) makeNode(path string, ev *Uevent, mode uint32) error {
	if ev.Major < 0 || ev.Minor < 0 {
		return nil // no device number, nothing to create
	}
	nodeType := uint32(unix.S_IFCHR)
	if ev.Subsystem == "block" {
		nodeType = unix.S_IFBLK
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dev := unix.Mkdev(uint32(ev.Major), uint32(ev.Minor))
	err := unix.Mknod(path, nodeType|mode, int(dev))
	if err != nil && err != unix.EEXIST {
		return err
	}
	return nil
}
