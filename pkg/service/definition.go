package service

import "syscall"

// SocketDecl describes a socket created for a service before exec.
type SocketDecl struct {
	Name  string
	Type  string // "stream", "dgram", "seqpacket"
	Perm  uint32
	User  string
	Group string
}

// Definition is the immutable parse-time description of a service.
// Definitions are created by the rc parser, handed to the supervisor, and
// never mutated afterwards.
type Definition struct {
	Name string
	Exec string
	Args []string

	User      string
	Group     string
	SuppGroups []string

	Class    string
	Disabled bool
	Oneshot  bool
	Critical bool

	// Capabilities the child keeps; everything else is dropped from the
	// bounding set. Empty means the child inherits no extra capabilities.
	Capabilities []Capability

	// IOPriority is the ioprio_set "best effort" level 0-7, or -1 if unset.
	IOPriority int

	Console  bool
	SecLabel string

	// Env holds service-declared additions to the sanitized environment.
	Env []string

	Sockets []SocketDecl

	TermSignal syscall.Signal
}

// NewDefinition creates a Definition with default values.
func NewDefinition(name, exec string, args []string) *Definition {
	return &Definition{
		Name:       name,
		Exec:       exec,
		Args:       args,
		IOPriority: -1,
		TermSignal: syscall.SIGTERM,
	}
}
