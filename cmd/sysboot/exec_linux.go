package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// execSelf replaces the current process image with a fresh copy of the
// init binary carrying the given stage argument.
func execSelf(path string, args ...string) error {
	argv := append([]string{path}, args...)
	return unix.Exec(path, argv, os.Environ())
}
