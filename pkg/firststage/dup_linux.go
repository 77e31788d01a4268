package firststage

import "golang.org/x/sys/unix"

func dup2(oldfd, newfd uintptr) error {
	return unix.Dup3(int(oldfd), int(newfd), 0)
}
