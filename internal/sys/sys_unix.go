//go:build unix && !linux

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

func Fdatasync(file *os.File) error {
	return unix.Fsync(int(file.Fd()))
}
