//go:build linux

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

func Fdatasync(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
