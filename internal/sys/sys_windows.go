//go:build windows

package sys

import (
	"os"

	"golang.org/x/sys/windows"
)

func Fdatasync(file *os.File) error {
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}
