//go:build !windows

package session

import (
	"os"
	"syscall"
)

func defaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "bash"
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// termGroup sends SIGTERM to the whole process group.
func termGroup(pgid int) error {
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the whole process group.
func killGroup(pgid int) error {
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
