//go:build windows

package session

import (
	"os"
	"syscall"
)

func defaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "powershell.exe"
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Windows has no process groups in the POSIX sense; kill the shell
// process directly and let conhost tear down its children.
func termGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(pid int) error {
	return termGroup(pid)
}
