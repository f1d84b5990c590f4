//go:build !windows

package headless

import (
	"os"
	"syscall"
)

func terminate(p *os.Process) { p.Signal(syscall.SIGTERM) }

func alive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}
