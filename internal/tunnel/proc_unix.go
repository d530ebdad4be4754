//go:build !windows

package tunnel

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// processImage returns the executable pid was started from: argv[0] from
// /proc where available, otherwise the command name reported by ps.
func processImage(pid int) (string, error) {
	if raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		arg0, _, _ := strings.Cut(string(raw), "\x00")
		return arg0, nil
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return "", fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func terminateProcess(pid int) error { return signalProcess(pid, syscall.SIGTERM) }

func killProcess(pid int) error { return signalProcess(pid, syscall.SIGKILL) }

func signalProcess(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrProcessNotFound
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return ErrProcessNotFound
	}
	return err
}
