package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFileName = "vm.pid"

// isVMRunning checks whether another process holds vmDir's PID file.
func isVMRunning(vmDir string) (bool, int) {
	data, err := os.ReadFile(filepath.Join(vmDir, pidFileName))
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	// Check if process is running
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// writePIDFile records the current process as the owner of vmDir.
func writePIDFile(vmDir string) error {
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	return os.WriteFile(filepath.Join(vmDir, pidFileName), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// cleanupPIDFile removes the PID file.
func cleanupPIDFile(vmDir string) {
	os.Remove(filepath.Join(vmDir, pidFileName))
}

// signalVM asks the process running vmDir's VM to shut it down.
func signalVM(vmDir string) (int, error) {
	running, pid := isVMRunning(vmDir)
	if !running {
		return 0, nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal process %d: %w", pid, err)
	}
	return pid, nil
}
