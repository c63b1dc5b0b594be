//go:build !windows

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"
)

// detach re-executes dirsync in a new session with the same arguments and
// records the child's pid.
func detach(cmd *cobra.Command, pidFile string) error {
	if other, err := readPIDFile(pidFile); err == nil && processAlive(other) {
		return fmt.Errorf("dirsync is already running with pid %d (%s)", other, pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	child := exec.Command(exe, childArgs(os.Args[1:])...)
	child.Env = append(os.Environ(), detachedEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	pid := child.Process.Pid
	if err := writePIDFile(pidFile, pid); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s dirsync running in the background (pid %d, pid file %s)\n", cyan("==>"), pid, pidFile)
	return child.Process.Release()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
