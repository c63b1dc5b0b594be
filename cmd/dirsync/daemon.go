package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// detachedEnv marks the re-executed background process.
const detachedEnv = "DIRSYNC_DETACHED"

func isDetached() bool {
	return os.Getenv(detachedEnv) == "1"
}

// childArgs drops the flags that asked for detaching.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a == "--daemon", strings.HasPrefix(a, "--daemon="):
			continue
		case a == "--foreground=false":
			continue
		}
		out = append(out, a)
	}
	return out
}

// writePIDFile refuses to overwrite the pid file of a live process.
func writePIDFile(path string, pid int) error {
	if other, err := readPIDFile(path); err == nil && processAlive(other) {
		return fmt.Errorf("dirsync is already running with pid %d (%s)", other, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.New("invalid pid file")
	}
	return pid, nil
}

// removePIDFile removes path only if it still names pid.
func removePIDFile(path string, pid int) {
	if owner, err := readPIDFile(path); err == nil && owner == pid {
		_ = os.Remove(path)
	}
}
