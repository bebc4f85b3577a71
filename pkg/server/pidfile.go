package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when the pid file names another live process.
var ErrAlreadyRunning = errors.New("server already running")

// ReadPidFile returns the pid stored at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %q: %w", path, err)
	}
	return pid, nil
}

// WritePidFile records the current pid at path. A pid file left by a dead
// process is replaced; one held by a live process is not.
func WritePidFile(path string) error {
	self := os.Getpid()
	if pid, err := ReadPidFile(path); err == nil && pid != self && processAlive(pid) {
		return fmt.Errorf("%w: pid %d in %s", ErrAlreadyRunning, pid, path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return fmt.Errorf("failed to create pid file: %w", err)
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", self); err != nil {
		tmp.Close()           //nolint:errcheck // already failing
		os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("failed to close pid file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("failed to chmod pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("failed to install pid file: %w", err)
	}
	return nil
}

// RemovePidFile deletes path if it still holds the current pid.
func RemovePidFile(path string) error {
	pid, err := ReadPidFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}
