// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agentfleet/agentd/lib/clock"
)

// AlreadyRunningError reports that the lock for an agent name is held
// by a live process.
type AlreadyRunningError struct {
	// Name is the agent name the lock guards.
	Name string
	// PID is the live process currently holding the lock.
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("lifecycle: agent %q is already running (pid %d)", e.Name, e.PID)
}

// LockOptions configures Acquire.
type LockOptions struct {
	// Directory is where lock files live. Defaults to
	// $XDG_RUNTIME_DIR/agentd when set, otherwise
	// <os.TempDir()>/agentd-locks. Created (0700) if missing.
	Directory string

	// Clock supplies the acquisition timestamp. Defaults to Real.
	Clock clock.Clock

	// Logger is used for stale-lock reclaim reporting. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Lock is a held PID lock. Release it on clean shutdown; a crash
// leaves the file behind for the next Acquire's liveness probe to
// reclaim.
type Lock struct {
	// Name is the agent name the lock guards.
	Name string
	// Path is the lock file location.
	Path string
	// PID is the owning process (always the current process).
	PID int
	// AcquiredAt is when the lock was written.
	AcquiredAt time.Time

	logger   *slog.Logger
	released bool
}

// lockRecord is the on-disk lock file content.
type lockRecord struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// acquireAttempts bounds the claim loop under contention.
const acquireAttempts = 5

// Acquire takes the PID lock for name. The claim is an exclusive
// create: the record is written to a temporary file and linked into
// place, so concurrent claimants race on a single atomic filesystem
// operation and exactly one wins. A losing claimant probes the
// winning record; a live pid fails with [*AlreadyRunningError], a
// dead pid's lock is stale, removed, and the claim retried. The lock
// file is only ever visible fully written, with owner-only
// permissions.
func Acquire(name string, options LockOptions) (*Lock, error) {
	if name == "" {
		return nil, errors.New("lifecycle: lock name is required")
	}

	directory := options.Directory
	if directory == "" {
		directory = defaultLockDirectory()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("lifecycle: creating lock directory %s: %w", directory, err)
	}

	path := filepath.Join(directory, name+".lock")
	record := lockRecord{
		PID:        os.Getpid(),
		AcquiredAt: clk.Now(),
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		err := claimLock(directory, path, record)
		if err == nil {
			return &Lock{
				Name:       name,
				Path:       path,
				PID:        record.PID,
				AcquiredAt: record.AcquiredAt,
				logger:     logger,
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		// Lost the claim. Probe the holder: a live pid wins, a dead
		// pid's lock is stale and reclaimable.
		existing, readErr := readLockRecord(path)
		switch {
		case readErr == nil && pidAlive(existing.PID):
			return nil, &AlreadyRunningError{Name: name, PID: existing.PID}
		case readErr == nil:
			logger.Warn("reclaiming stale lock",
				"name", name,
				"dead_pid", existing.PID,
				"acquired_at", existing.AcquiredAt,
			)
		case os.IsNotExist(readErr):
			// The holder released between the claim and the probe.
			continue
		default:
			// An unreadable or corrupt lock file cannot prove a live
			// owner. Treat it like a stale claim.
			logger.Warn("replacing unreadable lock file", "path", path, "error", readErr)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, fmt.Errorf("lifecycle: removing stale lock %s: %w", path, removeErr)
		}
	}

	return nil, fmt.Errorf("lifecycle: lock %s: claim contended, giving up", path)
}

// Release removes the lock file. Best-effort: failures are logged,
// never returned, and repeated calls are no-ops. A lock file that no
// longer records our pid belongs to someone else and is left alone.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if record, err := readLockRecord(l.Path); err == nil && record.PID != l.PID {
		l.logger.Warn("lock file no longer owned, leaving in place",
			"path", l.Path,
			"owner_pid", record.PID,
		)
		return
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove lock file", "path", l.Path, "error", err)
	}
}

// readLockRecord reads and parses a lock file. A missing file returns
// an error satisfying os.IsNotExist.
func readLockRecord(path string) (lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockRecord{}, err
	}
	var record lockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return lockRecord{}, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	return record, nil
}

// claimLock commits the lock record at path. The record is fully
// written to a temporary file first and then linked into place, which
// fails with an os.IsExist error when another claimant already holds
// the path: creation is exclusive and the record is never observable
// half-written.
func claimLock(directory, path string, record lockRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("lifecycle: encoding lock record: %w", err)
	}
	data = append(data, '\n')

	temporary, err := os.CreateTemp(directory, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("lifecycle: creating temporary lock file: %w", err)
	}
	defer os.Remove(temporary.Name())

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("lifecycle: writing lock file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("lifecycle: writing lock file: %w", err)
	}

	if err := os.Link(temporary.Name(), path); err != nil {
		if os.IsExist(err) {
			return err
		}
		return fmt.Errorf("lifecycle: linking lock file into place: %w", err)
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// When the probe itself fails, assume the process is alive:
		// refusing a duplicate start is safer than breaking the
		// singleton guarantee.
		return true
	}
	return alive
}

// defaultLockDirectory picks the host-conventional runtime directory.
func defaultLockDirectory() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "agentd")
	}
	return filepath.Join(os.TempDir(), "agentd-locks")
}
