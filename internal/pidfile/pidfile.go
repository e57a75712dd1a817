// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pidfile guards against two sellers working the same config
// store. The file holds the owning process id; a stale file left by a
// crashed process is detected by probing the recorded pid and replaced.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Write when the file names a process
// that is still alive.
var ErrAlreadyRunning = errors.New("seller already running")

// Write claims the PID file at path for the current process. It refuses
// with ErrAlreadyRunning when the file records a different, live pid;
// anything else there (our own pid, a dead pid, garbage) is treated as
// stale and overwritten.
func Write(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() && alive(pid) {
			return fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the PID file. Best-effort: a missing file is fine.
func Remove(path string) {
	_ = os.Remove(path)
}

// alive probes a pid with the null signal. EPERM means the process
// exists but belongs to someone else, which still counts as running.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
