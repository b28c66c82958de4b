package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/qmdb-go/qmdb/common"
)

const lockFileName = "LOCK"

// dirLock enforces one open handle per database directory. The lock file
// records the owning pid and a session token; a lock whose owner process
// is gone is stale and gets broken on the next open.
//
// Liveness is judged by pid alone. If the pid of a crashed owner has been
// recycled by an unrelated process the directory stays locked until that
// process exits or the operator removes the LOCK file; the token
// identifies the owning session in such a dispute but cannot be verified
// against a live process from outside.
type dirLock struct {
	path string
}

func acquireLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), uuid.NewString())
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, cerr
			}
			return &dirLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if lockOwnerAlive(path) {
			return nil, fmt.Errorf("%w: %s", common.ErrLocked, dir)
		}
		// Stale lock from a dead process.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s", common.ErrLocked, dir)
}

// lockOwnerAlive reports whether the pid recorded in the lock file still
// refers to a live process. An unreadable or malformed lock file counts
// as stale.
func lockOwnerAlive(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		// This process already holds the directory open.
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (l *dirLock) release() {
	os.Remove(l.path)
}
