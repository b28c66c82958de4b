package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qmdb-go/qmdb/common/testutil"
)

func TestStaleLockIsBroken(t *testing.T) {
	dir := testutil.TempDir(t)

	// A malformed lock file (e.g. left by a crashed writer) counts as
	// stale and must not brick the directory.
	if err := os.WriteFile(filepath.Join(dir, lockFileName), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	db, err := Open(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("Open with stale lock failed: %v", err)
	}
	db.Close()
}

func TestLockReleasedOnClose(t *testing.T) {
	dir := testutil.TempDir(t)

	db := openTestDB(t, dir)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Fatal("lock file survived Close")
	}

	// The directory is reopenable after a clean close.
	db = openTestDB(t, dir)
	db.Close()
}

func TestVersionIsStable(t *testing.T) {
	if Version() == "" {
		t.Fatal("empty version")
	}
	if Version() != Version() {
		t.Fatal("version is not constant")
	}
}
