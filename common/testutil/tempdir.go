package testutil

import (
	"os"
	"testing"
)

// TempDir creates a temporary database directory for testing
func TempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "qmdb-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// Pattern returns n bytes of deterministic payload seeded by seed.
// Tests use it to detect torn or truncated values.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}
