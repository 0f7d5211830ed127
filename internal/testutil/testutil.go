// Package testutil holds helpers shared by the vault's tests.
package testutil

import (
	"flag"
	"math/rand"
	"testing"
)

var long = flag.Bool("long", false, "run long tests (large files, deep version chains)")

// RequireLong skips t unless -long was given.
func RequireLong(t testing.TB) {
	t.Helper()
	if !*long {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// LongEnabled reports whether -long was given.
func LongEnabled() bool {
	return *long
}

// Payload returns n pseudo-random bytes that are the same for every call
// with the same seed.
func Payload(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
