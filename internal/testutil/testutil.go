// Package testutil gates tests that need real networking or external
// services.
package testutil

import (
	"flag"
	"os"
	"strconv"
	"testing"
)

const (
	// EnvLong enables long tests without passing -long.
	EnvLong = "INGEST_LONG_TESTS"
	// EnvDatabaseURL points at a disposable Postgres database.
	EnvDatabaseURL = "INGEST_TEST_DATABASE_URL"
)

var RunLong = flag.Bool("long", false, "run long tests (libp2p hosts, disk backed caches)")

// RequireLong skips t unless long tests are enabled.
func RequireLong(t *testing.T) {
	t.Helper()
	if !IsLongEnabled() {
		t.Skipf("skipping long test (use -long or %s=1 to enable)", EnvLong)
	}
}

func IsLongEnabled() bool {
	if *RunLong {
		return true
	}
	on, _ := strconv.ParseBool(os.Getenv(EnvLong))
	return on
}

// DatabaseURL returns the Postgres URL for integration tests or skips t.
func DatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv(EnvDatabaseURL)
	if url == "" {
		t.Skipf("%s not set", EnvDatabaseURL)
	}
	return url
}
