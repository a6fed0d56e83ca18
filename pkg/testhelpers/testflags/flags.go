package testflags

import (
	"flag"
	"testing"
)

// Unit tests run by default; integration tests (real files, badger) are opt-out.
var (
	unitTest        = flag.Bool("unit", true, "Run the unit go tests")
	integrationTest = flag.Bool("integration", true, "Run the integration go tests")
)

// UnitTest runs the calling test in parallel when `-unit` or `-short` is set.
func UnitTest(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
	t.Parallel()
}

// IntegrationTest runs the calling test in parallel when `-integration` is set.
func IntegrationTest(t *testing.T) {
	if !*integrationTest {
		t.SkipNow()
	}
	t.Parallel()
}

// BadUnitTestWithSideEffects is UnitTest for tests that must not run in parallel.
func BadUnitTestWithSideEffects(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
}
