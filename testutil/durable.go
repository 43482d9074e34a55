package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
)

const (
	durablePhaseEnv = "MVSTORE_DURABLE_PHASE"
)

// RunDurablePhase runs the test named helper in a new copy of the test binary with the phase
// in its environment. The child may exit without cleaning up, which is how a crash is
// simulated.
func RunDurablePhase(t *testing.T, helper, phase string) {
	t.Helper()

	cmd := exec.Command(os.Args[0], fmt.Sprintf("-test.run=^%s$", helper), "-test.v")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", durablePhaseEnv, phase))
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("durable phase %s failed: %s\n%s", phase, err, out)
	}
}

// DurablePhase returns the phase a helper test is running; helpers do nothing when it is
// empty.
func DurablePhase() string {
	return os.Getenv(durablePhaseEnv)
}
