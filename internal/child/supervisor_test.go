// +build integration

package child

import (
	"os"
	"testing"

	"github.com/ehrlich-b/jsraider-reprl/internal/covshm"
	"github.com/ehrlich-b/jsraider-reprl/internal/datachannel"
	"github.com/ehrlich-b/jsraider-reprl/internal/testtarget"
)

// TestSpawnHandshakeAndTerminate self-reexecs the test binary as the
// REPRL target (TestHelperTarget below), the classic Go
// "TestHelperProcess" pattern, so Spawn/Terminate and the HELO
// handshake are exercised against a real child process rather than a
// fake.
func TestSpawnHandshakeAndTerminate(t *testing.T) {
	scriptIn, err := datachannel.New("child_test_script_in")
	if err != nil {
		t.Fatalf("datachannel.New: %v", err)
	}
	defer scriptIn.Close()
	fuzzOut, err := datachannel.New("child_test_fuzz_out")
	if err != nil {
		t.Fatalf("datachannel.New: %v", err)
	}
	defer fuzzOut.Close()

	region, err := covshm.Create(os.Getpid(), 999)
	if err != nil {
		t.Fatalf("covshm.Create: %v", err)
	}
	defer region.Close()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	cfg := Config{
		TargetPath: exe,
		ExtraArgs:  []string{"-test.run=TestHelperTarget"},
		Env:        []string{"REPRL_HELPER=1", "REPRL_HELPER_MODE=echo"},
	}

	sup := New(cfg, scriptIn, fuzzOut, nil, nil, region.Name(), nil)
	if err := sup.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer sup.Terminate()

	if !sup.Alive() {
		t.Fatal("supervisor should report alive after a successful Spawn")
	}
	if sup.PID() == 0 {
		t.Fatal("PID should be nonzero after Spawn")
	}
	if sup.CtrlReadFD() < 0 || sup.CtrlWriteFD() < 0 {
		t.Fatal("ctrl fds should be valid after Spawn")
	}

	if err := sup.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if sup.Alive() {
		t.Fatal("supervisor should not report alive after Terminate")
	}
}

// TestHelperTarget is not a real test: it is invoked as a subprocess by
// TestSpawnHandshakeAndTerminate via -test.run, guarded by the
// REPRL_HELPER env var so a normal `go test` run doesn't execute it.
func TestHelperTarget(t *testing.T) {
	if os.Getenv("REPRL_HELPER") != "1" {
		t.Skip("not invoked as a helper process")
	}
	if err := testtarget.Run(testtarget.Mode(os.Getenv("REPRL_HELPER_MODE"))); err != nil {
		t.Fatalf("testtarget.Run: %v", err)
	}
}
