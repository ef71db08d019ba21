package reprl

import "testing"

func TestStatusExited(t *testing.T) {
	s := StatusExited(0)
	if !s.Exited() || s.Signaled() {
		t.Fatalf("status = %v, want exited and not signaled", s)
	}
	if s.ExitCode() != 0 {
		t.Fatalf("ExitCode() = %d, want 0", s.ExitCode())
	}
}

func TestStatusSignaled(t *testing.T) {
	s := StatusSignaled(11) // SIGSEGV
	if !s.Signaled() || s.Exited() {
		t.Fatalf("status = %v, want signaled and not exited", s)
	}
	if s.TermSig() != 11 {
		t.Fatalf("TermSig() = %d, want 11", s.TermSig())
	}
}

func TestStatusTimedOut(t *testing.T) {
	s := StatusTimedOut(9) // SIGKILL
	if !s.TimedOut() {
		t.Fatal("StatusTimedOut should set the timeout bit")
	}
	if s.TermSig() != 9 {
		t.Fatalf("TermSig() = %d, want 9", s.TermSig())
	}
}

func TestStatusCrashed(t *testing.T) {
	s := StatusExited(0x04)
	if !s.Crashed() {
		t.Fatal("exit code 0x04 should report Crashed()")
	}
	if StatusExited(0).Crashed() {
		t.Fatal("exit code 0 should not report Crashed()")
	}
	if StatusSignaled(11).Crashed() {
		t.Fatal("a signaled status should not report Crashed() (that's for the exit-code convention only)")
	}
}
