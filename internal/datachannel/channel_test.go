package datachannel

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

func TestNewChannelCapacity(t *testing.T) {
	ch, err := New("test-script-in")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	if len(ch.mem) != protocol.DataChannelSize {
		t.Fatalf("capacity = %d, want %d", len(ch.mem), protocol.DataChannelSize)
	}
	if ch.FD() < 0 {
		t.Fatalf("FD() = %d, want non-negative", ch.FD())
	}
}

func TestWriteThenReadAsText(t *testing.T) {
	ch, err := New("test-fuzz-out")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	msg := []byte("ok\n")
	n, err := ch.Write(msg)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("Write returned %d, want %d", n, len(msg))
	}

	// Simulate the child's post-write seek position, since the parent
	// and child share the same open-file description.
	if _, err := unix.Seek(ch.fd, int64(len(msg)), unix.SEEK_SET); err != nil {
		t.Fatalf("seek: %v", err)
	}

	text, err := ch.ReadAsText()
	if err != nil {
		t.Fatalf("ReadAsText: %v", err)
	}
	if string(text) != "ok\n" {
		t.Fatalf("ReadAsText = %q, want %q", text, "ok\n")
	}
}

func TestResetTruncatesAndSeeksToZero(t *testing.T) {
	ch, err := New("test-reset")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	if _, err := unix.Seek(ch.fd, 100, unix.SEEK_SET); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := ch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	text, err := ch.ReadAsText()
	if err != nil {
		t.Fatalf("ReadAsText after reset: %v", err)
	}
	if len(text) != 0 {
		t.Fatalf("ReadAsText after reset = %q, want empty", text)
	}
}

func TestWriteExceedingCapacityFails(t *testing.T) {
	ch, err := New("test-overflow")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	big := make([]byte, protocol.DataChannelSize+1)
	if _, err := ch.Write(big); err == nil {
		t.Fatal("Write of oversized buffer should fail")
	}
}
