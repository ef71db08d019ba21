// Package protocol holds the wire-level constants shared between the
// parent process and the REPRL child: fixed fd numbers, the HELO
// handshake, the exec command, and the shared-memory layout. These are
// a protocol with the instrumented target, not an implementation
// detail, so they stay as named constants rather than inlined magic
// numbers.
package protocol

import "fmt"

// Fixed child-side file descriptor numbers. The child inherits these
// from the parent across execve; nothing else in the child's fd table
// is guaranteed to survive.
const (
	CtrlIn  = 100 // child reads exec commands here
	CtrlOut = 101 // child writes status words here
	DataIn  = 102 // child reads the script payload here
	DataOut = 103 // child writes fuzz-out bytes here
)

// DataChannelSize is the fixed capacity of every memory-mapped data
// channel (script-in, fuzz-out, and the optional stdout/stderr capture
// channels).
const DataChannelSize = 16 << 20

// ShmSize is the size of the POSIX shared-memory region carrying the
// coverage bitmap: a 4-byte edge count followed by the bitmap itself.
const ShmSize = 0x100000

// MaxEdges is the largest edge count that fits in the coverage shmem
// after its 4-byte header.
const MaxEdges = (ShmSize - 4) * 8

// HelloMsg is the 4-byte handshake the child emits on startup and the
// parent echoes back before entering the execute loop.
const HelloMsg = "HELO"

// ExecCmd is the 4-byte ctrl-pipe command that precedes the 8-byte
// little-endian script length.
const ExecCmd = "exec"

// StatusWordSize is the width in bytes of the status word the child
// writes to CtrlOut after each execution.
const StatusWordSize = 4

// ExecLenSize is the width in bytes of the script length that follows
// ExecCmd on the ctrl pipe.
const ExecLenSize = 8

// ShmIDEnv is the name of the environment variable communicating the
// shared-memory object name to the child.
const ShmIDEnv = "SHM_ID"

// ShmName builds the deterministic shared-memory object name for a
// given parent pid and context id.
func ShmName(parentPID int, id int) string {
	return fmt.Sprintf("shm_id_%d_%d", parentPID, id)
}

// DefaultChildFlags are appended to the target binary path for the
// specific target this harness was built for: flags enabling
// deterministic, fuzz-friendly execution. Callers may override these
// at initialize time.
var DefaultChildFlags = []string{
	"--reprl",
	"--jitless",
	"--expose-gc",
	"--single-threaded",
	"--disable-optimizing-compiler",
	"--no-opt",
}
