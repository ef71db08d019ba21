// Package child implements the ChildSupervisor: fork/exec with
// fixed-fd-number remapping, the HELO handshake, SIGPIPE policy, and
// kill/reap of the REPRL target process.
package child

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/jsraider-reprl/internal/datachannel"
	"github.com/ehrlich-b/jsraider-reprl/internal/logging"
	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

var ignoreSigpipeOnce sync.Once

// ignoreSIGPIPE globally ignores SIGPIPE for the process, so a write to
// a data channel or ctrl pipe after the child has died doesn't abort
// the parent.
func ignoreSIGPIPE() {
	ignoreSigpipeOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}

var reserveFDsOnce sync.Once

// reserveChildFDs dup2's /dev/null onto 100..103 in the parent process
// once, ahead of any Spawn, so nothing else in the process can
// accidentally consume the well-known fd numbers before a child exists
// to claim them.
func reserveChildFDs() error {
	var reserveErr error
	reserveFDsOnce.Do(func() {
		devnull, err := unix.Open("/dev/null", unix.O_RDWR, 0)
		if err != nil {
			reserveErr = fmt.Errorf("reserve fds: open /dev/null: %w", err)
			return
		}
		defer unix.Close(devnull)
		for _, fd := range []int{protocol.CtrlIn, protocol.CtrlOut, protocol.DataIn, protocol.DataOut} {
			if err := unix.Dup2(devnull, fd); err != nil {
				reserveErr = fmt.Errorf("reserve fd %d: %w", fd, err)
				return
			}
			unix.CloseOnExec(fd)
		}
	})
	return reserveErr
}

// closedFD marks a slot in a ForkExec Files slice as "do not assign";
// the child closes it rather than inheriting anything at that number.
const closedFD = ^uintptr(0)

// Config configures a Supervisor's target process.
type Config struct {
	TargetPath    string   // path to the target interpreter binary
	ExtraArgs     []string // overrides protocol.DefaultChildFlags when non-nil
	Env           []string // additional environment variables, "KEY=VALUE"
	CaptureStdout bool     // capture the child's stdout into a DataChannel instead of /dev/null
	CaptureStderr bool     // capture the child's stderr into a DataChannel instead of /dev/null
}

// Supervisor owns one REPRL child's lifecycle: spawning it with the
// well-known fds wired up, the HELO handshake, and termination.
type Supervisor struct {
	cfg Config

	scriptIn *datachannel.Channel
	fuzzOut  *datachannel.Channel
	stdoutCh *datachannel.Channel
	stderrCh *datachannel.Channel

	shmName string

	pid         int
	ctrlReadFD  int // parent reads the child's status words here
	ctrlWriteFD int // parent writes "exec"+length here

	logger *logging.Logger
}

// New creates a Supervisor wired to the given data channels and
// coverage shmem name. stdoutCh/stderrCh may be nil when the
// corresponding capture flag is false. logger may be nil, in which case
// the package-default logger is used.
func New(cfg Config, scriptIn, fuzzOut, stdoutCh, stderrCh *datachannel.Channel, shmName string, logger *logging.Logger) *Supervisor {
	ignoreSIGPIPE()
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		scriptIn:    scriptIn,
		fuzzOut:     fuzzOut,
		stdoutCh:    stdoutCh,
		stderrCh:    stderrCh,
		shmName:     shmName,
		ctrlReadFD:  -1,
		ctrlWriteFD: -1,
		logger:      logger,
	}
}

// Alive reports whether a child is currently tracked as running.
func (s *Supervisor) Alive() bool {
	return s.pid != 0
}

// PID returns the child's process id, or 0 if none is alive.
func (s *Supervisor) PID() int {
	return s.pid
}

// CtrlReadFD returns the parent-side fd for reading the child's status
// words. Valid only while Alive().
func (s *Supervisor) CtrlReadFD() int {
	return s.ctrlReadFD
}

// CtrlWriteFD returns the parent-side fd for writing exec commands to
// the child. Valid only while Alive().
func (s *Supervisor) CtrlWriteFD() int {
	return s.ctrlWriteFD
}

// Spawn forks and execs the target, wires the well-known fds, and
// performs the HELO handshake. On any failure the child (if any) is
// reaped and the supervisor is left with no child alive.
func (s *Supervisor) Spawn() error {
	if err := reserveChildFDs(); err != nil {
		return fmt.Errorf("reserve fds: %w", err)
	}

	for _, ch := range []*datachannel.Channel{s.scriptIn, s.fuzzOut, s.stdoutCh, s.stderrCh} {
		if ch == nil {
			continue
		}
		if err := ch.Reset(); err != nil {
			return fmt.Errorf("spawn: reset channel: %w", err)
		}
	}

	childToParent := make([]int, 2)
	if err := unix.Pipe2(childToParent, unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("spawn: pipe child->parent: %w", err)
	}
	parentToChild := make([]int, 2)
	if err := unix.Pipe2(parentToChild, unix.O_CLOEXEC); err != nil {
		unix.Close(childToParent[0])
		unix.Close(childToParent[1])
		return fmt.Errorf("spawn: pipe parent->child: %w", err)
	}

	devnull, err := unix.Open("/dev/null", unix.O_RDWR, 0)
	if err != nil {
		closeAll(childToParent[0], childToParent[1], parentToChild[0], parentToChild[1])
		return fmt.Errorf("spawn: open /dev/null: %w", err)
	}
	defer unix.Close(devnull)

	files := make([]uintptr, 104)
	for i := range files {
		files[i] = closedFD
	}
	files[0] = uintptr(devnull)
	files[1] = uintptr(s.stdoutTarget(devnull))
	files[2] = uintptr(s.stderrTarget(devnull))
	files[protocol.CtrlIn] = uintptr(parentToChild[0])  // child reads exec commands here
	files[protocol.CtrlOut] = uintptr(childToParent[1]) // child writes status here
	files[protocol.DataIn] = uintptr(s.scriptIn.FD())
	files[protocol.DataOut] = uintptr(s.fuzzOut.FD())

	argv := append([]string{s.cfg.TargetPath}, s.childArgs()...)
	env := append(append([]string{}, os.Environ()...), s.cfg.Env...)
	env = append(env, protocol.ShmIDEnv+"="+s.shmName)

	attr := &syscall.ProcAttr{
		Files: files,
		Env:   env,
	}
	pid, err := syscall.ForkExec(s.cfg.TargetPath, argv, attr)
	if err != nil {
		closeAll(childToParent[0], childToParent[1], parentToChild[0], parentToChild[1])
		s.logger.Error("fork/exec failed", "target", s.cfg.TargetPath, "err", err)
		return fmt.Errorf("spawn: fork/exec: %w", err)
	}

	unix.Close(parentToChild[0])
	unix.Close(childToParent[1])

	s.ctrlReadFD = childToParent[0]
	s.ctrlWriteFD = parentToChild[1]
	s.pid = pid

	if err := s.helloHandshake(); err != nil {
		s.logger.Warn("helo handshake failed", "pid", pid, "err", err)
		s.Terminate()
		return fmt.Errorf("spawn: helo handshake: %w", err)
	}

	s.logger.Debug("child spawned", "pid", pid, "target", s.cfg.TargetPath, "shm", s.shmName)
	return nil
}

func (s *Supervisor) stdoutTarget(devnull int) int {
	if s.cfg.CaptureStdout && s.stdoutCh != nil {
		return s.stdoutCh.FD()
	}
	return devnull
}

func (s *Supervisor) stderrTarget(devnull int) int {
	if s.cfg.CaptureStderr && s.stderrCh != nil {
		return s.stderrCh.FD()
	}
	return devnull
}

func (s *Supervisor) childArgs() []string {
	if s.cfg.ExtraArgs != nil {
		return s.cfg.ExtraArgs
	}
	return protocol.DefaultChildFlags
}

func (s *Supervisor) helloHandshake() error {
	buf := make([]byte, len(protocol.HelloMsg))
	if err := readFull(s.ctrlReadFD, buf); err != nil {
		return fmt.Errorf("read HELO: %w", err)
	}
	if string(buf) != protocol.HelloMsg {
		return fmt.Errorf("unexpected handshake %q, want %q", buf, protocol.HelloMsg)
	}
	if err := writeFull(s.ctrlWriteFD, []byte(protocol.HelloMsg)); err != nil {
		return fmt.Errorf("echo HELO: %w", err)
	}
	return nil
}

// Terminate SIGKILLs the child and blocks for reap, then zeroes the
// pid and closes the parent ctrl ends. Data channels are left alive
// for reuse by the next spawn.
func (s *Supervisor) Terminate() error {
	if !s.Alive() {
		return nil
	}
	pid := s.pid
	unix.Kill(s.pid, unix.SIGKILL)
	var ws unix.WaitStatus
	_, err := unix.Wait4(s.pid, &ws, 0, nil)
	s.logger.Debug("child terminated", "pid", pid)

	if s.ctrlReadFD >= 0 {
		unix.Close(s.ctrlReadFD)
		s.ctrlReadFD = -1
	}
	if s.ctrlWriteFD >= 0 {
		unix.Close(s.ctrlWriteFD)
		s.ctrlWriteFD = -1
	}
	s.pid = 0

	if err != nil {
		return fmt.Errorf("terminate: wait4: %w", err)
	}
	return nil
}

// MarkDead zeroes the pid and closes ctrl fds without signaling the
// child, for use when the caller has already established (e.g. via a
// non-blocking waitpid) that the child exited on its own.
func (s *Supervisor) MarkDead() {
	if s.ctrlReadFD >= 0 {
		unix.Close(s.ctrlReadFD)
		s.ctrlReadFD = -1
	}
	if s.ctrlWriteFD >= 0 {
		unix.Close(s.ctrlWriteFD)
		s.ctrlWriteFD = -1
	}
	s.pid = 0
}

// ReapNonBlocking polls for the child's exit status without blocking,
// returning (status, true, nil) if the child has already exited.
func (s *Supervisor) ReapNonBlocking() (unix.WaitStatus, bool, error) {
	if !s.Alive() {
		return 0, false, nil
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(s.pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return 0, false, fmt.Errorf("wait4 WNOHANG: %w", err)
	}
	if pid == 0 {
		return 0, false, nil
	}
	return ws, true, nil
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

func readFull(fd int, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unexpected EOF after %d of %d bytes", total, len(buf))
		}
		total += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}
