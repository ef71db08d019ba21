// Package execloop implements the ExecutionLoop: one execute-script
// round trip — reset channels, send "exec"+length, poll with timeout,
// decode status.
package execloop

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/jsraider-reprl/internal/child"
	"github.com/ehrlich-b/jsraider-reprl/internal/coverage"
	"github.com/ehrlich-b/jsraider-reprl/internal/datachannel"
	"github.com/ehrlich-b/jsraider-reprl/internal/logging"
	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

// shortReadRetryBudget bounds the post-execution retry loop after an
// ambiguous short read on the ctrl pipe. The spec permits either
// reusing the remaining timeout budget or a short fixed budget;
// this implementation picks a fixed 1ms budget to clamp worst-case
// tail latency.
const shortReadRetryBudget = time.Millisecond

const shortReadRetryInterval = 10 * time.Microsecond

// Result is the outcome of one Execute call.
type Result struct {
	Status          uint32
	ExecutionTimeUs int64
	FuzzOut         []byte
	Stdout          []byte
	Stderr          []byte
	EngineRestarted bool
}

// Loop ties a ChildSupervisor, its data channels, and a coverage
// engine together into the one execute-script round trip.
type Loop struct {
	Supervisor *child.Supervisor
	ScriptIn   *datachannel.Channel
	FuzzOut    *datachannel.Channel
	StdoutCh   *datachannel.Channel // nil unless stdout capture is enabled
	StderrCh   *datachannel.Channel // nil unless stderr capture is enabled
	Coverage   *coverage.Engine
	Logger     *logging.Logger // if nil, the package-default logger is used
}

func (l *Loop) logger() *logging.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return logging.Default()
}

// Execute runs one script to completion: spawning a child if
// necessary, sending it the script, waiting up to timeoutUs for a
// reply, and decoding the resulting status.
func (l *Loop) Execute(script []byte, timeoutUs int64, freshInstance bool) (Result, error) {
	if len(script) > protocol.DataChannelSize {
		return Result{}, fmt.Errorf("script of %d bytes exceeds %d byte channel: script too large", len(script), protocol.DataChannelSize)
	}

	var restarted bool

	if freshInstance && l.Supervisor.Alive() {
		l.Supervisor.Terminate()
		restarted = true
	}

	for _, ch := range []*datachannel.Channel{l.ScriptIn, l.FuzzOut, l.StdoutCh, l.StderrCh} {
		if ch == nil {
			continue
		}
		if err := ch.SeekZero(); err != nil {
			return Result{}, fmt.Errorf("execute: seek channel: %w", err)
		}
	}

	if !l.Supervisor.Alive() {
		if err := l.Supervisor.Spawn(); err != nil {
			return Result{}, fmt.Errorf("execute: spawn child: %w", err)
		}
		restarted = true
	}

	if _, err := l.ScriptIn.Write(script); err != nil {
		return Result{}, fmt.Errorf("execute: write script: %w", err)
	}

	l.Coverage.ClearBitmap()

	start := time.Now()

	cmd := make([]byte, 0, len(protocol.ExecCmd)+protocol.ExecLenSize)
	cmd = append(cmd, []byte(protocol.ExecCmd)...)
	lenBuf := make([]byte, protocol.ExecLenSize)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(script)))
	cmd = append(cmd, lenBuf...)

	n, err := unix.Write(l.Supervisor.CtrlWriteFD(), cmd)
	if err != nil || n != len(cmd) {
		status, derr := l.handleDeadChildOnWrite()
		if derr != nil {
			return Result{}, derr
		}
		return Result{Status: status, EngineRestarted: restarted}, nil
	}

	status, err := l.pollForStatus(timeoutUs, start)
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	result := Result{
		Status:          status,
		ExecutionTimeUs: elapsed.Microseconds(),
		EngineRestarted: restarted,
	}

	fuzzOut, ferr := l.FuzzOut.ReadAsText()
	if ferr == nil {
		result.FuzzOut = sanitizeASCII(fuzzOut)
	}

	if l.StdoutCh != nil {
		stdoutText, operr := l.StdoutCh.ReadAsText()
		if operr == nil {
			result.Stdout = sanitizeASCII(stdoutText)
		}
	}

	if statusIndicatesCrash(status) {
		l.logger().Error("child crashed", "signal", status&0xff, "pid", l.Supervisor.PID())
		if l.StderrCh != nil {
			stderrText, serr := l.StderrCh.ReadAsText()
			if serr == nil {
				result.Stderr = sanitizeASCII(stderrText)
			}
		}
	}

	return result, nil
}

// pollForStatus polls the ctrl-in fd with the given microsecond
// timeout, decoding either a timeout or a (possibly ambiguous-short)
// status word.
func (l *Loop) pollForStatus(timeoutUs int64, start time.Time) (uint32, error) {
	fds := []unix.PollFd{{Fd: int32(l.Supervisor.CtrlReadFD()), Events: unix.POLLIN}}
	timeoutMs := int(timeoutUs / 1000)

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("execute: poll: %w", err)
	}

	if n == 0 {
		l.logger().Warn("execution timed out", "timeout_us", timeoutUs, "pid", l.Supervisor.PID())
		l.Supervisor.Terminate()
		return 1 << 16, nil // did_timeout bit set
	}

	statusBuf := make([]byte, protocol.StatusWordSize)
	read, err := unix.Read(l.Supervisor.CtrlReadFD(), statusBuf)
	if err != nil {
		return 0, fmt.Errorf("execute: read status: %w", err)
	}
	if read == protocol.StatusWordSize {
		return binary.LittleEndian.Uint32(statusBuf) & 0xffff, nil
	}

	return l.retryAmbiguousShortRead(timeoutUs, start)
}

// retryAmbiguousShortRead handles the case where the ctrl pipe
// returned fewer than 4 status bytes, which usually means the child
// crashed mid-write. It polls waitpid(WNOHANG) briefly, encoding the
// result once the child is reaped.
func (l *Loop) retryAmbiguousShortRead(timeoutUs int64, start time.Time) (uint32, error) {
	deadline := time.Now().Add(shortReadRetryBudget)
	for time.Now().Before(deadline) {
		ws, reaped, err := l.Supervisor.ReapNonBlocking()
		if err != nil {
			return 0, fmt.Errorf("execute: reap after short read: %w", err)
		}
		if reaped {
			l.Supervisor.MarkDead()
			if ws.Signaled() {
				return uint32(ws.Signal()) & 0xffff, nil
			}
			return uint32(ws.ExitStatus()) << 8 & 0xffff, nil
		}
		time.Sleep(shortReadRetryInterval)
	}
	return 0, fmt.Errorf("execute: child unresponsive after short read: reprl failure")
}

// handleDeadChildOnWrite is invoked when the exec command's write to
// ctrl-out fails or is short, which implies the child died between
// executions.
func (l *Loop) handleDeadChildOnWrite() (uint32, error) {
	ws, reaped, err := l.Supervisor.ReapNonBlocking()
	if err != nil {
		return 0, fmt.Errorf("execute: reap on dead write: %w", err)
	}
	l.Supervisor.MarkDead()
	if !reaped {
		return 0, nil // child died between runs; next execute respawns
	}
	if ws.Signaled() {
		return uint32(ws.Signal()) & 0xffff, nil
	}
	return uint32(ws.ExitStatus()) << 8 & 0xffff, nil
}

func statusIndicatesCrash(status uint32) bool {
	signal := status & 0xff
	return signal != 0
}

// sanitizeASCII replaces every byte >= 0x80 with a space, so fuzz-out,
// stdout and stderr never return invalid UTF-8 to the driver.
func sanitizeASCII(b []byte) []byte {
	for i, c := range b {
		if c >= 0x80 {
			b[i] = ' '
		}
	}
	return b
}
