package reprl

import (
	"fmt"
	"os"

	"github.com/ehrlich-b/jsraider-reprl/internal/child"
	"github.com/ehrlich-b/jsraider-reprl/internal/coverage"
	"github.com/ehrlich-b/jsraider-reprl/internal/datachannel"
	"github.com/ehrlich-b/jsraider-reprl/internal/execloop"
	"github.com/ehrlich-b/jsraider-reprl/internal/logging"
	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
	"github.com/ehrlich-b/jsraider-reprl/internal/scanner"
)

// HostBinding is the single entry point a fuzzing driver embeds: one
// REPRL child supervised through its own data channels and coverage
// shmem region, plus the delimiter-scanning helpers the driver's
// mutators use when splicing script text.
//
// HostBinding is not safe for concurrent use; a driver running several
// fuzzing workers creates one HostBinding per worker, each with its own
// id (and therefore its own shmem name and data channels).
type HostBinding struct {
	id int

	scriptIn *datachannel.Channel
	fuzzOut  *datachannel.Channel
	stdoutCh *datachannel.Channel
	stderrCh *datachannel.Channel

	supervisor *child.Supervisor
	coverage   *coverage.Engine
	loop       *execloop.Loop

	metrics  *Metrics
	observer Observer

	logger *logging.Logger

	lastFuzzOut string
	lastStdout  string
	lastStderr  string
	lastErr     error
}

// Options configures optional behavior not covered by the target path
// and extra flags.
type Options struct {
	CaptureStdout bool
	CaptureStderr bool
	Observer      Observer // if nil, defaults to a MetricsObserver over the new host's Metrics
	Logger        *logging.Logger
}

// Initialize creates the data channels and coverage shmem region for id
// and prepares (but does not yet spawn) the child supervisor for
// targetPath. id distinguishes concurrently running HostBindings on the
// same machine: it feeds both the shmem object name and the data
// channel names.
func Initialize(id int, targetPath string, extraArgs []string, opts Options) (*HostBinding, error) {
	scriptIn, err := datachannel.New(fmt.Sprintf("reprl_script_in_%d_%d", os.Getpid(), id))
	if err != nil {
		return nil, WrapError("initialize", ResourceExhausted, err)
	}
	fuzzOut, err := datachannel.New(fmt.Sprintf("reprl_fuzz_out_%d_%d", os.Getpid(), id))
	if err != nil {
		scriptIn.Close()
		return nil, WrapError("initialize", ResourceExhausted, err)
	}

	var stdoutCh, stderrCh *datachannel.Channel
	if opts.CaptureStdout {
		stdoutCh, err = datachannel.New(fmt.Sprintf("reprl_stdout_%d_%d", os.Getpid(), id))
		if err != nil {
			scriptIn.Close()
			fuzzOut.Close()
			return nil, WrapError("initialize", ResourceExhausted, err)
		}
	}
	if opts.CaptureStderr {
		stderrCh, err = datachannel.New(fmt.Sprintf("reprl_stderr_%d_%d", os.Getpid(), id))
		if err != nil {
			scriptIn.Close()
			fuzzOut.Close()
			if stdoutCh != nil {
				stdoutCh.Close()
			}
			return nil, WrapError("initialize", ResourceExhausted, err)
		}
	}

	covEngine, err := coverage.Initialize(id)
	if err != nil {
		scriptIn.Close()
		fuzzOut.Close()
		if stdoutCh != nil {
			stdoutCh.Close()
		}
		if stderrCh != nil {
			stderrCh.Close()
		}
		return nil, WrapError("initialize", ResourceExhausted, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	cfg := child.Config{
		TargetPath:    targetPath,
		ExtraArgs:     extraArgs,
		CaptureStdout: opts.CaptureStdout,
		CaptureStderr: opts.CaptureStderr,
	}

	shmName := protocol.ShmName(os.Getpid(), id)
	supervisor := child.New(cfg, scriptIn, fuzzOut, stdoutCh, stderrCh, shmName, logger)

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	h := &HostBinding{
		id:         id,
		scriptIn:   scriptIn,
		fuzzOut:    fuzzOut,
		stdoutCh:   stdoutCh,
		stderrCh:   stderrCh,
		supervisor: supervisor,
		coverage:   covEngine,
		metrics:    metrics,
		observer:   observer,
		logger:     logger,
	}
	h.loop = &execloop.Loop{
		Supervisor: supervisor,
		ScriptIn:   scriptIn,
		FuzzOut:    fuzzOut,
		StdoutCh:   stdoutCh,
		StderrCh:   stderrCh,
		Coverage:   covEngine,
		Logger:     logger,
	}
	logger.Info("host initialized", "id", id, "target", targetPath)
	return h, nil
}

// FinishInitialization must be called once, after the first child has
// been spawned and executed at least once, so the coverage engine can
// read num_edges out of shmem and size its bitmaps.
func (h *HostBinding) FinishInitialization() (numEdges uint32, err error) {
	n, err := h.coverage.FinishInitialization()
	if err != nil {
		return 0, WrapError("finish_initialization", ResourceExhausted, err)
	}
	return n, nil
}

// SpawnChild starts the REPRL child. If a child is already alive it
// does nothing; replacing a live child is done through ExecuteScript's
// freshInstance flag.
func (h *HostBinding) SpawnChild() error {
	if h.supervisor.Alive() {
		return nil
	}
	if err := h.supervisor.Spawn(); err != nil {
		h.observer.ObserveSpawn(false)
		return WrapError("spawn_child", ChildSpawnFailed, err)
	}
	h.observer.ObserveSpawn(true)
	return nil
}

// ExecuteScript runs one script to completion, spawning a child first
// if necessary. timeoutMs is the wall-clock budget before the child is
// killed and a timeout status reported. freshInstance forces the
// current child to be killed and replaced before running, for drivers
// that want one script per process instance.
func (h *HostBinding) ExecuteScript(scriptText string, timeoutMs int64, freshInstance bool) (status ExecutionStatus, execTimeUs int64, fuzzOut string, stderrOut string, engineRestarted bool, err error) {
	result, rerr := h.loop.Execute([]byte(scriptText), timeoutMs*1000, freshInstance)
	if rerr != nil {
		h.logger.Error("execute_script failed", "id", h.id, "err", rerr)
		h.lastErr = rerr
		return 0, 0, "", "", false, WrapError("execute_script", ReprlFailure, rerr)
	}

	h.lastErr = nil
	h.lastFuzzOut = string(result.FuzzOut)
	h.lastStdout = string(result.Stdout)
	h.lastStderr = string(result.Stderr)

	st := ExecutionStatus(result.Status)
	h.observer.ObserveExecution(uint64(result.ExecutionTimeUs)*1000, st)

	return st, result.ExecutionTimeUs, string(result.FuzzOut), string(result.Stderr), result.EngineRestarted, nil
}

// FetchStdout returns the captured stdout text of the last execution,
// or "" if stdout capture was not enabled or no execution has run yet.
func (h *HostBinding) FetchStdout() string {
	return h.lastStdout
}

// FetchStderr returns the captured stderr text of the last execution,
// or "" if stderr capture was not enabled or no execution has run yet.
// Stderr is only read back when the execution's status carries a
// terminating signal; for any other execution this returns "".
func (h *HostBinding) FetchStderr() string {
	return h.lastStderr
}

// FetchFuzzout returns the REPRL fuzzout channel text of the last
// execution, or "" if no execution has run yet.
func (h *HostBinding) FetchFuzzout() string {
	return h.lastFuzzOut
}

// LastError returns the error message of the last ExecuteScript call
// that failed, or "" if the last call (if any) succeeded.
func (h *HostBinding) LastError() string {
	if h.lastErr == nil {
		return ""
	}
	return h.lastErr.Error()
}

// KillChild terminates the currently running child, if any.
func (h *HostBinding) KillChild() error {
	if err := h.supervisor.Terminate(); err != nil {
		return WrapError("kill_child", ReprlFailure, err)
	}
	return nil
}

// Shutdown terminates any running child, closes the data channels, and
// unlinks the coverage shmem region. It is not safe to use the
// HostBinding afterward.
func (h *HostBinding) Shutdown() error {
	var firstErr error
	if err := h.supervisor.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, ch := range []*datachannel.Channel{h.scriptIn, h.fuzzOut, h.stdoutCh, h.stderrCh} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.coverage.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	h.metrics.Stop()
	if firstErr != nil {
		return WrapError("shutdown", ReprlFailure, firstErr)
	}
	return nil
}

// EvaluateCoverage performs the single-pass destructive coverage diff
// after a normal (non-anti-flake) execution.
func (h *HostBinding) EvaluateCoverage() (newEdges, totalEdges uint32) {
	newEdges, totalEdges = h.coverage.Evaluate()
	if newEdges > 0 {
		h.observer.ObserveEdgesDiscovered(uint64(newEdges))
	}
	return newEdges, totalEdges
}

// EvaluateCoverageStep1Check is the non-destructive first half of the
// two-phase anti-flake confirmation protocol.
func (h *HostBinding) EvaluateCoverageStep1Check() (candidateEdges uint32) {
	return h.coverage.EvaluateStep1Check()
}

// EvaluateCoverageStep2Confirm is the second half: it folds both runs'
// live maps into virgin, reporting (new_edges, total_edges) only if
// both runs showed new coverage.
func (h *HostBinding) EvaluateCoverageStep2Confirm(firstRunCandidate uint32) (newEdges, totalEdges uint32) {
	newEdges, totalEdges = h.coverage.EvaluateStep2Confirm(firstRunCandidate)
	if newEdges > 0 {
		h.observer.ObserveEdgesDiscovered(uint64(newEdges))
	}
	return newEdges, totalEdges
}

// SaveCoverageMap persists the current virgin bitmap to path.
func (h *HostBinding) SaveCoverageMap(path string) error {
	if err := h.coverage.SaveVirgin(path); err != nil {
		return WrapError("save_coverage_map", ReprlFailure, err)
	}
	return nil
}

// LoadCoverageMap replaces the virgin bitmap with the one stored at
// path, returning the number of edges it already covers. The file must
// exactly match the current target's bitmap size, or IncompatibleMap is
// returned.
func (h *HostBinding) LoadCoverageMap(path string) (edgesCovered uint32, err error) {
	n, err := h.coverage.LoadVirgin(path)
	if err != nil {
		return 0, WrapError("load_coverage_map", IncompatibleMap, err)
	}
	return n, nil
}

// BackupCoverageMap snapshots the virgin bitmap so it can be restored
// later, typically around a batch of candidate mutations the driver may
// want to roll back.
func (h *HostBinding) BackupCoverageMap() {
	h.coverage.BackupVirgin()
}

// RestoreCoverageMap rolls the virgin bitmap back to the last
// BackupCoverageMap snapshot.
func (h *HostBinding) RestoreCoverageMap() {
	h.coverage.RestoreVirgin()
}

// Metrics returns the host's execution/coverage metrics.
func (h *HostBinding) Metrics() *Metrics {
	return h.metrics
}

// ID returns the identifier this HostBinding was created with,
// distinguishing it from any other HostBinding in the same process.
func (h *HostBinding) ID() int {
	return h.id
}

// IndexOfNextSymbolOutsideStrings delegates to the tokenizer-aware
// delimiter scanner: the logical-character index of the next
// occurrence of symbol in content outside any string literal or
// comment, or -1 if none exists. A closing bracket only matches at its
// outermost nesting level; any other symbol matches at any depth.
func IndexOfNextSymbolOutsideStrings(content string, symbol byte) (int, error) {
	idx, err := scanner.IndexOfNextSymbolOutsideStrings(content, symbol)
	if err != nil {
		return 0, WrapError("index_of_next_symbol_outside_strings", UnsupportedSymbol, err)
	}
	return idx, nil
}

// LineNumberOfOffset delegates to the delimiter scanner: the 1-based
// line number at the given logical-character offset into content.
func LineNumberOfOffset(content string, offset int) int {
	return scanner.LineNumberOfOffset(content, offset)
}
