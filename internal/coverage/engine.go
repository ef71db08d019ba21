// Package coverage implements the virgin-bitmap bookkeeping, new-edge
// detection, two-phase anti-flake confirmation, and persistence that
// make up the CoverageEngine.
package coverage

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"

	"github.com/ehrlich-b/jsraider-reprl/internal/covshm"
	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

// Engine is the virgin-bitmap bookkeeping layer on top of a CoverageShmem
// region. bit=1 in virgin means "still undiscovered"; this is the
// opposite polarity from the live edge map, where bit=1 means "hit this
// run".
type Engine struct {
	id     int
	region *covshm.Region

	numEdges   uint32
	bitmapSize uint32

	virgin            []byte
	virginBackup      []byte
	coverageMapBackup []byte

	// lastCandidateTotal caches the popcount of the live map taken
	// during EvaluateStep1Check, so EvaluateStep2Confirm can report
	// the first run's total_edges without re-reading shmem.
	lastCandidateTotal uint32
}

// Initialize opens (or re-opens, idempotently) the coverage shmem
// region for the given id.
func Initialize(id int) (*Engine, error) {
	region, err := covshm.Create(os.Getpid(), id)
	if err != nil {
		return nil, fmt.Errorf("initialize coverage shmem: %w", err)
	}
	return &Engine{id: id, region: region}, nil
}

// FinishInitialization must be called exactly once, after the first
// child execution has populated num_edges. It allocates the virgin
// bitmap (all edges undiscovered) and its backups.
func (e *Engine) FinishInitialization() (uint32, error) {
	numEdges := e.region.NumEdges()
	if numEdges > protocol.MaxEdges {
		return 0, fmt.Errorf("num_edges %d exceeds MaxEdges %d: resource exhausted", numEdges, protocol.MaxEdges)
	}
	e.numEdges = numEdges
	e.bitmapSize = (numEdges + 7) / 8

	e.virgin = make([]byte, e.bitmapSize)
	for i := range e.virgin {
		e.virgin[i] = 0xff
	}
	maskTail(e.virgin, e.numEdges)

	e.virginBackup = make([]byte, e.bitmapSize)
	copy(e.virginBackup, e.virgin)
	e.coverageMapBackup = make([]byte, e.bitmapSize)

	return e.numEdges, nil
}

// ClearBitmap zeroes the live edge map. Called before every execution,
// defending against instrumentation that forgot to reset its own map.
func (e *Engine) ClearBitmap() {
	e.region.Clear(e.numEdges)
}

// Evaluate performs the single-pass destructive diff: new edges are
// counted and marked discovered in virgin. total_edges (the popcount of
// the whole live map) is only computed when new edges were found, to
// save cycles on the common no-new-coverage path.
func (e *Engine) Evaluate() (newEdges, totalEdges uint32) {
	live := e.liveMap()
	newEdges = foldIntoVirgin(live, e.virgin)
	if newEdges > 0 {
		totalEdges = popcountBytes(live)
	}
	return newEdges, totalEdges
}

// EvaluateStep1Check is the non-destructive half of the anti-flake
// protocol: it counts new edges without updating virgin. If any were
// found, it snapshots the live map into coverageMapBackup so step 2 can
// fold it in later without re-reading shmem.
func (e *Engine) EvaluateStep1Check() uint32 {
	live := e.liveMap()
	candidate := evaluateCandidateCount(live, e.virgin)
	if candidate > 0 {
		copy(e.coverageMapBackup, live)
		e.lastCandidateTotal = popcountBytes(live)
	}
	return candidate
}

// EvaluateStep2Confirm is invoked after the driver has re-run the same
// script. It checks whether the second run also shows new coverage
// against the current virgin map, then folds first the backed-up first
// run and then the second run into virgin. If both runs had new
// coverage, it reports the first run's (new_edges, total_edges);
// otherwise it reports (0, 0) — the first run is indeterministic — but
// virgin is updated in both cases so the flake isn't re-reported.
func (e *Engine) EvaluateStep2Confirm(firstRunCandidate uint32) (newEdges, totalEdges uint32) {
	live := e.liveMap()
	secondRunCandidate := evaluateCandidateCount(live, e.virgin)

	foldIntoVirgin(e.coverageMapBackup, e.virgin)
	foldIntoVirgin(live, e.virgin)

	if firstRunCandidate > 0 && secondRunCandidate > 0 {
		return firstRunCandidate, e.lastCandidateTotal
	}
	return 0, 0
}

// BackupVirgin snapshots virgin without touching anything else.
func (e *Engine) BackupVirgin() {
	copy(e.virginBackup, e.virgin)
}

// RestoreVirgin rolls virgin back to the last BackupVirgin snapshot.
func (e *Engine) RestoreVirgin() {
	copy(e.virgin, e.virginBackup)
}

// SaveVirgin writes the raw bitmapSize bytes of the virgin map to path.
func (e *Engine) SaveVirgin(path string) error {
	return os.WriteFile(path, e.virgin, 0o644)
}

// LoadVirgin reads a virgin map from path, snapshots it into the backup
// slot, clears the live bitmap, and returns the number of already
// discovered edges (the popcount of zero bits in virgin). A short read
// (size mismatch) reports IncompatibleMap.
func (e *Engine) LoadVirgin(path string) (edgesCovered uint32, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("load virgin %s: %w", path, err)
	}
	if uint32(len(data)) != e.bitmapSize {
		return 0, fmt.Errorf("incompatible coverage map: got %d bytes, want %d", len(data), e.bitmapSize)
	}
	copy(e.virgin, data)
	copy(e.virginBackup, data)
	e.region.Clear(e.numEdges)
	return discoveredCount(e.virgin, e.numEdges), nil
}

// Shutdown unlinks the shared-memory name.
func (e *Engine) Shutdown() error {
	return e.region.Close()
}

// ShmName returns the coverage shmem object's name, for the SHM_ID
// environment variable passed to a Supervisor's child.
func (e *Engine) ShmName() string {
	return e.region.Name()
}

func (e *Engine) liveMap() []byte {
	return e.region.Edges(e.numEdges)
}

// foldIntoVirgin is the bit-parallel destructive diff: for each 64-bit
// word of live AND virgin, any coinciding bits are new edges; they are
// counted and cleared from virgin. Words with no candidates are
// skipped without a per-bit pass.
func foldIntoVirgin(live, virgin []byte) uint32 {
	var count uint32
	n := len(live)
	i := 0
	for ; i+8 <= n; i += 8 {
		lw := binary.LittleEndian.Uint64(live[i : i+8])
		vw := binary.LittleEndian.Uint64(virgin[i : i+8])
		candidates := lw & vw
		if candidates == 0 {
			continue
		}
		count += uint32(bits.OnesCount64(candidates))
		binary.LittleEndian.PutUint64(virgin[i:i+8], vw&^candidates)
	}
	for ; i < n; i++ {
		candidates := live[i] & virgin[i]
		if candidates == 0 {
			continue
		}
		count += uint32(bits.OnesCount8(candidates))
		virgin[i] &^= candidates
	}
	return count
}

// evaluateCandidateCount is the non-destructive counterpart of
// foldIntoVirgin: it counts coinciding bits without mutating virgin.
func evaluateCandidateCount(live, virgin []byte) uint32 {
	var count uint32
	n := len(live)
	i := 0
	for ; i+8 <= n; i += 8 {
		lw := binary.LittleEndian.Uint64(live[i : i+8])
		vw := binary.LittleEndian.Uint64(virgin[i : i+8])
		candidates := lw & vw
		if candidates == 0 {
			continue
		}
		count += uint32(bits.OnesCount64(candidates))
	}
	for ; i < n; i++ {
		candidates := live[i] & virgin[i]
		count += uint32(bits.OnesCount8(candidates))
	}
	return count
}

// discoveredCount returns the popcount of zero bits in virgin, masked
// to exactly numEdges bits so a partial trailing byte doesn't count
// padding bits beyond num_edges as discovered.
func discoveredCount(virgin []byte, numEdges uint32) uint32 {
	var discovered uint32
	fullBytes := numEdges / 8
	for i := uint32(0); i < fullBytes; i++ {
		discovered += uint32(bits.OnesCount8(^virgin[i]))
	}
	if rem := numEdges % 8; rem != 0 {
		mask := byte(1<<rem) - 1
		discovered += uint32(bits.OnesCount8(^virgin[fullBytes] & mask))
	}
	return discovered
}

// popcountBytes counts all set bits across a byte slice.
func popcountBytes(b []byte) uint32 {
	var count uint32
	n := len(b)
	i := 0
	for ; i+8 <= n; i += 8 {
		count += uint32(bits.OnesCount64(binary.LittleEndian.Uint64(b[i : i+8])))
	}
	for ; i < n; i++ {
		count += uint32(bits.OnesCount8(b[i]))
	}
	return count
}

// maskTail clears bits beyond numEdges in the final byte of a freshly
// all-ones bitmap, so padding bits are never reported as undiscovered
// edges.
func maskTail(b []byte, numEdges uint32) {
	if len(b) == 0 {
		return
	}
	rem := numEdges % 8
	if rem == 0 {
		return
	}
	mask := byte(1<<rem) - 1
	b[len(b)-1] &= mask
}
