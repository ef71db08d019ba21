// Package covshm implements the named POSIX shared-memory region the
// instrumented child writes its edge-hit bitmap into: a 4-byte edge
// count followed by the bitmap bytes.
package covshm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

// shmDir is where POSIX shared-memory objects live on Linux; shm_open
// is itself implemented in glibc as an open(2) under this directory,
// so a path-based open gives the same cross-process semantics without
// requiring cgo.
const shmDir = "/dev/shm/"

// Region is a ShmSize named shared-memory region, mapped read/write.
// The child attaches to the same object by name (via the SHM_ID
// environment variable), not by inherited fd, so unlike Channel this
// is opened by path rather than duplicated across fork.
type Region struct {
	name string
	fd   int
	mem  []byte
}

// Create opens (creating if necessary) the shared-memory object named
// by protocol.ShmName(parentPID, id) and maps it at ShmSize.
func Create(parentPID, id int) (*Region, error) {
	name := protocol.ShmName(parentPID, id)
	fd, err := unix.Open(shmDir+name, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, protocol.ShmSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, protocol.ShmSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &Region{name: name, fd: fd, mem: mem}, nil
}

// Attach opens the already-created shared-memory object named by the
// SHM_ID environment variable. Used by the child side, which reaches
// the region by name rather than by an inherited fd.
func Attach(name string) (*Region, error) {
	fd, err := unix.Open(shmDir+name, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, protocol.ShmSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &Region{name: name, fd: fd, mem: mem}, nil
}

// Name returns the shared-memory object's name, suitable for the
// SHM_ID environment variable passed to the child.
func (r *Region) Name() string {
	return r.name
}

// SetNumEdges writes the 4-byte edge count header. Called once by the
// instrumented child on startup, before it reports any coverage.
func (r *Region) SetNumEdges(n uint32) {
	r.mem[0] = byte(n)
	r.mem[1] = byte(n >> 8)
	r.mem[2] = byte(n >> 16)
	r.mem[3] = byte(n >> 24)
}

// SetBit marks edge bitIndex as hit in the live bitmap.
func (r *Region) SetBit(bitIndex uint32) {
	r.mem[4+bitIndex/8] |= 1 << (bitIndex % 8)
}

// FD returns the region's backing file descriptor.
func (r *Region) FD() int {
	return r.fd
}

// NumEdges reads the 4-byte edge count header written by the child.
func (r *Region) NumEdges() uint32 {
	return leUint32(r.mem[0:4])
}

// Edges returns the live edge-hit bitmap, sized numEdges/8 rounded up.
func (r *Region) Edges(numEdges uint32) []byte {
	n := bitmapSize(numEdges)
	return r.mem[4 : 4+n]
}

// Clear zeroes the live edge bitmap ahead of each execution, defending
// against instrumentation that forgot to reset its own map.
func (r *Region) Clear(numEdges uint32) {
	n := bitmapSize(numEdges)
	for i := range r.mem[4 : 4+n] {
		r.mem[4+i] = 0
	}
}

// Close unmaps, closes, and unlinks the shared-memory object.
func (r *Region) Close() error {
	var err error
	if r.mem != nil {
		err = unix.Munmap(r.mem)
		r.mem = nil
	}
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	if uerr := unix.Unlink(shmDir + r.name); err == nil {
		err = uerr
	}
	return err
}

func bitmapSize(numEdges uint32) uint32 {
	return (numEdges + 7) / 8
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
