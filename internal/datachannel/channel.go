// Package datachannel implements the fixed-size memory-mapped anonymous
// file channels shared between the parent and a REPRL child: script-in,
// fuzz-out, and the optional stdout/stderr capture channels.
package datachannel

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/jsraider-reprl/internal/protocol"
)

// Channel is a DataChannelSize anonymous memory-file, mapped read/write
// and shared with the child by duplicating its fd to a well-known
// number. The parent and child share the same open-file description,
// so resetting the file position from the parent side also resets it
// from the child's.
type Channel struct {
	fd  int
	mem []byte
}

// New creates a new Channel: a close-on-exec memfd truncated to exactly
// protocol.DataChannelSize and mapped into the parent's address space.
func New(name string) (*Channel, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, protocol.DataChannelSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, protocol.DataChannelSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &Channel{fd: fd, mem: mem}, nil
}

// FD returns the channel's backing file descriptor, for duplication
// onto a well-known fd number ahead of a fork.
func (c *Channel) FD() int {
	return c.fd
}

// Reset re-truncates the channel's backing file to DataChannelSize (in
// case a prior execution grew it) and seeks it back to offset zero so
// the child's shared file position also starts at zero.
func (c *Channel) Reset() error {
	if err := unix.Ftruncate(c.fd, protocol.DataChannelSize); err != nil {
		return fmt.Errorf("reset truncate: %w", err)
	}
	if _, err := unix.Seek(c.fd, 0, unix.SEEK_SET); err != nil {
		return fmt.Errorf("reset seek: %w", err)
	}
	return nil
}

// SeekZero resets the shared file position to zero without truncating,
// so the child's mirrored position also starts at zero for the next
// execution.
func (c *Channel) SeekZero() error {
	if _, err := unix.Seek(c.fd, 0, unix.SEEK_SET); err != nil {
		return fmt.Errorf("seek zero: %w", err)
	}
	return nil
}

// Write copies bytes into the channel's mapping starting at offset zero.
func (c *Channel) Write(b []byte) (int, error) {
	if len(b) > len(c.mem) {
		return 0, fmt.Errorf("write %d bytes exceeds channel capacity %d", len(b), len(c.mem))
	}
	return copy(c.mem, b), nil
}

// ReadAsText returns the bytes written by the child, up to the child's
// reported end offset (its post-execution seek position), NUL
// terminated in place and capped at capacity-1.
func (c *Channel) ReadAsText() ([]byte, error) {
	off, err := unix.Seek(c.fd, 0, unix.SEEK_CUR)
	if err != nil {
		return nil, fmt.Errorf("read text seek: %w", err)
	}
	n := int(off)
	if n < 0 {
		n = 0
	}
	if n > len(c.mem)-1 {
		n = len(c.mem) - 1
	}
	c.mem[n] = 0
	out := make([]byte, n)
	copy(out, c.mem[:n])
	return out, nil
}

// Close unmaps and closes the channel.
func (c *Channel) Close() error {
	var err error
	if c.mem != nil {
		err = unix.Munmap(c.mem)
		c.mem = nil
	}
	if c.fd >= 0 {
		if cerr := unix.Close(c.fd); err == nil {
			err = cerr
		}
		c.fd = -1
	}
	return err
}
