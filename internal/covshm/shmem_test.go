package covshm

import (
	"os"
	"testing"
)

func TestCreateMapsAndUnlinks(t *testing.T) {
	r, err := Create(os.Getpid(), 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	name := r.Name()
	if _, err := os.Stat(shmDir + name); err != nil {
		t.Fatalf("expected %s to exist: %v", shmDir+name, err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(shmDir + name); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be unlinked, stat err = %v", shmDir+name, err)
	}
}

func TestClearZeroesBitmapNotHeader(t *testing.T) {
	r, err := Create(os.Getpid(), 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close()

	r.mem[0] = 16 // num_edges = 16
	edges := r.Edges(16)
	for i := range edges {
		edges[i] = 0xff
	}

	r.Clear(16)

	if r.NumEdges() != 16 {
		t.Fatalf("Clear should not touch the header, NumEdges() = %d", r.NumEdges())
	}
	for i, b := range r.Edges(16) {
		if b != 0 {
			t.Fatalf("Edges()[%d] = %x, want 0 after Clear", i, b)
		}
	}
}
