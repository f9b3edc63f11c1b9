package pane

import (
	"sync"

	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/nosqlbench/nbdatatools-sub003/geometry"
	"github.com/NebulousLabs/errors"
)

// Fake is an in-memory Surface implementation with no disk I/O, for Painter
// tests that only need Pane's contract, not a real data file. It
// replaces the inheritance-based test doubles the teacher's storage-manager
// tests relied on with a second, independent implementation of the same
// interface.
type Fake struct {
	mu    sync.Mutex
	geom  geometry.Geometry
	ref   map[uint32]crypto.Hash
	data  map[uint32][]byte
	valid map[uint32]bool
}

var _ Surface = (*Fake)(nil)

// NewFake creates a Fake shaped by geom, with refHashes supplying the
// ground-truth hash for each real leaf (as from a reference tree).
func NewFake(geom geometry.Geometry, refHashes map[uint32]crypto.Hash) *Fake {
	return &Fake{
		geom:  geom,
		ref:   refHashes,
		data:  make(map[uint32][]byte),
		valid: make(map[uint32]bool),
	}
}

// Geometry returns the fake's geometry.
func (f *Fake) Geometry() geometry.Geometry {
	return f.geom
}

// IsChunkIntact reports whether chunk i has been successfully submitted.
func (f *Fake) IsChunkIntact(i uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[i]
}

// SubmitChunk verifies data against the reference hash map and, on a match,
// stores it in memory and marks the chunk intact.
func (f *Fake) SubmitChunk(i uint32, data []byte) error {
	b, err := f.geom.Boundary(i)
	if err != nil {
		return err
	}
	if uint64(len(data)) != b.Size() {
		return errors.AddContext(ErrInvalidArg, "pane: chunk data has the wrong length")
	}
	h := crypto.HashBytes(data)
	want, ok := f.ref[i]
	if !ok {
		return errors.AddContext(ErrInvalidArg, "pane: fake has no reference hash for this leaf")
	}
	if h != want {
		return errors.AddContext(ErrVerifyFailed, "pane: chunk does not hash to the reference leaf")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.data[i] = cp
	f.valid[i] = true
	return nil
}

// VerifyChunk reports whether the in-memory bytes for chunk i still hash to
// what was recorded when it was submitted (always true for a Fake, since
// nothing else can mutate its storage, but kept for interface parity).
func (f *Fake) VerifyChunk(i uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[i]
	if !ok {
		return false, nil
	}
	return crypto.HashBytes(data) == f.ref[i], nil
}

// ReadChunk returns the stored bytes for chunk i, or ErrNotIntact if it has
// not been submitted successfully.
func (f *Fake) ReadChunk(i uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.valid[i] {
		return nil, errors.AddContext(ErrNotIntact, "pane: chunk has not been verified")
	}
	return f.data[i], nil
}
