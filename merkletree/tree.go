// Package merkletree implements a fixed-shape, array-backed Merkle tree over
// a file's fixed-size chunks. Unlike a streaming tree built leaf-by-leaf as
// data arrives, the shape here is known up front from a geometry.Geometry:
// every leaf slot exists from construction, real or phantom, and individual
// leaves are updated and re-verified independently of one another as chunks
// arrive out of order over a network.
package merkletree

import (
	"io"
	"os"
	"sync"

	"github.com/nosqlbench/nbdatatools-sub003/build"
	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/nosqlbench/nbdatatools-sub003/geometry"
	"github.com/nosqlbench/nbdatatools-sub003/persist"
	"github.com/NebulousLabs/errors"
	"golang.org/x/sync/errgroup"
)

// hashWorkers bounds how many chunks are hashed concurrently during
// FromData. Hashing is CPU-bound, so there is no benefit past NumCPU.
const hashWorkers = 8

// Tree is a Merkle tree over geom.TotalChunks() real leaves, padded with
// zero-hashed phantom leaves up to the next power of two. Nodes are stored
// in a flat array-heap: node 0 is the root, node i's children are at
// 2i+1 and 2i+2, and the leaves occupy the last N slots.
//
// A Tree tracks, per real leaf, whether its hash has been verified against
// some ground truth (the "valid" bit). Phantom leaves have no bit; they are
// always treated as valid and their hash is always crypto.ZeroHash.
type Tree struct {
	mu    sync.RWMutex
	geom  geometry.Geometry
	nodes []crypto.Hash
	slots uint32 // N: next power of two >= geom.TotalChunks(), or 0
	valid bitmap
}

// nextPowerOfTwo returns the smallest power of two >= n, or 0 if n is 0.
func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// leafNodeIndex returns the array-heap index of real-or-phantom leaf i.
func (t *Tree) leafNodeIndex(i uint32) int {
	return int(t.slots) - 1 + int(i)
}

// CreateEmpty allocates a tree shaped by geom with every hash slot zeroed
// and every leaf bit clear. Its root hash is not meaningful until chunks
// are submitted and verified into it.
func CreateEmpty(geom geometry.Geometry) *Tree {
	slots := nextPowerOfTwo(geom.TotalChunks())
	numNodes := 0
	if slots > 0 {
		numNodes = int(2*slots - 1)
	}
	return &Tree{
		geom:  geom,
		nodes: make([]crypto.Hash, numNodes),
		slots: slots,
		valid: newBitmap(geom.TotalChunks()),
	}
}

// FromData builds a fully populated, fully valid tree by hashing every real
// chunk of r according to geom. progress, if non-nil, is called after each
// chunk is hashed with the count completed and the total.
func FromData(r io.ReaderAt, geom geometry.Geometry, progress func(done, total uint32)) (*Tree, error) {
	t := CreateEmpty(geom)
	total := geom.TotalChunks()
	if total == 0 {
		return t, nil
	}

	var completed uint32
	var progressMu sync.Mutex
	g := new(errgroup.Group)
	sem := make(chan struct{}, hashWorkers)
	for i := uint32(0); i < total; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			b, err := geom.Boundary(i)
			if err != nil {
				return errors.AddContext(err, "merkletree: bad boundary")
			}
			buf := make([]byte, b.Size())
			if _, err := r.ReadAt(buf, int64(b.Start)); err != nil && err != io.EOF {
				return errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not read chunk"))
			}
			t.nodes[t.leafNodeIndex(i)] = crypto.HashBytes(buf)
			t.valid.set(i, true)
			if progress != nil {
				progressMu.Lock()
				completed++
				progress(completed, total)
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	t.buildInternals()
	return t, nil
}

// FromPath builds a tree from the file at path. A missing file is not an
// error: it yields an empty tree with geometry derived from size 0, matching
// the behavior of a dataset that has not started downloading yet.
func FromPath(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			geom, gerr := geometry.FromSize(0)
			if gerr != nil {
				build.Critical("geometry.FromSize(0) failed:", gerr)
			}
			return CreateEmpty(geom), nil
		}
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not open data file"))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not stat data file"))
	}
	geom, err := geometry.FromSize(info.Size())
	if err != nil {
		return nil, err
	}
	return FromData(f, geom, nil)
}

// buildInternals recomputes every internal node from the current leaves,
// bottom-up. Leaves must already be populated.
func (t *Tree) buildInternals() {
	for idx := int(t.slots) - 2; idx >= 0; idx-- {
		t.nodes[idx] = crypto.JoinHash(t.nodes[2*idx+1], t.nodes[2*idx+2])
	}
}

// Geometry returns the geometry this tree was shaped from.
func (t *Tree) Geometry() geometry.Geometry {
	return t.geom
}

// Leaves returns the number of real (non-phantom) leaves.
func (t *Tree) Leaves() uint32 {
	return t.geom.TotalChunks()
}

// ChunkSize returns the chunk size of the underlying geometry.
func (t *Tree) ChunkSize() uint64 {
	return t.geom.ChunkSize()
}

// TotalSize returns the total file size of the underlying geometry.
func (t *Tree) TotalSize() uint64 {
	return t.geom.TotalSize()
}

// LeafHash returns the hash currently stored at real leaf i, regardless of
// its valid bit.
func (t *Tree) LeafHash(i uint32) (crypto.Hash, error) {
	if i >= t.geom.TotalChunks() {
		return crypto.Hash{}, errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[t.leafNodeIndex(i)], nil
}

// Hash returns the hash stored at the given array-heap node index. Node 0
// is the root.
func (t *Tree) Hash(nodeIndex int) (crypto.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if nodeIndex < 0 || nodeIndex >= len(t.nodes) {
		return crypto.Hash{}, errors.AddContext(ErrOutOfRange, "node index out of range")
	}
	return t.nodes[nodeIndex], nil
}

// IsLeafValid reports whether leaf i's hash has been verified. Phantom
// leaves beyond the geometry's real leaf count are not valid addresses for
// this call; only real leaves carry a bit.
func (t *Tree) IsLeafValid(i uint32) (bool, error) {
	if i >= t.geom.TotalChunks() {
		return false, errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.valid.get(i), nil
}

// InvalidateLeaf clears leaf i's valid bit, without touching its stored
// hash. A later read_chunk against this leaf will fail until it is
// re-verified and re-validated.
func (t *Tree) InvalidateLeaf(i uint32) error {
	if i >= t.geom.TotalChunks() {
		return errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid.set(i, false)
	return nil
}

// MarkLeafValid sets leaf i's valid bit. Callers are responsible for having
// already durably written the corresponding chunk bytes and confirmed they
// hash to h before calling this; MarkLeafValid performs no verification of
// its own.
func (t *Tree) MarkLeafValid(i uint32) error {
	if i >= t.geom.TotalChunks() {
		return errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid.set(i, true)
	return nil
}

// UpdateLeafHash overwrites the stored hash at leaf i. Ancestor nodes on
// the path to the root become stale until RefreshAncestors is called.
//
// The new hash has not been verified against anything, so the leaf's valid
// bit is cleared as part of this call; a caller that has already confirmed
// the new hash is correct must call MarkLeafValid explicitly afterward.
func (t *Tree) UpdateLeafHash(i uint32, h crypto.Hash) error {
	if i >= t.geom.TotalChunks() {
		return errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid.set(i, false)
	t.nodes[t.leafNodeIndex(i)] = h
	return nil
}

// RefreshAncestors re-derives the log2(N) internal nodes on the path from
// leaf i up to the root, after UpdateLeafHash has changed that leaf's hash.
func (t *Tree) RefreshAncestors(i uint32) error {
	if i >= t.geom.TotalChunks() {
		return errors.AddContext(ErrOutOfRange, "leaf index out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.leafNodeIndex(i)
	for idx > 0 {
		parent := (idx - 1) / 2
		t.nodes[parent] = crypto.JoinHash(t.nodes[2*parent+1], t.nodes[2*parent+2])
		idx = parent
	}
	return nil
}

// FindMismatchedChunks returns every real leaf index in [lo, hi) where this
// tree and other disagree on the leaf hash and both trees consider that
// leaf valid. t and other must share the same chunk size and total size.
func (t *Tree) FindMismatchedChunks(other *Tree, lo, hi uint32) ([]uint32, error) {
	if t.geom.ChunkSize() != other.geom.ChunkSize() || t.geom.TotalSize() != other.geom.TotalSize() {
		return nil, errors.AddContext(ErrInvalidArg, "tree shapes do not match")
	}
	total := t.geom.TotalChunks()
	if hi > total || lo > hi {
		return nil, errors.AddContext(ErrInvalidArg, "range out of bounds")
	}
	t.mu.RLock()
	other.mu.RLock()
	defer t.mu.RUnlock()
	defer other.mu.RUnlock()

	var out []uint32
	for i := lo; i < hi; i++ {
		if !t.valid.get(i) || !other.valid.get(i) {
			continue
		}
		if t.nodes[t.leafNodeIndex(i)] != other.nodes[other.leafNodeIndex(i)] {
			out = append(out, i)
		}
	}
	return out, nil
}

// Close releases any resources held by the tree. The in-memory array-heap
// representation holds none, so this is currently a no-op; it exists so
// callers that hold a Tree behind an interface can always call Close.
func (t *Tree) Close() error {
	return nil
}

// Save atomically persists the tree's payload, bitmap, and footer to path.
func (t *Tree) Save(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sf, err := persist.NewSafeFile(path)
	if err != nil {
		return errors.Compose(ErrIoError, err)
	}
	defer sf.Close()

	for _, n := range t.nodes {
		if _, err := sf.Write(n[:]); err != nil {
			return errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not write payload"))
		}
	}
	if _, err := sf.Write(t.valid.bits); err != nil {
		return errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not write bitmap"))
	}
	if err := t.writeFooter(sf); err != nil {
		return errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not write footer"))
	}
	return sf.Commit()
}

// Load reads a tree previously written by Save, validating the footer and
// cross-checking that the payload and bitmap are exactly the expected
// length for the geometry the footer describes.
func Load(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not open tree file"))
	}
	defer f.Close()

	ft, fileSize, err := readFooterFromFile(f)
	if err != nil {
		return nil, err
	}
	geom, err := geometry.FromSize(int64(ft.totalFileSize))
	if err != nil {
		return nil, err
	}
	if geom.ChunkSize() != ft.chunkSize || geom.TotalChunks() != ft.totalChunks {
		return nil, errors.AddContext(ErrCorruptFooter, "footer geometry fields are internally inconsistent")
	}

	slots := nextPowerOfTwo(ft.totalChunks)
	numNodes := 0
	if slots > 0 {
		numNodes = int(2*slots - 1)
	}
	wantLen := payloadAndBitmapLen(numNodes, ft.totalChunks) + footerLength
	if fileSize != wantLen {
		return nil, errors.AddContext(ErrCorruptFooter, "file length does not match footer-derived geometry")
	}

	payloadLen := int64(numNodes) * int64(crypto.HashSize)
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := f.ReadAt(payload, 0); err != nil {
			return nil, errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not read payload"))
		}
	}
	bitmapLen := int64((ft.totalChunks + 7) / 8)
	bitmapBytes := make([]byte, bitmapLen)
	if bitmapLen > 0 {
		if _, err := f.ReadAt(bitmapBytes, payloadLen); err != nil {
			return nil, errors.Compose(ErrIoError, errors.AddContext(err, "merkletree: could not read bitmap"))
		}
	}

	nodes := make([]crypto.Hash, numNodes)
	for i := 0; i < numNodes; i++ {
		copy(nodes[i][:], payload[i*crypto.HashSize:(i+1)*crypto.HashSize])
	}

	return &Tree{
		geom:  geom,
		nodes: nodes,
		slots: slots,
		valid: bitmap{bits: bitmapBytes, n: ft.totalChunks},
	}, nil
}
