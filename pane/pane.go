// Package pane binds a local data file to a pair of Merkle trees: a local
// tree whose valid bits are the authoritative record of which chunks on
// disk have been verified, and a reference tree distributed ahead of time
// as ground truth. Chunks arrive independently, out of order, each
// verified against the reference tree before being marked intact.
package pane

import (
	"os"
	"sync"

	"github.com/nosqlbench/nbdatatools-sub003/build"
	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/nosqlbench/nbdatatools-sub003/geometry"
	"github.com/nosqlbench/nbdatatools-sub003/merkletree"
	"github.com/nosqlbench/nbdatatools-sub003/persist"
	"github.com/NebulousLabs/errors"
)

// Surface is the capability interface a Painter (or a test) needs from a
// pane. *Pane implements it against real files; Fake implements it entirely
// in memory.
type Surface interface {
	IsChunkIntact(i uint32) bool
	SubmitChunk(i uint32, data []byte) error
	VerifyChunk(i uint32) (bool, error)
	ReadChunk(i uint32) ([]byte, error)
	Geometry() geometry.Geometry
}

// Options configures a Pane's durability policy. Defaults mirror Sia's
// build.Var release-dependent selection pattern: testing builds skip the
// fsync to keep the test suite fast, since a crash mid-test loses nothing
// that matters.
type Options struct {
	// SyncWrites fsyncs the data file after every SubmitChunk, before the
	// chunk's valid bit is set. Required for the PANE-1 durability-before-bit
	// ordering guarantee to survive a crash; disable only in tests.
	SyncWrites bool

	// Logger receives state-transition messages (open, close, verify
	// failure). A nil Logger disables logging.
	Logger *persist.Logger
}

// DefaultOptions returns the release-appropriate Options, following the
// teacher's build.Var selection pattern.
func DefaultOptions() Options {
	sync := build.Select(build.Var{
		Standard: true,
		Dev:      true,
		Testing:  false,
	}).(bool)
	return Options{SyncWrites: sync}
}

// Pane owns a data file and the pair of Merkle trees describing it.
type Pane struct {
	mu       sync.Mutex
	dataFile *os.File
	local    *merkletree.Tree
	ref      *merkletree.Tree
	geom     geometry.Geometry
	opts     Options

	localTreePath string
}

var _ Surface = (*Pane)(nil)

// Open opens or creates the data file at dataPath (writable, sparse), the
// local tree at localTreePath (created empty from the data file's geometry
// if absent, loaded and cross-checked otherwise), and the reference tree at
// refTreePath (which must already exist).
func Open(dataPath, localTreePath, refTreePath string, opts Options) (*Pane, error) {
	ref, err := merkletree.Load(refTreePath)
	if err != nil {
		if errors.IsOSNotExist(err) {
			return nil, errors.Compose(ErrRefTreeMissing, errors.AddContext(err, "pane: reference tree does not exist"))
		}
		return nil, errors.AddContext(err, "pane: could not load reference tree")
	}
	geom := ref.Geometry()

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not open data file"))
	}
	if err := dataFile.Truncate(int64(geom.TotalSize())); err != nil {
		dataFile.Close()
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not size data file"))
	}

	var local *merkletree.Tree
	if _, err := os.Stat(localTreePath); os.IsNotExist(err) {
		local = merkletree.CreateEmpty(geom)
	} else {
		local, err = merkletree.Load(localTreePath)
		if err != nil {
			dataFile.Close()
			return nil, errors.AddContext(err, "pane: could not load local tree")
		}
		if local.ChunkSize() != geom.ChunkSize() || local.TotalSize() != geom.TotalSize() {
			dataFile.Close()
			return nil, errors.AddContext(ErrGeometryMismatch, "pane: local tree geometry disagrees with reference tree")
		}
	}

	if opts.Logger != nil {
		opts.Logger.Println("PANE_OPEN:", dataPath)
	}

	return &Pane{
		dataFile:      dataFile,
		local:         local,
		ref:           ref,
		geom:          geom,
		opts:          opts,
		localTreePath: localTreePath,
	}, nil
}

// Geometry returns the geometry shared by the local and reference trees.
func (p *Pane) Geometry() geometry.Geometry {
	return p.geom
}

// IsChunkIntact reports whether chunk i's valid bit is set in the local
// tree.
func (p *Pane) IsChunkIntact(i uint32) bool {
	valid, err := p.local.IsLeafValid(i)
	if err != nil {
		build.Critical("pane: IsChunkIntact called with out-of-range index:", err)
		return false
	}
	return valid
}

// SubmitChunk validates data against the reference tree's leaf hash for
// chunk i, and on a match, durably writes it to the data file, records its
// hash in the local tree, marks it intact, and refreshes the local tree's
// ancestor path. On a hash mismatch the bit is left unset and
// ErrVerifyFailed is returned; the chunk may be resubmitted later.
func (p *Pane) SubmitChunk(i uint32, data []byte) error {
	b, err := p.geom.Boundary(i)
	if err != nil {
		return err
	}
	if uint64(len(data)) != b.Size() {
		return errors.AddContext(ErrInvalidArg, "pane: chunk data has the wrong length")
	}

	h := crypto.HashBytes(data)
	want, err := p.ref.LeafHash(i)
	if err != nil {
		return err
	}
	if h != want {
		if p.opts.Logger != nil {
			p.opts.Logger.Println("CHUNK_VERIFY_FAILED:", i)
		}
		return errors.AddContext(ErrVerifyFailed, "pane: chunk does not hash to the reference leaf")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.dataFile.WriteAt(data, int64(b.Start)); err != nil {
		return errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not write chunk to data file"))
	}
	if p.opts.SyncWrites {
		if err := p.dataFile.Sync(); err != nil {
			return errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not sync data file"))
		}
	}

	// The write above must be durable before the bit below is observably
	// set; the fsync (or its absence, in non-durable test configurations)
	// happens strictly before this point.
	if err := p.local.UpdateLeafHash(i, h); err != nil {
		return err
	}
	if err := p.local.MarkLeafValid(i); err != nil {
		return err
	}
	if err := p.local.RefreshAncestors(i); err != nil {
		return err
	}
	return nil
}

// VerifyChunk re-reads chunk i from disk, re-hashes it, and reports whether
// the hash still matches what the local tree has recorded for that leaf.
// Used for integrity audits; it does not consult the reference tree.
func (p *Pane) VerifyChunk(i uint32) (bool, error) {
	b, err := p.geom.Boundary(i)
	if err != nil {
		return false, err
	}
	buf := make([]byte, b.Size())

	p.mu.Lock()
	_, err = p.dataFile.ReadAt(buf, int64(b.Start))
	p.mu.Unlock()
	if err != nil {
		return false, errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not read chunk for verification"))
	}

	want, err := p.local.LeafHash(i)
	if err != nil {
		return false, err
	}
	return crypto.HashBytes(buf) == want, nil
}

// ReadChunk returns the bytes of chunk i, failing with ErrNotIntact if the
// chunk's valid bit is unset.
func (p *Pane) ReadChunk(i uint32) ([]byte, error) {
	if !p.IsChunkIntact(i) {
		return nil, errors.AddContext(ErrNotIntact, "pane: chunk has not been verified")
	}
	b, err := p.geom.Boundary(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, b.Size())
	p.mu.Lock()
	_, err = p.dataFile.ReadAt(buf, int64(b.Start))
	p.mu.Unlock()
	if err != nil {
		return nil, errors.Compose(ErrIoError, errors.AddContext(err, "pane: could not read chunk"))
	}
	return buf, nil
}

// AuditRange re-verifies every intact chunk in [lo, hi) against disk via
// VerifyChunk, returning the indices that fail. Unlike
// merkletree.Tree.FindMismatchedChunks, which compares two in-memory trees,
// AuditRange detects on-disk bitrot: bytes that no longer match what the
// local tree believes it already verified.
func (p *Pane) AuditRange(lo, hi uint32) ([]uint32, error) {
	total := p.geom.TotalChunks()
	if hi > total || lo > hi {
		return nil, errors.AddContext(ErrInvalidArg, "pane: range out of bounds")
	}
	var bad []uint32
	for i := lo; i < hi; i++ {
		if !p.IsChunkIntact(i) {
			continue
		}
		ok, err := p.VerifyChunk(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			bad = append(bad, i)
		}
	}
	return bad, nil
}

// Close persists the local tree and closes the data file.
func (p *Pane) Close() error {
	if err := p.local.Save(p.localTreePath); err != nil {
		return errors.AddContext(err, "pane: could not save local tree")
	}
	if p.opts.Logger != nil {
		p.opts.Logger.Println("PANE_CLOSE")
	}
	return p.dataFile.Close()
}
