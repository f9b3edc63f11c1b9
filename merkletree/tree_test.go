package merkletree

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nosqlbench/nbdatatools-sub003/build"
	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/nosqlbench/nbdatatools-sub003/geometry"
	"github.com/NebulousLabs/errors"
)

// fakeData is an io.ReaderAt over an in-memory byte slice, for building
// trees in tests without touching disk.
type fakeData []byte

func (d fakeData) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d[off:])
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

func randomData(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

// TestFromDataMatchesManualHash checks that the root derived from FromData
// equals the root you'd get from manually hashing leaves and joining them.
func TestFromDataMatchesManualHash(t *testing.T) {
	data := randomData(t, 5*int(geometry.MinChunk)+17, 1)
	geom, err := geometry.FromSize(int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := FromData(fakeData(data), geom, nil)
	if err != nil {
		t.Fatal(err)
	}

	var leafHashes []crypto.Hash
	for i := uint32(0); i < geom.TotalChunks(); i++ {
		b, err := geom.Boundary(i)
		if err != nil {
			t.Fatal(err)
		}
		leafHashes = append(leafHashes, crypto.HashBytes(data[b.Start:b.End]))
	}
	slots := nextPowerOfTwo(uint32(len(leafHashes)))
	for i, h := range leafHashes {
		got, err := tr.LeafHash(uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Errorf("leaf %d: hash mismatch", i)
		}
		valid, err := tr.IsLeafValid(uint32(i))
		if err != nil || !valid {
			t.Errorf("leaf %d: expected valid", i)
		}
	}
	// Phantom leaves should read as zero hash and not be addressable via
	// IsLeafValid (only real leaves are).
	if int(slots) > len(leafHashes) {
		phantomIdx := slots - 1 + uint32(len(leafHashes))
		if tr.nodes[phantomIdx] != crypto.ZeroHash {
			t.Error("expected phantom leaf to be zero-hashed")
		}
	}
}

// TestSaveLoadRoundTrip checks that a saved tree reloads bit-for-bit.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := build.TempDir(t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	data := randomData(t, 9*int(geometry.MinChunk), 2)
	geom, err := geometry.FromSize(int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := FromData(fakeData(data), geom, nil)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "tree.mrkl")
	if err := tr.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Leaves() != tr.Leaves() || loaded.ChunkSize() != tr.ChunkSize() || loaded.TotalSize() != tr.TotalSize() {
		t.Fatal("loaded tree geometry does not match original")
	}
	for i := uint32(0); i < tr.Leaves(); i++ {
		wantHash, _ := tr.LeafHash(i)
		gotHash, err := loaded.LeafHash(i)
		if err != nil || gotHash != wantHash {
			t.Errorf("leaf %d: hash mismatch after reload", i)
		}
		wantValid, _ := tr.IsLeafValid(i)
		gotValid, err := loaded.IsLeafValid(i)
		if err != nil || gotValid != wantValid {
			t.Errorf("leaf %d: validity mismatch after reload", i)
		}
	}
	wantRoot, _ := tr.Hash(0)
	gotRoot, err := loaded.Hash(0)
	if err != nil || gotRoot != wantRoot {
		t.Error("root hash mismatch after reload")
	}
}

// TestLoadRejectsCorruptFooter checks that a truncated or tampered file is
// rejected rather than silently misread.
func TestLoadRejectsCorruptFooter(t *testing.T) {
	dir := build.TempDir(t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	geom, err := geometry.FromSize(int64(3 * geometry.MinChunk))
	if err != nil {
		t.Fatal(err)
	}
	tr := CreateEmpty(geom)
	path := filepath.Join(dir, "tree.mrkl")
	if err := tr.Save(path); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-1] ^= 0xFF
	tamperedPath := filepath.Join(dir, "tampered.mrkl")
	if err := os.WriteFile(tamperedPath, tampered, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tamperedPath); !errors.Contains(err, ErrCorruptFooter) {
		t.Fatalf("expected ErrCorruptFooter, got %v", err)
	}

	truncated := raw[:len(raw)-10]
	truncatedPath := filepath.Join(dir, "truncated.mrkl")
	if err := os.WriteFile(truncatedPath, truncated, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(truncatedPath); !errors.Contains(err, ErrCorruptFooter) {
		t.Fatalf("expected ErrCorruptFooter, got %v", err)
	}
}

// TestUpdateLeafHashInvalidatesFirst checks the resolution that updating a
// leaf's hash always clears its valid bit, even if it was valid before.
func TestUpdateLeafHashInvalidatesFirst(t *testing.T) {
	geom, err := geometry.FromSize(4 * geometry.MinChunk)
	if err != nil {
		t.Fatal(err)
	}
	tr := CreateEmpty(geom)
	if err := tr.MarkLeafValid(0); err != nil {
		t.Fatal(err)
	}
	newHash := crypto.HashBytes([]byte("new data"))
	if err := tr.UpdateLeafHash(0, newHash); err != nil {
		t.Fatal(err)
	}
	valid, err := tr.IsLeafValid(0)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("expected leaf to be invalidated after UpdateLeafHash")
	}
	got, err := tr.LeafHash(0)
	if err != nil || got != newHash {
		t.Fatal("expected leaf hash to be updated")
	}
}

// TestRefreshAncestorsChangesRoot checks that updating a leaf and refreshing
// its ancestors propagates to the root.
func TestRefreshAncestorsChangesRoot(t *testing.T) {
	geom, err := geometry.FromSize(4 * geometry.MinChunk)
	if err != nil {
		t.Fatal(err)
	}
	tr := CreateEmpty(geom)
	rootBefore, _ := tr.Hash(0)

	if err := tr.UpdateLeafHash(0, crypto.HashBytes([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if err := tr.RefreshAncestors(0); err != nil {
		t.Fatal(err)
	}
	rootAfter, _ := tr.Hash(0)
	if rootBefore == rootAfter {
		t.Fatal("expected root to change after refreshing ancestors")
	}
}

// TestFindMismatchedChunks exercises the verify-failure-isolation scenario:
// one corrupted leaf should be reported, an uncorrupted one should not, and
// an unverified leaf in either tree should not be reported even if its
// bytes differ.
func TestFindMismatchedChunks(t *testing.T) {
	data := randomData(t, 4*int(geometry.MinChunk), 3)
	geom, err := geometry.FromSize(int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := FromData(fakeData(data), geom, nil)
	if err != nil {
		t.Fatal(err)
	}
	local, err := FromData(fakeData(data), geom, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt local leaf 0's hash but keep it marked valid.
	if err := local.UpdateLeafHash(0, crypto.HashBytes([]byte("corrupt"))); err != nil {
		t.Fatal(err)
	}
	if err := local.MarkLeafValid(0); err != nil {
		t.Fatal(err)
	}
	// Corrupt local leaf 1's hash but leave it invalid: should not surface.
	if err := local.UpdateLeafHash(1, crypto.HashBytes([]byte("also corrupt"))); err != nil {
		t.Fatal(err)
	}

	mismatched, err := local.FindMismatchedChunks(ref, 0, geom.TotalChunks())
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatched) != 1 || mismatched[0] != 0 {
		t.Fatalf("expected only chunk 0 to mismatch, got %v", mismatched)
	}
}

// TestFindMismatchedChunksRejectsShapeMismatch checks the InvalidArg path.
func TestFindMismatchedChunksRejectsShapeMismatch(t *testing.T) {
	g1, _ := geometry.FromSize(4 * geometry.MinChunk)
	g2, _ := geometry.FromSize(5 * geometry.MinChunk)
	t1 := CreateEmpty(g1)
	t2 := CreateEmpty(g2)
	if _, err := t1.FindMismatchedChunks(t2, 0, 1); !errors.Contains(err, ErrInvalidArg) {
		t.Fatalf("expected ErrInvalidArg, got %v", err)
	}
}

// TestFromPathMissingFileYieldsEmptyTree checks that a nonexistent data
// file maps to an empty, zero-size tree rather than an error.
func TestFromPathMissingFileYieldsEmptyTree(t *testing.T) {
	dir := build.TempDir(t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	tr, err := FromPath(filepath.Join(dir, "does-not-exist.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Leaves() != 0 || tr.TotalSize() != 0 {
		t.Fatalf("expected empty tree, got %d leaves, %d bytes", tr.Leaves(), tr.TotalSize())
	}
}

// TestFromDataLastChunkIsShort checks that the final real leaf's hash is
// computed over exactly its short tail, with no zero padding.
func TestFromDataLastChunkIsShort(t *testing.T) {
	data := randomData(t, 2*int(geometry.MinChunk)+37, 4)
	geom, err := geometry.FromSize(int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := FromData(fakeData(data), geom, nil)
	if err != nil {
		t.Fatal(err)
	}
	last := geom.TotalChunks() - 1
	b, err := geom.Boundary(last)
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.HashBytes(data[b.Start:b.End])
	got, err := tr.LeafHash(last)
	if err != nil || got != want {
		t.Fatal("short tail leaf hash mismatch")
	}
	if bytes.Equal(want[:], crypto.ZeroHash[:]) {
		t.Fatal("test data hashed to zero, pick different seed")
	}
}
