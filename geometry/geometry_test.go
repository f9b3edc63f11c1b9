package geometry

import (
	"testing"

	"github.com/NebulousLabs/errors"
)

// isPowerOfTwo reports whether n is a power of two.
func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// TestFromSizeCohereScale exercises a multi-gigabyte file similar in scale
// to a real embedding dataset.
func TestFromSizeCohereScale(t *testing.T) {
	g, err := FromSize(41_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if g.ChunkSize() != 16<<20 {
		t.Fatalf("expected 16 MiB chunks, got %d", g.ChunkSize())
	}
	if g.TotalChunks() != 2444 {
		t.Fatalf("expected 2444 chunks, got %d", g.TotalChunks())
	}

	p := uint64(2_324_227) * 4_100
	c, err := g.ChunkForPosition(p)
	if err != nil {
		t.Fatal(err)
	}
	if c != 567 {
		t.Fatalf("expected chunk 567, got %d", c)
	}
}

// TestFromSizeSubMinimum exercises a file smaller than the soft cap would
// ever require, where the minimum chunk size applies.
func TestFromSizeSubMinimum(t *testing.T) {
	g, err := FromSize(10 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	if g.ChunkSize() != MinChunk {
		t.Fatalf("expected 1 MiB chunks, got %d", g.ChunkSize())
	}
	if g.TotalChunks() != 10 {
		t.Fatalf("expected 10 chunks, got %d", g.TotalChunks())
	}
	c, err := g.ChunkForPosition(0)
	if err != nil {
		t.Fatal(err)
	}
	if c != 0 {
		t.Fatalf("expected chunk 0, got %d", c)
	}
	b, err := g.Boundary(9)
	if err != nil {
		t.Fatal(err)
	}
	if b.Start != 9*MinChunk || b.End != 10*MinChunk {
		t.Fatalf("unexpected boundary for last chunk: %+v", b)
	}
}

// TestFromSizeEmpty exercises the zero-byte edge case.
func TestFromSizeEmpty(t *testing.T) {
	g, err := FromSize(0)
	if err != nil {
		t.Fatal(err)
	}
	if g.ChunkSize() != MinChunk {
		t.Fatalf("expected 1 MiB chunks, got %d", g.ChunkSize())
	}
	if g.TotalChunks() != 0 {
		t.Fatalf("expected 0 chunks, got %d", g.TotalChunks())
	}
	if _, err := g.ChunkForPosition(0); !errors.Contains(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// TestFromSizeNegative checks that a negative size is rejected.
func TestFromSizeNegative(t *testing.T) {
	if _, err := FromSize(-1); !errors.Contains(err, ErrInvalidArg) {
		t.Fatalf("expected ErrInvalidArg, got %v", err)
	}
}

// TestBoundaryOutOfRange checks the boundary error path.
func TestBoundaryOutOfRange(t *testing.T) {
	g, err := FromSize(10 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Boundary(10); !errors.Contains(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// TestChunkSizeIsPowerOfTwoInRange checks invariant 1 across a spread of
// file sizes, including ones that force the soft cap to be relaxed.
func TestChunkSizeIsPowerOfTwoInRange(t *testing.T) {
	sizes := []int64{
		0, 1, MinChunk - 1, MinChunk, MinChunk + 1,
		1 << 30, 1 << 34, 1 << 38,
		int64(SoftCap) * MaxChunk,       // exactly at the cap boundary
		int64(SoftCap)*MaxChunk + 1,     // one byte past, forces cap relaxation
		int64(SoftCap) * MaxChunk * 100, // deep into relaxed territory
	}
	for _, size := range sizes {
		g, err := FromSize(size)
		if err != nil {
			t.Fatalf("FromSize(%d): %v", size, err)
		}
		if !isPowerOfTwo(g.ChunkSize()) {
			t.Errorf("FromSize(%d): chunk size %d is not a power of two", size, g.ChunkSize())
		}
		if g.ChunkSize() < MinChunk || g.ChunkSize() > MaxChunk {
			t.Errorf("FromSize(%d): chunk size %d out of [%d, %d]", size, g.ChunkSize(), MinChunk, MaxChunk)
		}
	}
}

// TestSoftCapRespectedBelowThreshold checks invariant 2: files up to
// SoftCap*MaxChunk bytes never exceed SoftCap chunks.
func TestSoftCapRespectedBelowThreshold(t *testing.T) {
	g, err := FromSize(int64(SoftCap) * MaxChunk)
	if err != nil {
		t.Fatal(err)
	}
	if g.TotalChunks() > SoftCap {
		t.Fatalf("expected total chunks <= %d, got %d", SoftCap, g.TotalChunks())
	}
}

// TestBoundaryInvariants checks invariant 3 (start/end arithmetic) across
// every chunk of a geometry whose last chunk is a short tail.
func TestBoundaryInvariants(t *testing.T) {
	g, err := FromSize(10*MinChunk + 37)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < g.TotalChunks(); i++ {
		b, err := g.Boundary(i)
		if err != nil {
			t.Fatal(err)
		}
		if b.Start != uint64(i)*g.ChunkSize() {
			t.Errorf("chunk %d: bad start %d", i, b.Start)
		}
		want := (uint64(i) + 1) * g.ChunkSize()
		if want > g.TotalSize() {
			want = g.TotalSize()
		}
		if b.End != want {
			t.Errorf("chunk %d: bad end %d, want %d", i, b.End, want)
		}
		if b.End <= b.Start {
			t.Errorf("chunk %d: end %d not greater than start %d", i, b.End, b.Start)
		}
	}
	last, err := g.Boundary(g.TotalChunks() - 1)
	if err != nil {
		t.Fatal(err)
	}
	if last.Size() != 37 {
		t.Fatalf("expected a 37-byte tail chunk, got %d bytes", last.Size())
	}
}

// TestChunkForPositionRoundTrip checks invariant 4: every valid position
// resolves to a chunk whose boundary contains it.
func TestChunkForPositionRoundTrip(t *testing.T) {
	g, err := FromSize(10*MinChunk + 37)
	if err != nil {
		t.Fatal(err)
	}
	positions := []uint64{0, 1, MinChunk - 1, MinChunk, g.TotalSize() - 1}
	for _, p := range positions {
		c, err := g.ChunkForPosition(p)
		if err != nil {
			t.Fatalf("ChunkForPosition(%d): %v", p, err)
		}
		b, err := g.Boundary(c)
		if err != nil {
			t.Fatal(err)
		}
		if !g.Contains(b, p) {
			t.Errorf("position %d resolved to chunk %d, which does not contain it (%+v)", p, c, b)
		}
	}
}
