// Package geometry computes the pure, deterministic mapping from a file's
// byte size to the chunk layout used to tile it: the chunk size, the number
// of chunks, and the byte boundaries of each chunk. Nothing in this package
// performs I/O.
package geometry

import (
	"github.com/NebulousLabs/errors"
)

const (
	// MinChunk is the smallest chunk size this package will ever select.
	MinChunk = 1 << 20 // 1 MiB

	// MaxChunk is the largest chunk size this package will ever select.
	MaxChunk = 64 << 20 // 64 MiB

	// SoftCap is the chunk-count target the selection rule tries to respect.
	// Files larger than SoftCap*MaxChunk relax the cap rather than grow the
	// chunk size past MaxChunk.
	SoftCap = 4096
)

// ErrInvalidArg is returned when an input is outside its documented domain
// (a negative file size passed to FromSize). These are programmer errors;
// callers should not expect to recover from them by retrying.
var ErrInvalidArg = errors.New("geometry: invalid argument")

// ErrOutOfRange is returned by Boundary and ChunkForPosition when the index
// or position falls outside the geometry's valid domain.
var ErrOutOfRange = errors.New("geometry: index out of range")

// Geometry is the immutable, value-typed description of how a file of a
// given size is tiled into chunks.
type Geometry struct {
	totalFileSize uint64
	chunkSize     uint64
	totalChunks   uint32
}

// Boundary describes the half-open byte range [Start, End) occupied by a
// single chunk within the file.
type Boundary struct {
	ChunkIndex uint32
	Start      uint64
	End        uint64
}

// Size returns the number of bytes spanned by the boundary.
func (b Boundary) Size() uint64 {
	return b.End - b.Start
}

// FromSize derives the Geometry for a file of totalFileSize bytes.
//
// The chunk size is the smallest power of two in [MinChunk, MaxChunk] whose
// implied chunk count is at most SoftCap; if no such power of two exists
// (the file is larger than SoftCap*MaxChunk), MaxChunk is used and the cap
// is allowed to be exceeded.
func FromSize(totalFileSize int64) (Geometry, error) {
	if totalFileSize < 0 {
		return Geometry{}, errors.AddContext(ErrInvalidArg, "negative file size")
	}
	size := uint64(totalFileSize)

	chunkSize := uint64(MinChunk)
	for chunkSize < MaxChunk {
		if chunkCount(size, chunkSize) <= SoftCap {
			break
		}
		chunkSize <<= 1
	}

	return Geometry{
		totalFileSize: size,
		chunkSize:     chunkSize,
		totalChunks:   uint32(chunkCount(size, chunkSize)),
	}, nil
}

// chunkCount returns ceil(size/chunkSize), or 0 if size is 0.
func chunkCount(size, chunkSize uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// ChunkSize returns the chunk size selected for this geometry.
func (g Geometry) ChunkSize() uint64 {
	return g.chunkSize
}

// TotalChunks returns the number of chunks in the file. A zero-byte file has
// zero chunks.
func (g Geometry) TotalChunks() uint32 {
	return g.totalChunks
}

// TotalSize returns the total file size this geometry was derived from.
func (g Geometry) TotalSize() uint64 {
	return g.totalFileSize
}

// Boundary returns the byte range of chunk i.
func (g Geometry) Boundary(i uint32) (Boundary, error) {
	if i >= g.totalChunks {
		return Boundary{}, errors.AddContext(ErrOutOfRange, "chunk index out of range")
	}
	start := uint64(i) * g.chunkSize
	end := start + g.chunkSize
	if end > g.totalFileSize {
		end = g.totalFileSize
	}
	return Boundary{ChunkIndex: i, Start: start, End: end}, nil
}

// ChunkForPosition returns the index of the chunk containing byte position
// p. p must be strictly less than TotalSize(); an empty file has no valid
// position.
func (g Geometry) ChunkForPosition(p uint64) (uint32, error) {
	if g.totalFileSize == 0 || p >= g.totalFileSize {
		return 0, errors.AddContext(ErrOutOfRange, "position out of range")
	}
	// chunkSize is always a power of two, so plain division is exact and
	// cheap; no need for a shift-by-log2 micro-optimization here.
	return uint32(p / g.chunkSize), nil
}

// Contains reports whether position p falls within boundary b.
func (g Geometry) Contains(b Boundary, p uint64) bool {
	return p >= b.Start && p < b.End
}
