package merkletree

import "github.com/NebulousLabs/errors"

var (
	// ErrInvalidArg marks a programmer error: mismatched tree shapes or an
	// out-of-bounds range passed to FindMismatchedChunks.
	ErrInvalidArg = errors.New("merkletree: invalid argument")

	// ErrOutOfRange marks a leaf or node index outside the tree's bounds.
	ErrOutOfRange = errors.New("merkletree: index out of range")

	// ErrIoError wraps an underlying read/write failure against the data
	// file or the persisted tree file.
	ErrIoError = errors.New("merkletree: io error")

	// ErrCorruptFooter is returned by Load when the trailing footer fails
	// its magic number, length, or checksum check.
	ErrCorruptFooter = errors.New("merkletree: corrupt footer")

	// ErrVersionMismatch is returned by Load when the footer's version
	// field is not one this package knows how to read.
	ErrVersionMismatch = errors.New("merkletree: unsupported version")
)
