package pane

import "github.com/NebulousLabs/errors"

var (
	// ErrGeometryMismatch is returned by Open when the local or reference
	// tree's geometry disagrees with the data file or with each other.
	ErrGeometryMismatch = errors.New("pane: geometry mismatch")

	// ErrRefTreeMissing is returned by Open when the reference tree file
	// does not exist. Unlike the local tree, the reference tree is never
	// created on demand.
	ErrRefTreeMissing = errors.New("pane: reference tree missing")

	// ErrIoError wraps an underlying data-file read/write failure.
	ErrIoError = errors.New("pane: io error")

	// ErrVerifyFailed is returned by SubmitChunk when the submitted bytes
	// do not hash to the reference tree's leaf hash for that chunk.
	ErrVerifyFailed = errors.New("pane: verify failed")

	// ErrNotIntact is returned by ReadChunk when the requested chunk's
	// valid bit is unset.
	ErrNotIntact = errors.New("pane: chunk not intact")

	// ErrInvalidArg marks a programmer error such as a wrong-length buffer
	// passed to SubmitChunk.
	ErrInvalidArg = errors.New("pane: invalid argument")
)
