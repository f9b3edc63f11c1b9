// Package persist provides the small set of on-disk primitives the rest of
// the module builds on: atomic file replacement and a banner-wrapped logger.
// Neither knows anything about chunks or trees; they exist so higher-level
// packages never have to reason about torn writes or silent log loss.
package persist

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/errors"
)

const tempSuffix = "_temp"

// RandomSuffix returns a random hex string suitable for disambiguating
// temporary filenames.
func RandomSuffix() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("persist: failed to read randomness: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// SafeFile wraps an *os.File being written to a temporary name in the same
// directory as its eventual destination. The destination is only replaced,
// atomically, on a successful Commit; a process that dies mid-write leaves
// the old file (if any) untouched and a stray temp file behind.
type SafeFile struct {
	file      *os.File
	finalName string
	tempName  string
}

// NewSafeFile opens a temporary file alongside finalName for writing.
func NewSafeFile(finalName string) (*SafeFile, error) {
	absFinalName, err := filepath.Abs(finalName)
	if err != nil {
		return nil, errors.AddContext(err, "persist: could not resolve final path")
	}
	tempName := absFinalName + tempSuffix + "_" + RandomSuffix()
	f, err := os.OpenFile(tempName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.AddContext(err, "persist: could not create temp file")
	}
	return &SafeFile{file: f, finalName: absFinalName, tempName: tempName}, nil
}

// Name returns the temporary filename currently being written to.
func (sf *SafeFile) Name() string {
	return sf.tempName
}

// Write implements io.Writer, writing to the temp file.
func (sf *SafeFile) Write(p []byte) (int, error) {
	return sf.file.Write(p)
}

// WriteAt implements io.WriterAt, writing to the temp file.
func (sf *SafeFile) WriteAt(p []byte, off int64) (int, error) {
	return sf.file.WriteAt(p, off)
}

// Sync flushes the temp file's contents to stable storage.
func (sf *SafeFile) Sync() error {
	return sf.file.Sync()
}

// Commit fsyncs the temp file's contents and metadata, then atomically
// renames it onto the final path. Once Commit returns nil, a reader opening
// finalName is guaranteed to see either the old contents in full or the new
// contents in full, never a mix.
func (sf *SafeFile) Commit() error {
	if err := sf.file.Sync(); err != nil {
		return errors.AddContext(err, "persist: could not sync temp file")
	}
	if err := sf.file.Close(); err != nil {
		return errors.AddContext(err, "persist: could not close temp file")
	}
	if err := os.Rename(sf.tempName, sf.finalName); err != nil {
		return errors.AddContext(err, "persist: could not rename temp file onto final path")
	}
	dir, err := os.Open(filepath.Dir(sf.finalName))
	if err != nil {
		return nil
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}

// Close releases the temp file without committing it, removing it from
// disk. Calling Close after a successful Commit is a harmless no-op.
func (sf *SafeFile) Close() error {
	if sf.file == nil {
		return nil
	}
	_ = sf.file.Close()
	err := os.Remove(sf.tempName)
	sf.file = nil
	if err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "persist: could not remove temp file")
	}
	return nil
}

// SaveFileSync writes data to finalName through a SafeFile, in one call.
func SaveFileSync(finalName string, data []byte) error {
	sf, err := NewSafeFile(finalName)
	if err != nil {
		return err
	}
	defer sf.Close()
	if _, err := sf.Write(data); err != nil {
		return errors.AddContext(err, "persist: could not write data")
	}
	return sf.Commit()
}

var _ io.WriterAt = (*SafeFile)(nil)
