package merkletree

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/nosqlbench/nbdatatools-sub003/crypto"
	"github.com/NebulousLabs/errors"
)

// On-disk layout, all integers big-endian:
//
//	payload: nodes[0..2N-2]   crypto.HashSize bytes each, root first
//	bitmap:  ceil(totalChunks/8) bytes
//	footer:
//	  magic          uint32  = footerMagic
//	  version        uint32  = footerVersion
//	  totalFileSize  uint64
//	  chunkSize      uint64
//	  totalChunks    uint32
//	  hashAlgo       uint8   = hashAlgoSHA256
//	  _padding       [7]byte
//	  footerLength   uint32  (bytes in the footer, this field included)
//	  footerCRC32    uint32  (crc32 of the footer bytes preceding this field)
const (
	footerMagic     = 0x4D524B4C // "MRKL"
	footerVersion   = 1
	hashAlgoSHA256  = 1
	footerBodyLen   = 4 + 4 + 8 + 8 + 4 + 1 + 7 + 4 // everything but the trailing crc32
	footerLength    = footerBodyLen + 4
)

func (t *Tree) writeFooter(w io.Writer) error {
	buf := make([]byte, footerLength)
	binary.BigEndian.PutUint32(buf[0:4], footerMagic)
	binary.BigEndian.PutUint32(buf[4:8], footerVersion)
	binary.BigEndian.PutUint64(buf[8:16], t.geom.TotalSize())
	binary.BigEndian.PutUint64(buf[16:24], t.geom.ChunkSize())
	binary.BigEndian.PutUint32(buf[24:28], t.geom.TotalChunks())
	buf[28] = hashAlgoSHA256
	// buf[29:36] left zero as padding
	binary.BigEndian.PutUint32(buf[36:40], footerLength)
	crc := crc32.ChecksumIEEE(buf[:40])
	binary.BigEndian.PutUint32(buf[40:44], crc)
	_, err := w.Write(buf)
	return err
}

func parseFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerLength {
		return f, errors.AddContext(ErrCorruptFooter, "footer has the wrong length")
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != footerMagic {
		return f, errors.AddContext(ErrCorruptFooter, "bad magic number")
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != footerVersion {
		return f, errors.AddContext(ErrVersionMismatch, "unsupported footer version")
	}
	crc := crc32.ChecksumIEEE(buf[:40])
	if crc != binary.BigEndian.Uint32(buf[40:44]) {
		return f, errors.AddContext(ErrCorruptFooter, "footer checksum mismatch")
	}
	hashAlgo := buf[28]
	if hashAlgo != hashAlgoSHA256 {
		return f, errors.AddContext(ErrCorruptFooter, "unrecognized hash algorithm")
	}
	f.totalFileSize = binary.BigEndian.Uint64(buf[8:16])
	f.chunkSize = binary.BigEndian.Uint64(buf[16:24])
	f.totalChunks = binary.BigEndian.Uint32(buf[24:28])
	return f, nil
}

type footer struct {
	totalFileSize uint64
	chunkSize     uint64
	totalChunks   uint32
}

// payloadAndBitmapLen reports the combined payload and bitmap size, in bytes,
// of a tree with numNodes nodes and totalChunks real leaves; Load adds
// footerLength to it to get the expected file size.
func payloadAndBitmapLen(numNodes int, totalChunks uint32) int64 {
	return int64(numNodes)*int64(crypto.HashSize) + int64((totalChunks+7)/8)
}

// readFooterFromFile reads and validates the trailing footer of the open tree
// file f, without reading the (potentially large) payload or bitmap. It also
// returns f's size.
func readFooterFromFile(f *os.File) (footer, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return footer{}, 0, errors.AddContext(err, "merkletree: could not stat tree file")
	}
	if info.Size() < footerLength {
		return footer{}, 0, errors.AddContext(ErrCorruptFooter, "file too small to contain a footer")
	}
	buf := make([]byte, footerLength)
	if _, err := f.ReadAt(buf, info.Size()-footerLength); err != nil {
		return footer{}, 0, errors.AddContext(err, "merkletree: could not read footer")
	}
	ft, err := parseFooter(buf)
	if err != nil {
		return footer{}, 0, err
	}
	return ft, info.Size(), nil
}
