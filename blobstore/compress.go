package blobstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/pacsd/pacsd/apierror"
)

// CompressionScheme is the Attachment.compressionScheme enumeration from
// spec.md §3.
type CompressionScheme string

const (
	CompressionNone         CompressionScheme = "none"
	CompressionZlibWithSize CompressionScheme = "zlib-with-size"
)

// Compress encodes data using "zlib-with-size": a little-endian uint64
// uncompressed length followed by a raw DEFLATE stream, using
// klauspost/compress/flate (the real ecosystem equivalent of the teacher's
// zlib-based compression policy, a direct indirect dependency of the
// teacher already pulled in for its dsort/shard pipeline).
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(data))); err != nil {
		return nil, apierror.Wrap(apierror.InternalError, err, "failed to frame compressed attachment")
	}
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, apierror.Wrap(apierror.InternalError, err, "failed to initialize compressor")
	}
	if _, err := w.Write(data); err != nil {
		return nil, apierror.Wrap(apierror.InternalError, err, "failed to compress attachment")
	}
	if err := w.Close(); err != nil {
		return nil, apierror.Wrap(apierror.InternalError, err, "failed to flush compressed attachment")
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress, verifying the framed size matches.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, apierror.New(apierror.CorruptedFile, "compressed attachment truncated")
	}
	size := binary.LittleEndian.Uint64(data[:8])
	r := flate.NewReader(bytes.NewReader(data[8:]))
	defer r.Close()
	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, apierror.Wrap(apierror.CorruptedFile, err, "failed to decompress attachment")
	}
	if uint64(buf.Len()) != size {
		return nil, apierror.New(apierror.CorruptedFile, "decompressed size mismatch: expected %d, got %d", size, buf.Len())
	}
	return buf.Bytes(), nil
}
