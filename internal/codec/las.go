package codec

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"syscall"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/xerrors"
)

// LAS public header block geometry. The header starts with the "LASF"
// signature; the header size and the offset to point data locate the
// opaque region (variable length records) that is copied verbatim. The
// point payload follows at pointOffset and runs to EOF.
const (
	lasSignature    = "LASF"
	lasHeaderSizeAt = 94  // uint16, size of the public header block
	lasPointOffAt   = 96  // uint32, offset to point data
	lasFormatAt     = 104 // byte, point data format id
	lasMinHeader    = 107

	// compressedBit is set on the point data format id byte while the
	// point payload is stored compressed.
	compressedBit = 0x80
)

// zlibLevel is fixed so that recompressing an unmodified archive
// reproduces it bit for bit.
const zlibLevel = zlib.BestSpeed

// lasCodec stores the point payload as a zlib stream and flags the
// compressed form on the header's point data format byte. Header and
// reader-construction failures surface ENOMEM, payload write failures
// ENOSPC.
type lasCodec struct{}

func (lasCodec) Decompress(src, dst *os.File) error {
	if err := rewind(src); err != nil {
		return err
	}
	br := bufio.NewReader(src)
	hdr, err := readHeader(br)
	if err != nil {
		return err
	}
	hdr[lasFormatAt] &^= compressedBit
	return lasWriteRaw(dst, hdr, br)
}

func (lasCodec) Compress(src, dst *os.File) error {
	if err := rewind(src); err != nil {
		return err
	}
	br := bufio.NewReader(src)
	hdr, err := readHeader(br)
	if err != nil {
		return err
	}
	hdr[lasFormatAt] |= compressedBit
	return lasWriteCompressed(dst, hdr, br)
}

func (lasCodec) UncompressedSize(src *os.File) (int64, error) {
	if err := rewind(src); err != nil {
		return 0, err
	}
	br := bufio.NewReader(src)
	hdr, err := readHeader(br)
	if err != nil {
		return 0, err
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return 0, xerrors.Errorf("point reader: %v: %w", err, syscall.ENOMEM)
	}
	defer zr.Close()
	n, err := io.Copy(ioutil.Discard, zr)
	if err != nil {
		return 0, xerrors.Errorf("point stream: %v: %w", err, syscall.ENOMEM)
	}
	return int64(len(hdr)) + n, nil
}

// lasWriteRaw writes the header block followed by the decoded point
// payload read from the zlib stream behind r.
func lasWriteRaw(dst io.Writer, hdr []byte, r io.Reader) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return xerrors.Errorf("point reader: %v: %w", err, syscall.ENOMEM)
	}
	defer zr.Close()
	bw := bufio.NewWriter(dst)
	if _, err := bw.Write(hdr); err != nil {
		return xerrors.Errorf("header: %v: %w", err, syscall.ENOSPC)
	}
	if _, err := io.Copy(bw, zr); err != nil {
		return xerrors.Errorf("points: %v: %w", err, syscall.ENOSPC)
	}
	return flushErr(bw.Flush())
}

// lasWriteCompressed writes the header block followed by the point
// payload from r recompressed as a zlib stream.
func lasWriteCompressed(dst io.Writer, hdr []byte, r io.Reader) error {
	bw := bufio.NewWriter(dst)
	if _, err := bw.Write(hdr); err != nil {
		return xerrors.Errorf("header: %v: %w", err, syscall.ENOSPC)
	}
	zw, err := zlib.NewWriterLevel(bw, zlibLevel)
	if err != nil {
		return xerrors.Errorf("point writer: %v: %w", err, syscall.ENOMEM)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return xerrors.Errorf("points: %v: %w", err, syscall.ENOSPC)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("points: %v: %w", err, syscall.ENOSPC)
	}
	return flushErr(bw.Flush())
}

func flushErr(err error) error {
	if err != nil {
		return xerrors.Errorf("flush: %v: %w", err, syscall.ENOSPC)
	}
	return nil
}

// readHeader reads the public header block plus the opaque region up to
// the point data offset, leaving r positioned at the point payload.
func readHeader(r io.Reader) ([]byte, error) {
	prefix := make([]byte, lasMinHeader)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, xerrors.Errorf("header read: %v: %w", err, syscall.ENOMEM)
	}
	if string(prefix[:4]) != lasSignature {
		return nil, xerrors.Errorf("bad signature %q: %w", prefix[:4], syscall.ENOMEM)
	}
	headerSize := binary.LittleEndian.Uint16(prefix[lasHeaderSizeAt:])
	pointOff := binary.LittleEndian.Uint32(prefix[lasPointOffAt:])
	if headerSize < lasMinHeader || uint32(headerSize) > pointOff {
		return nil, xerrors.Errorf("inconsistent header (size %d, point offset %d): %w",
			headerSize, pointOff, syscall.ENOMEM)
	}
	hdr := make([]byte, pointOff)
	copy(hdr, prefix)
	if _, err := io.ReadFull(r, hdr[lasMinHeader:]); err != nil {
		return nil, xerrors.Errorf("header read: %v: %w", err, syscall.ENOMEM)
	}
	return hdr, nil
}
