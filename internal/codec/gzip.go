package codec

import (
	"io"
	"io/ioutil"
	"os"
	"syscall"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// gzipCodec treats the whole archive as one gzip stream, without
// interpreting the contents. Useful for archives that are not LAS
// containers at all, at the cost of the flag-byte semantics.
type gzipCodec struct{}

func (gzipCodec) Decompress(src, dst *os.File) error {
	if err := rewind(src); err != nil {
		return err
	}
	zr, err := pgzip.NewReader(src)
	if err != nil {
		return xerrors.Errorf("gzip reader: %v: %w", err, syscall.ENOMEM)
	}
	defer zr.Close()
	if _, err := io.Copy(dst, zr); err != nil {
		return xerrors.Errorf("gzip copy: %v: %w", err, syscall.ENOSPC)
	}
	return nil
}

func (gzipCodec) Compress(src, dst *os.File) error {
	if err := rewind(src); err != nil {
		return err
	}
	zw := pgzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return xerrors.Errorf("gzip copy: %v: %w", err, syscall.ENOSPC)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("gzip close: %v: %w", err, syscall.ENOSPC)
	}
	return nil
}

func (gzipCodec) UncompressedSize(src *os.File) (int64, error) {
	if err := rewind(src); err != nil {
		return 0, err
	}
	zr, err := pgzip.NewReader(src)
	if err != nil {
		return 0, xerrors.Errorf("gzip reader: %v: %w", err, syscall.ENOMEM)
	}
	defer zr.Close()
	n, err := io.Copy(ioutil.Discard, zr)
	if err != nil {
		return 0, xerrors.Errorf("gzip copy: %v: %w", err, syscall.ENOMEM)
	}
	return n, nil
}
