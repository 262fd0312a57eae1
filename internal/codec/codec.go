// Package codec converts compressed point-cloud archives into their
// uncompressed form and back. A codec is pure data motion between two
// descriptors: it consults no file-system state and is safe to call
// concurrently on distinct descriptor pairs.
package codec

import (
	"io"
	"os"

	"golang.org/x/xerrors"
)

// A Codec decompresses a `.laz` stream into its `.las` form and
// recompresses it. src is rewound to offset 0 and read sequentially;
// dst is written sequentially from its current offset.
type Codec interface {
	// Decompress reads the compressed archive from src and writes the
	// uncompressed form to dst.
	Decompress(src, dst *os.File) error

	// Compress reads the uncompressed archive from src and writes the
	// compressed form to dst.
	Compress(src, dst *os.File) error

	// UncompressedSize reads the compressed archive from src and
	// returns the size its uncompressed form would have, without
	// materializing it.
	UncompressedSize(src *os.File) (int64, error)
}

// ByName returns the codec registered under name ("las" or "gzip").
func ByName(name string) (Codec, error) {
	switch name {
	case "las":
		return lasCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	default:
		return nil, xerrors.Errorf("unknown codec %q", name)
	}
}

func rewind(f *os.File) error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}
