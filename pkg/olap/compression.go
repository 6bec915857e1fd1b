package olap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Algorithm selects the compression codec applied to a chunk's payload
// column. Uncompressed exists as an explicit pass-through, not a default
// fallback, so callers choosing it are making a deliberate trade-off
// (e.g. very hot, very recent chunks that will be re-read immediately).
type Algorithm uint8

const (
	Uncompressed Algorithm = iota
	Snappy
	LZ4
	Zstd1
	Zstd3
	Zstd6
	Zstd9
)

func (a Algorithm) String() string {
	switch a {
	case Uncompressed:
		return "uncompressed"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd1:
		return "zstd-1"
	case Zstd3:
		return "zstd-3"
	case Zstd6:
		return "zstd-6"
	case Zstd9:
		return "zstd-9"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a config-file compression name (as produced by
// Algorithm.String) back to its Algorithm value.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "uncompressed":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd-1":
		return Zstd1, nil
	case "zstd-3":
		return Zstd3, nil
	case "zstd-6":
		return Zstd6, nil
	case "zstd-9":
		return Zstd9, nil
	default:
		return 0, fmt.Errorf("olap: unknown compression algorithm %q", s)
	}
}

func zstdLevel(a Algorithm) zstd.EncoderLevel {
	switch a {
	case Zstd1:
		return zstd.SpeedFastest
	case Zstd3:
		return zstd.SpeedDefault
	case Zstd6:
		return zstd.SpeedBetterCompression
	case Zstd9:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Compress encodes data with the given algorithm.
func Compress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("olap: lz4 compress: %w", xerrors.ErrIO)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("olap: lz4 close: %w", xerrors.ErrIO)
		}
		return buf.Bytes(), nil
	case Zstd1, Zstd3, Zstd6, Zstd9:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(algo)))
		if err != nil {
			return nil, fmt.Errorf("olap: zstd writer: %w", xerrors.ErrIO)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("olap: unknown compression algorithm %d: %w", algo, xerrors.ErrInvalidArgument)
	}
}

// Decompress reverses Compress.
func Decompress(algo Algorithm, data []byte, uncompressedLen int) ([]byte, error) {
	switch algo {
	case Uncompressed:
		return data, nil
	case Snappy:
		out := make([]byte, 0, uncompressedLen)
		out, err := snappy.Decode(out, data)
		if err != nil {
			return nil, fmt.Errorf("olap: snappy decompress: %w", xerrors.ErrCorrupted)
		}
		return out, nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("olap: lz4 decompress: %w", xerrors.ErrCorrupted)
		}
		return out, nil
	case Zstd1, Zstd3, Zstd6, Zstd9:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("olap: zstd reader: %w", xerrors.ErrIO)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, fmt.Errorf("olap: zstd decompress: %w", xerrors.ErrCorrupted)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("olap: unknown compression algorithm %d: %w", algo, xerrors.ErrInvalidArgument)
	}
}
