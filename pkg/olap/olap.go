// Package olap implements the columnar OLAP file that cold OLTP data is
// converted into: records are grouped into chunks, each chunk carries
// min/max/row-count statistics enabling predicate pushdown, and the bulk
// payload column is compressed independently per chunk.
package olap

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Magic identifies an OLAP file. Files use the ".parquet" suffix by
// convention even though the on-disk format here is a bespoke columnar
// layout, not Apache Parquet.
var Magic = [8]byte{'Q', 'A', 'X', 'O', 'L', 'A', 'P', 0}

const (
	headerSize  = 128
	fileVersion = 1

	// DefaultChunkRows bounds how many rows share one set of statistics
	// and one compressed payload blob.
	DefaultChunkRows = 4096
)

// Row is one record destined for an OLAP file, carrying the envelope
// fields (timestamp, sequence, tag) that are kept as plain columns for
// predicate pushdown without touching the compressed payload.
type Row struct {
	TimestampNanos int64
	Sequence       uint64
	Record         record.Record
}

type chunkMeta struct {
	MinTimestamp          int64
	MaxTimestamp          int64
	MinTag                uint8
	MaxTag                uint8
	NullCount             uint32
	RowCount              uint32
	IndexOffset           uint64
	IndexLength           uint64
	PayloadOffset         uint64
	PayloadCompressedLen  uint64
	PayloadUncompressedLen uint64
}

const chunkMetaSize = 8 + 8 + 1 + 1 + 4 + 4 + 8 + 8 + 8 + 8 + 8

func (c *chunkMeta) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.MinTimestamp))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.MaxTimestamp))
	buf[16] = c.MinTag
	buf[17] = c.MaxTag
	binary.LittleEndian.PutUint32(buf[18:22], c.NullCount)
	binary.LittleEndian.PutUint32(buf[22:26], c.RowCount)
	binary.LittleEndian.PutUint64(buf[26:34], c.IndexOffset)
	binary.LittleEndian.PutUint64(buf[34:42], c.IndexLength)
	binary.LittleEndian.PutUint64(buf[42:50], c.PayloadOffset)
	binary.LittleEndian.PutUint64(buf[50:58], c.PayloadCompressedLen)
	binary.LittleEndian.PutUint64(buf[58:66], c.PayloadUncompressedLen)
}

func unmarshalChunkMeta(buf []byte) chunkMeta {
	return chunkMeta{
		MinTimestamp:           int64(binary.LittleEndian.Uint64(buf[0:8])),
		MaxTimestamp:           int64(binary.LittleEndian.Uint64(buf[8:16])),
		MinTag:                 buf[16],
		MaxTag:                 buf[17],
		NullCount:              binary.LittleEndian.Uint32(buf[18:22]),
		RowCount:               binary.LittleEndian.Uint32(buf[22:26]),
		IndexOffset:            binary.LittleEndian.Uint64(buf[26:34]),
		IndexLength:            binary.LittleEndian.Uint64(buf[34:42]),
		PayloadOffset:          binary.LittleEndian.Uint64(buf[42:50]),
		PayloadCompressedLen:   binary.LittleEndian.Uint64(buf[50:58]),
		PayloadUncompressedLen: binary.LittleEndian.Uint64(buf[58:66]),
	}
}

// rowIndexEntrySize is the per-row fixed envelope written uncompressed
// into each chunk's index segment: i64 timestamp + u64 sequence + u8 tag
// + u32 payload length.
const rowIndexEntrySize = 8 + 8 + 1 + 4

// Write seals rows (assumed already sorted by timestamp, as they come
// from a merge of sealed OLTP SSTables) into a new OLAP file using algo
// to compress each chunk's payload column.
func Write(path string, rows []Row, chunkRows int, algo Algorithm) error {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("olap: create %s: %w", path, xerrors.ErrIO)
	}
	defer f.Close()

	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		return fmt.Errorf("olap: reserve header: %w", xerrors.ErrIO)
	}

	var metas []chunkMeta
	offset := uint64(headerSize)

	for start := 0; start < len(rows); start += chunkRows {
		end := start + chunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		indexBuf := make([]byte, 0, len(chunk)*rowIndexEntrySize)
		payloadBuf := make([]byte, 0, len(chunk)*64)

		meta := chunkMeta{MinTimestamp: chunk[0].TimestampNanos, MaxTimestamp: chunk[0].TimestampNanos,
			MinTag: uint8(chunk[0].Record.Tag()), MaxTag: uint8(chunk[0].Record.Tag())}

		for _, row := range chunk {
			payload, err := record.Serialize(row.Record)
			if err != nil {
				return fmt.Errorf("olap: serialize row: %w", err)
			}

			var entry [rowIndexEntrySize]byte
			binary.LittleEndian.PutUint64(entry[0:8], uint64(row.TimestampNanos))
			binary.LittleEndian.PutUint64(entry[8:16], row.Sequence)
			entry[16] = uint8(row.Record.Tag())
			binary.LittleEndian.PutUint32(entry[17:21], uint32(len(payload)))
			indexBuf = append(indexBuf, entry[:]...)
			payloadBuf = append(payloadBuf, payload...)

			if row.TimestampNanos < meta.MinTimestamp {
				meta.MinTimestamp = row.TimestampNanos
			}
			if row.TimestampNanos > meta.MaxTimestamp {
				meta.MaxTimestamp = row.TimestampNanos
			}
			if uint8(row.Record.Tag()) < meta.MinTag {
				meta.MinTag = uint8(row.Record.Tag())
			}
			if uint8(row.Record.Tag()) > meta.MaxTag {
				meta.MaxTag = uint8(row.Record.Tag())
			}
			meta.RowCount++
		}

		compressed, err := Compress(algo, payloadBuf)
		if err != nil {
			return err
		}

		meta.IndexOffset = offset
		meta.IndexLength = uint64(len(indexBuf))
		if _, err := f.Write(indexBuf); err != nil {
			return fmt.Errorf("olap: write chunk index: %w", xerrors.ErrIO)
		}
		offset += meta.IndexLength

		meta.PayloadOffset = offset
		meta.PayloadCompressedLen = uint64(len(compressed))
		meta.PayloadUncompressedLen = uint64(len(payloadBuf))
		if _, err := f.Write(compressed); err != nil {
			return fmt.Errorf("olap: write chunk payload: %w", xerrors.ErrIO)
		}
		offset += meta.PayloadCompressedLen

		metas = append(metas, meta)
	}

	chunkIndexOffset := offset
	chunkIndexBuf := make([]byte, 0, len(metas)*chunkMetaSize)
	for _, m := range metas {
		b := make([]byte, chunkMetaSize)
		m.marshal(b)
		chunkIndexBuf = append(chunkIndexBuf, b...)
	}
	if _, err := f.Write(chunkIndexBuf); err != nil {
		return fmt.Errorf("olap: write chunk metadata: %w", xerrors.ErrIO)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("olap: seek header: %w", xerrors.ErrIO)
	}
	h := make([]byte, headerSize)
	copy(h[0:8], Magic[:])
	binary.LittleEndian.PutUint32(h[8:12], fileVersion)
	binary.LittleEndian.PutUint32(h[12:16], uint32(len(metas)))
	h[16] = byte(algo)
	binary.LittleEndian.PutUint64(h[24:32], chunkIndexOffset)
	binary.LittleEndian.PutUint64(h[32:40], uint64(len(chunkIndexBuf)))
	if _, err := f.Write(h); err != nil {
		return fmt.Errorf("olap: write header: %w", xerrors.ErrIO)
	}
	return f.Sync()
}

// Reader is an opened OLAP file. Reads are plain file reads rather than
// mmap, since payload columns are compressed and must be materialized
// before use regardless.
type Reader struct {
	file  *os.File
	algo  Algorithm
	metas []chunkMeta
}

// Open parses path's header and chunk index without reading any payload
// data.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("olap: open %s: %w", path, xerrors.ErrIO)
	}

	h := make([]byte, headerSize)
	if _, err := f.ReadAt(h, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("olap: read header: %w", xerrors.ErrIO)
	}
	var magic [8]byte
	copy(magic[:], h[0:8])
	if magic != Magic {
		f.Close()
		return nil, fmt.Errorf("olap: %s: bad magic: %w", path, xerrors.ErrCorrupted)
	}
	chunkCount := binary.LittleEndian.Uint32(h[12:16])
	algo := Algorithm(h[16])
	chunkIndexOffset := binary.LittleEndian.Uint64(h[24:32])
	chunkIndexLen := binary.LittleEndian.Uint64(h[32:40])

	idxBuf := make([]byte, chunkIndexLen)
	if _, err := f.ReadAt(idxBuf, int64(chunkIndexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("olap: read chunk index: %w", xerrors.ErrIO)
	}

	metas := make([]chunkMeta, 0, chunkCount)
	for i := uint32(0); i < chunkCount; i++ {
		off := int(i) * chunkMetaSize
		if off+chunkMetaSize > len(idxBuf) {
			f.Close()
			return nil, fmt.Errorf("olap: %s: truncated chunk index: %w", path, xerrors.ErrCorrupted)
		}
		metas = append(metas, unmarshalChunkMeta(idxBuf[off:off+chunkMetaSize]))
	}

	return &Reader{file: f, algo: algo, metas: metas}, nil
}

// ChunkCount returns the number of chunks in the file.
func (r *Reader) ChunkCount() int { return len(r.metas) }

// Query streams every row with startNanos <= timestamp <= endNanos,
// optionally restricted to a single tag, calling fn for each match in
// ascending timestamp order. Chunks entirely outside the predicate are
// skipped without decompressing their payload.
func (r *Reader) Query(startNanos, endNanos int64, tagFilter *record.Tag, fn func(Row) bool) error {
	if startNanos > endNanos {
		return xerrors.ErrInvalidArgument
	}

	for _, meta := range r.metas {
		if meta.MaxTimestamp < startNanos || meta.MinTimestamp > endNanos {
			continue
		}
		if tagFilter != nil {
			t := uint8(*tagFilter)
			if t < meta.MinTag || t > meta.MaxTag {
				continue
			}
		}

		indexBuf := make([]byte, meta.IndexLength)
		if _, err := r.file.ReadAt(indexBuf, int64(meta.IndexOffset)); err != nil {
			return fmt.Errorf("olap: read chunk index: %w", xerrors.ErrIO)
		}
		compressed := make([]byte, meta.PayloadCompressedLen)
		if _, err := r.file.ReadAt(compressed, int64(meta.PayloadOffset)); err != nil {
			return fmt.Errorf("olap: read chunk payload: %w", xerrors.ErrIO)
		}
		payload, err := Decompress(r.algo, compressed, int(meta.PayloadUncompressedLen))
		if err != nil {
			return err
		}

		payloadPos := 0
		for i := uint32(0); i < meta.RowCount; i++ {
			entryOff := int(i) * rowIndexEntrySize
			if entryOff+rowIndexEntrySize > len(indexBuf) {
				return fmt.Errorf("olap: truncated row index: %w", xerrors.ErrCorrupted)
			}
			entry := indexBuf[entryOff : entryOff+rowIndexEntrySize]
			ts := int64(binary.LittleEndian.Uint64(entry[0:8]))
			seq := binary.LittleEndian.Uint64(entry[8:16])
			tag := entry[16]
			payloadLen := int(binary.LittleEndian.Uint32(entry[17:21]))

			if payloadPos+payloadLen > len(payload) {
				return fmt.Errorf("olap: truncated row payload: %w", xerrors.ErrCorrupted)
			}
			rowPayload := payload[payloadPos : payloadPos+payloadLen]
			payloadPos += payloadLen

			if ts < startNanos || ts > endNanos {
				continue
			}
			if tagFilter != nil && tag != uint8(*tagFilter) {
				continue
			}

			rec, err := record.Deserialize(rowPayload)
			if err != nil {
				return err
			}
			if !fn(Row{TimestampNanos: ts, Sequence: seq, Record: rec}) {
				return nil
			}
		}
	}
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
