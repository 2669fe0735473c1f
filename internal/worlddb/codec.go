package worlddb

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ChunkRecord is the persisted form of a chunk: zstd(gob(ChunkRecord)).
type ChunkRecord struct {
	GameVersion string
	Blocks      []uint32
	Heights     []uint16
	Traders     []Trader
}

// RegionRecord is the persisted form of a region: zstd(gob(RegionRecord)).
type RegionRecord struct {
	ClimateSize int
	Climate     []uint32
}

// EncodeAll/DecodeAll are safe for concurrent use.
var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func EncodeChunk(rec ChunkRecord) ([]byte, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return encodeBlob(&rec)
}

func DecodeChunk(b []byte) (ChunkRecord, error) {
	var rec ChunkRecord
	if err := decodeBlob(b, &rec); err != nil {
		return rec, err
	}
	return rec, rec.validate()
}

func EncodeRegion(rec RegionRecord) ([]byte, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return encodeBlob(&rec)
}

func DecodeRegion(b []byte) (RegionRecord, error) {
	var rec RegionRecord
	if err := decodeBlob(b, &rec); err != nil {
		return rec, err
	}
	return rec, rec.validate()
}

func (rec ChunkRecord) validate() error {
	if len(rec.Blocks) != ChunkArea {
		return fmt.Errorf("chunk blocks length mismatch: got %d want %d", len(rec.Blocks), ChunkArea)
	}
	if len(rec.Heights) != ChunkArea {
		return fmt.Errorf("chunk heights length mismatch: got %d want %d", len(rec.Heights), ChunkArea)
	}
	return nil
}

func (rec RegionRecord) validate() error {
	n := rec.ClimateSize
	if n <= 0 || n > RegionSize || RegionSize%n != 0 {
		return fmt.Errorf("region climate size %d does not divide %d", n, RegionSize)
	}
	if len(rec.Climate) != n*n {
		return fmt.Errorf("region climate length mismatch: got %d want %d", len(rec.Climate), n*n)
	}
	return nil
}

// Snapshot wraps a decoded record as the read-only per-pass snapshot.
func (rec ChunkRecord) Snapshot(pos ChunkPosition) *ChunkSnapshot {
	return &ChunkSnapshot{
		Pos:         pos,
		GameVersion: rec.GameVersion,
		Blocks:      rec.Blocks,
		Heights:     rec.Heights,
		Traders:     rec.Traders,
	}
}

func (rec RegionRecord) Data(pos RegionPosition) *RegionData {
	return &RegionData{Pos: pos, ClimateSize: rec.ClimateSize, Climate: rec.Climate}
}

func encodeBlob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return blobEncoder.EncodeAll(buf.Bytes(), nil), nil
}

func decodeBlob(b []byte, v any) error {
	raw, err := blobDecoder.DecodeAll(b, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
