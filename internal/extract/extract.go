// Package extract holds the extractors that derive non-raster layers from the
// chunk stream of an export pass.
//
// The set is closed: traders, climate and chunk versions, registered in that
// order. Every extractor sees the same read-only snapshot of each chunk.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

type Kind string

const (
	KindTraders       Kind = "traders"
	KindClimate       Kind = "climate"
	KindChunkVersions Kind = "chunk_versions"
)

// PassInfo describes the export pass an extractor is initialised for.
type PassInfo struct {
	ID string
	// Full is false for incremental passes. Extractors that replace a whole
	// dataset on Finalize do nothing per chunk on incremental passes.
	Full bool
}

// Extractor is the capability contract shared by every extractor.
// ProcessChunk may be called from several workers at once.
type Extractor interface {
	Kind() Kind
	Initialize(ctx context.Context, pass PassInfo) error
	ProcessChunk(ctx context.Context, snap *worlddb.ChunkSnapshot) error
	Finalize(ctx context.Context, report func(processed, total int)) error
}

// Progress receives best-effort phase updates.
type Progress func(phase string, processed, total int)

// Set dispatches to its extractors in registration order and contains their failures.
type Set struct {
	extractors []Extractor
	log        *zap.Logger
}

func NewSet(log *zap.Logger, extractors ...Extractor) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	return &Set{extractors: extractors, log: log.Named("extract")}
}

func (s *Set) Kinds() []Kind {
	out := make([]Kind, len(s.extractors))
	for i, e := range s.extractors {
		out[i] = e.Kind()
	}
	return out
}

// Initialize resets every extractor, including ones that will skip the pass.
func (s *Set) Initialize(ctx context.Context, pass PassInfo) {
	for _, e := range s.extractors {
		if err := e.Initialize(ctx, pass); err != nil {
			s.log.Error("extractor initialize failed", zap.String("extractor", string(e.Kind())), zap.Error(err))
		}
	}
}

// ProcessChunk fans snap out to every extractor. A failing extractor is
// logged and does not stop the others.
func (s *Set) ProcessChunk(ctx context.Context, snap *worlddb.ChunkSnapshot) {
	for _, e := range s.extractors {
		if err := e.ProcessChunk(ctx, snap); err != nil {
			s.log.Error("extractor failed on chunk",
				zap.String("extractor", string(e.Kind())), zap.Stringer("chunk", snap.Pos), zap.Error(err))
		}
	}
}

// Finalize runs each extractor's Finalize in registration order. Only
// cancellation and unrecoverable storage failures are returned; anything else
// is logged.
func (s *Set) Finalize(ctx context.Context, progress Progress) error {
	var errs []error
	for _, e := range s.extractors {
		kind := e.Kind()
		start := time.Now()
		report := func(processed, total int) {
			if progress != nil {
				progress(string(kind), processed, total)
			}
		}
		err := e.Finalize(ctx, report)
		switch {
		case err == nil:
			s.log.Debug("extractor finalized", zap.String("extractor", string(kind)), zap.Duration("elapsed", time.Since(start)))
		case errors.Is(err, atlaserr.ErrUnrecoverable):
			errs = append(errs, fmt.Errorf("finalize %s: %w", kind, err))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.log.Error("extractor finalize failed", zap.String("extractor", string(kind)), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
