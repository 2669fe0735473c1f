package extract

import (
	"context"
	"sort"
	"sync"

	"github.com/daviaaze/VintageAtlas-sub002/internal/metastore"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// VersionSink replaces the stored chunk-version regions.
type VersionSink interface {
	ReplaceVersionRegions(ctx context.Context, regions []metastore.VersionRegion) error
}

// ChunkVersions groups chunks saved by the same game version into
// 4-connected regions for the version overlay.
type ChunkVersions struct {
	sink VersionSink

	mu     sync.Mutex
	full   bool
	labels map[worlddb.ChunkPosition]string
}

func NewChunkVersions(sink VersionSink) *ChunkVersions {
	return &ChunkVersions{sink: sink, labels: map[worlddb.ChunkPosition]string{}}
}

func (*ChunkVersions) Kind() Kind { return KindChunkVersions }

func (v *ChunkVersions) Initialize(_ context.Context, pass PassInfo) error {
	v.mu.Lock()
	v.full = pass.Full
	v.labels = map[worlddb.ChunkPosition]string{}
	v.mu.Unlock()
	return nil
}

func (v *ChunkVersions) ProcessChunk(_ context.Context, snap *worlddb.ChunkSnapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.full {
		return nil
	}
	v.labels[snap.Pos] = snap.GameVersion
	return nil
}

func (v *ChunkVersions) Finalize(ctx context.Context, report func(processed, total int)) error {
	v.mu.Lock()
	full, labels := v.full, v.labels
	v.mu.Unlock()
	if !full {
		return nil
	}
	regions := GroupRegions(labels)
	if err := v.sink.ReplaceVersionRegions(ctx, regions); err != nil {
		return err
	}
	report(len(labels), len(labels))
	return nil
}

// GroupRegions computes the 4-connected components of equally labelled
// chunks. Traversal uses an explicit stack. Seeds are visited in (z, x)
// order so ids are stable between runs.
func GroupRegions(labels map[worlddb.ChunkPosition]string) []metastore.VersionRegion {
	seeds := make([]worlddb.ChunkPosition, 0, len(labels))
	for p := range labels {
		seeds = append(seeds, p)
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].Z != seeds[j].Z {
			return seeds[i].Z < seeds[j].Z
		}
		return seeds[i].X < seeds[j].X
	})

	visited := make(map[worlddb.ChunkPosition]bool, len(labels))
	var (
		out   []metastore.VersionRegion
		stack []worlddb.ChunkPosition
	)
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		label := labels[seed]
		r := metastore.VersionRegion{
			ID: len(out) + 1, Version: label,
			MinX: seed.X, MaxX: seed.X, MinZ: seed.Z, MaxZ: seed.Z,
		}
		visited[seed] = true
		stack = append(stack[:0], seed)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r.Chunks = append(r.Chunks, p)
			r.MinX, r.MaxX = min(r.MinX, p.X), max(r.MaxX, p.X)
			r.MinZ, r.MaxZ = min(r.MinZ, p.Z), max(r.MaxZ, p.Z)

			for _, n := range [4]worlddb.ChunkPosition{
				{X: p.X + 1, Z: p.Z}, {X: p.X - 1, Z: p.Z}, {X: p.X, Z: p.Z + 1}, {X: p.X, Z: p.Z - 1},
			} {
				if visited[n] {
					continue
				}
				if l, ok := labels[n]; ok && l == label {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		sort.Slice(r.Chunks, func(i, j int) bool {
			if r.Chunks[i].Z != r.Chunks[j].Z {
				return r.Chunks[i].Z < r.Chunks[j].Z
			}
			return r.Chunks[i].X < r.Chunks[j].X
		})
		r.ChunkCount = len(r.Chunks)
		out = append(out, r)
	}
	return out
}
