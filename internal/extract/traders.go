package extract

import (
	"context"
	"sort"
	"sync"

	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// TraderSink persists deduplicated traders.
type TraderSink interface {
	UpsertTraders(ctx context.Context, traders []worlddb.Trader) error
}

type sighting struct {
	trader worlddb.Trader
	chunk  worlddb.ChunkPosition
}

// Traders collects trader sightings keyed by id. When one id is seen in
// several chunks during a pass, the sighting from the greater chunk position
// wins so the result does not depend on worker scheduling.
type Traders struct {
	sink TraderSink

	mu   sync.Mutex
	seen map[int64]sighting
}

func NewTraders(sink TraderSink) *Traders {
	return &Traders{sink: sink, seen: map[int64]sighting{}}
}

func (*Traders) Kind() Kind { return KindTraders }

func (t *Traders) Initialize(context.Context, PassInfo) error {
	t.mu.Lock()
	t.seen = map[int64]sighting{}
	t.mu.Unlock()
	return nil
}

func (t *Traders) ProcessChunk(_ context.Context, snap *worlddb.ChunkSnapshot) error {
	if len(snap.Traders) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range snap.Traders {
		prev, ok := t.seen[tr.ID]
		if ok && chunkLess(snap.Pos, prev.chunk) {
			continue
		}
		t.seen[tr.ID] = sighting{trader: tr, chunk: snap.Pos}
	}
	return nil
}

func (t *Traders) Finalize(ctx context.Context, report func(processed, total int)) error {
	t.mu.Lock()
	out := make([]worlddb.Trader, 0, len(t.seen))
	for _, s := range t.seen {
		out = append(out, s.trader)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if err := t.sink.UpsertTraders(ctx, out); err != nil {
		return err
	}
	report(len(out), len(out))
	return nil
}

// chunkLess orders chunk positions by (x, z).
func chunkLess(a, b worlddb.ChunkPosition) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}
