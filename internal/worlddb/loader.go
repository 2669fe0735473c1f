package worlddb

import (
	"context"
	"math"

	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
)

// seaLevel is the surface height at which worldgen temperature applies unchanged.
const seaLevel = 110

// Calendar is the in-game date used for live climate sampling.
type Calendar struct {
	DayOfYear   int
	DaysPerYear int
	HourOfDay   float64
}

// TemperatureOffset is the seasonal plus diurnal deviation in degrees Celsius.
// Midwinter is day 0; midsummer is half a year later.
func (c Calendar) TemperatureOffset() float64 {
	days := c.DaysPerYear
	if days <= 0 {
		days = 1
	}
	season := -math.Cos(2*math.Pi*float64(c.DayOfYear)/float64(days)) * 12
	diurnal := -math.Cos(2*math.Pi*c.HourOfDay/24) * 4
	return season + diurnal
}

// RainfallFactor scales worldgen rainfall; wettest in spring.
func (c Calendar) RainfallFactor() float64 {
	days := c.DaysPerYear
	if days <= 0 {
		days = 1
	}
	return 1 + 0.2*math.Sin(2*math.Pi*float64(c.DayOfYear)/float64(days))
}

// Resident is a batch of chunks held in memory for live climate sampling.
type Resident interface {
	// Sample returns live temperature (°C) and rainfall (0..1) at a world block.
	// ok is false when the block's chunk is not resident.
	Sample(x, z int64) (temp, rain float64, ok bool)
	Release()
}

// SeasonalLoader makes chunks resident by reading them from the repository and
// samples calendar-accurate climate on top of the regional worldgen map.
type SeasonalLoader struct {
	repo *Repository
	cal  Calendar
}

func NewSeasonalLoader(repo *Repository, cal Calendar) *SeasonalLoader {
	return &SeasonalLoader{repo: repo, cal: cal}
}

// Load reads every chunk of batch and the regions they belong to. It stops
// with ctx.Err() once ctx is done; the caller bounds the wait.
func (l *SeasonalLoader) Load(ctx context.Context, batch []ChunkPosition) (Resident, error) {
	rs := &residentSet{
		cal:     l.cal,
		chunks:  make(map[ChunkPosition]*ChunkSnapshot, len(batch)),
		regions: map[RegionPosition]*RegionData{},
	}
	for _, pos := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, ok, err := l.repo.GetChunk(ctx, pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rp := pos.Region()
		if _, seen := rs.regions[rp]; !seen {
			reg, ok, err := l.repo.GetRegion(ctx, rp)
			if err != nil {
				return nil, err
			}
			if !ok {
				reg = nil
			}
			rs.regions[rp] = reg
		}
		rs.chunks[pos] = snap
	}
	return rs, nil
}

type residentSet struct {
	cal     Calendar
	chunks  map[ChunkPosition]*ChunkSnapshot
	regions map[RegionPosition]*RegionData
}

func (r *residentSet) Sample(x, z int64) (float64, float64, bool) {
	pos := ChunkOfBlock(x, z)
	ch := r.chunks[pos]
	if ch == nil {
		return 0, 0, false
	}
	reg := r.regions[pos.Region()]
	if reg == nil {
		return 0, 0, false
	}
	t8, r8 := reg.ClimateAtBlock(x, z)
	ox, oz := ch.OriginBlock()
	h := float64(ch.HeightAt(int(x-ox), int(z-oz)))

	temp := climate.DescaleTemperature(t8) + r.cal.TemperatureOffset()
	if h > seaLevel {
		temp -= (h - seaLevel) * 0.05
	}
	rain := math.Min(1, climate.DescaleRainfall(r8)*r.cal.RainfallFactor())
	return temp, rain, true
}

func (r *residentSet) Release() {
	r.chunks = nil
	r.regions = nil
}
