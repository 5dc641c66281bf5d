// Package geo generates the synthetic location attached to each report.
package geo

import (
	"math/rand/v2"

	"ndt-reporter/pkg/models"
)

// Bounds of the generated points, inclusive
const (
	MinLatitude  = 18.0
	MaxLatitude  = 53.55
	MinLongitude = 73.66
	MaxLongitude = 135.05
)

// Generator draws points uniformly from the bounding box
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator seeded from the runtime's random source
func NewGenerator() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededGenerator returns a deterministic generator
func NewSeededGenerator(seed1, seed2 uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Point returns a new point rounded to 6 decimals
func (g *Generator) Point() models.GeoPoint {
	return models.GeoPoint{
		Latitude:  between(g.rng.Float64(), MinLatitude, MaxLatitude),
		Longitude: between(g.rng.Float64(), MinLongitude, MaxLongitude),
	}
}

func between(f, lo, hi float64) float64 {
	v := models.Round(lo+f*(hi-lo), 6)
	// rounding can step just past an edge
	return min(max(v, lo), hi)
}
