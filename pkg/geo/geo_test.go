package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointWithinBounds(t *testing.T) {
	g := NewSeededGenerator(1, 2)
	for i := 0; i < 10000; i++ {
		p := g.Point()
		assert.GreaterOrEqual(t, p.Latitude, MinLatitude)
		assert.LessOrEqual(t, p.Latitude, MaxLatitude)
		assert.GreaterOrEqual(t, p.Longitude, MinLongitude)
		assert.LessOrEqual(t, p.Longitude, MaxLongitude)
		assertSixDecimals(t, p.Latitude)
		assertSixDecimals(t, p.Longitude)
	}
}

func TestBetweenEdges(t *testing.T) {
	tests := []struct {
		name string
		f    float64
		want float64
	}{
		{"lower edge", 0, MinLatitude},
		{"upper edge", 1, MaxLatitude},
		{"just below one", 0.9999999999, MaxLatitude},
		{"middle", 0.5, 35.775},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, between(tt.f, MinLatitude, MaxLatitude), 1e-9)
		})
	}
}

func TestSeededGeneratorIsDeterministic(t *testing.T) {
	a := NewSeededGenerator(7, 7)
	b := NewSeededGenerator(7, 7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Point(), b.Point())
	}
}

func assertSixDecimals(t *testing.T, v float64) {
	t.Helper()
	scaled := v * 1e6
	assert.InDelta(t, math.Round(scaled), scaled, 1e-6)
}
