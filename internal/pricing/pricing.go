package pricing

import (
	"math"
	"time"

	"github.com/example/taxigrid/internal/grid"
)

// Tariff prices a trip by the Manhattan distance between two cells.
type Tariff struct {
	BaseFare       float64
	PricePerCell   float64
	SecondsPerCell float64
}

func DefaultTariff() Tariff {
	return Tariff{BaseFare: 50, PricePerCell: 5, SecondsPerCell: 10}
}

type Quote struct {
	Distance int
	ETA      time.Duration
	Price    float64
}

func (t Tariff) Quote(from, to grid.Position) Quote {
	d := grid.Distance(from, to)
	return Quote{
		Distance: d,
		ETA:      time.Duration(float64(d) * t.SecondsPerCell * float64(time.Second)),
		Price:    round2(t.BaseFare + float64(d)*t.PricePerCell),
	}
}

// PickupETA estimates how long a driver at from needs to reach pickup.
func (t Tariff) PickupETA(from, pickup grid.Position) time.Duration {
	return t.Quote(from, pickup).ETA
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
