package grid

import (
	"math"
	"strings"

	"github.com/spf13/cast"
)

// GridSize is the number of cells along each axis of the city map.
const GridSize = 100

// Position is a cell on the city grid. Both coordinates lie in [0, GridSize-1]
// once the value has passed through Normalize, FromContinuous or Clamp.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) Valid() bool {
	return inRange(p.X) && inRange(p.Y)
}

func (p Position) Clamp() Position {
	return Position{X: clamp(p.X, GridSize), Y: clamp(p.Y, GridSize)}
}

// Normalize coerces arbitrary user or wire input into a grid cell. It never
// fails: unparseable values become 0 and everything else is truncated toward
// zero and clamped into range.
func Normalize(rawX, rawY any) Position {
	return Position{X: clamp(coerce(rawX), GridSize), Y: clamp(coerce(rawY), GridSize)}
}

// FromContinuous maps a pointer location given as a fraction of the map
// container onto a grid cell.
func FromContinuous(fx, fy float64, gridSize int) Position {
	if gridSize <= 0 {
		gridSize = GridSize
	}
	x := clamp(truncate(fx*float64(gridSize)), gridSize)
	y := clamp(truncate(fy*float64(gridSize)), gridSize)
	// the result must also be a valid cell of the canonical grid
	return Position{X: x, Y: y}.Clamp()
}

// Distance is the Manhattan distance in cells, the metric the dispatch
// backend prices rides with.
func Distance(a, b Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func coerce(v any) int {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return truncate(f)
}

func truncate(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	if math.IsInf(f, 1) || f > math.MaxInt32 {
		return math.MaxInt32
	}
	if math.IsInf(f, -1) || f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

func clamp(v, size int) int {
	if v < 0 {
		return 0
	}
	if v > size-1 {
		return size - 1
	}
	return v
}

func inRange(v int) bool { return v >= 0 && v < GridSize }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
