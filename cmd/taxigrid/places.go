package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/example/taxigrid/internal/grid"
)

// parsePlace accepts a landmark name, "x,y" grid coordinates, or a point
// given as fractions of the map such as "0.5,0.25".
func parsePlace(s string) (grid.Position, error) {
	if pos, ok := grid.LookupLandmark(s); ok {
		return pos, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return grid.Position{}, fmt.Errorf("%q is neither a landmark nor x,y", s)
	}
	if strings.Contains(s, ".") {
		fx, err := cast.ToFloat64E(strings.TrimSpace(parts[0]))
		if err != nil {
			return grid.Position{}, fmt.Errorf("bad x in %q: %w", s, err)
		}
		fy, err := cast.ToFloat64E(strings.TrimSpace(parts[1]))
		if err != nil {
			return grid.Position{}, fmt.Errorf("bad y in %q: %w", s, err)
		}
		if fx < 0 || fx > 1 || fy < 0 || fy > 1 {
			return grid.Position{}, fmt.Errorf("map fractions in %q must lie in [0,1]", s)
		}
		return grid.FromContinuous(fx, fy, grid.GridSize), nil
	}
	x, err := cast.ToIntE(number(parts[0]))
	if err != nil {
		return grid.Position{}, fmt.Errorf("bad x in %q: %w", s, err)
	}
	y, err := cast.ToIntE(number(parts[1]))
	if err != nil {
		return grid.Position{}, fmt.Errorf("bad y in %q: %w", s, err)
	}
	pos := grid.Position{X: x, Y: y}
	if !pos.Valid() {
		return grid.Position{}, fmt.Errorf("%q is outside the %dx%d grid", s, grid.GridSize, grid.GridSize)
	}
	return pos, nil
}

// number drops leading zeros so "07" is not read as octal.
func number(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "0")
	if s == "" {
		return "0"
	}
	return s
}

func (a *app) landmarks() {
	for _, l := range grid.Landmarks {
		fmt.Fprintf(a.out, "%-14s %d,%d\n", l.Name, l.Pos.X, l.Pos.Y)
	}
}
