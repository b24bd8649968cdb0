package grid

import "strings"

// Landmark is a named, well-known cell that can be picked instead of typing
// coordinates.
type Landmark struct {
	Name string
	Pos  Position
}

var Landmarks = []Landmark{
	{Name: "university", Pos: Position{X: 20, Y: 20}},
	{Name: "plaza", Pos: Position{X: 80, Y: 20}},
	{Name: "central-park", Pos: Position{X: 50, Y: 50}},
	{Name: "station", Pos: Position{X: 20, Y: 80}},
	{Name: "airport", Pos: Position{X: 90, Y: 90}},
}

// LookupLandmark finds a landmark by case-insensitive name.
func LookupLandmark(name string) (Position, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range Landmarks {
		if l.Name == name {
			return l.Pos, true
		}
	}
	return Position{}, false
}
