// Package spatialmath defines the half-space geometry used to decide what a camera can see:
// planes, frusta and the three-way classification of bounding spheres against them.
package spatialmath

// Intersection is the position of a bounding volume relative to a convex region.
type Intersection uint8

// The Undefined flag is what a node carries before any visibility pass reached it.
const (
	Inside Intersection = iota
	Intersecting
	Outside
	Undefined Intersection = 255
)

func (i Intersection) String() string {
	switch i {
	case Inside:
		return "inside"
	case Intersecting:
		return "intersecting"
	case Outside:
		return "outside"
	case Undefined:
		return "undefined"
	default:
		return "unknown"
	}
}

// Visible returns whether the flag designates a (partially) visible volume.
func (i Intersection) Visible() bool {
	return i == Inside || i == Intersecting
}

// Combine merges two classifications of the same volume against two convex regions into
// the classification against their intersection.
func (i Intersection) Combine(other Intersection) Intersection {
	switch {
	case i == Outside || other == Outside:
		return Outside
	case i == Inside && other == Inside:
		return Inside
	default:
		return Intersecting
	}
}
