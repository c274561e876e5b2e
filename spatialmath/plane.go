package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Plane is an oriented plane n.p + d = 0. Points with a positive signed distance are on
// the inner side. The normal is always unit length.
type Plane struct {
	Normal r3.Vector
	Offset float64
}

// NewPlane returns the plane going through point with the given normal, the normal
// pointing to the inner side.
func NewPlane(normal, point r3.Vector) (Plane, error) {
	norm := normal.Norm()
	if norm == 0 {
		return Plane{}, errors.New("cannot create a plane with a zero normal")
	}
	n := normal.Mul(1 / norm)
	return Plane{Normal: n, Offset: -n.Dot(point)}, nil
}

// NewPlaneFromEquation returns the plane ax + by + cz + d = 0, normalized.
func NewPlaneFromEquation(a, b, c, d float64) (Plane, error) {
	n := r3.Vector{X: a, Y: b, Z: c}
	norm := n.Norm()
	if norm == 0 {
		return Plane{}, errors.Errorf("degenerate plane equation (%v, %v, %v, %v)", a, b, c, d)
	}
	return Plane{Normal: n.Mul(1 / norm), Offset: d / norm}, nil
}

// Equation return the coefficients of the plane equation as a 4-slice of floats.
func (p Plane) Equation() []float64 {
	return []float64{p.Normal.X, p.Normal.Y, p.Normal.Z, p.Offset}
}

// Distance returns the signed distance of pt to the plane.
func (p Plane) Distance(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.Offset
}

// ClassifySphere positions a sphere relative to the inner half-space of the plane.
func (p Plane) ClassifySphere(center r3.Vector, radius float64) Intersection {
	dist := p.Distance(center)
	switch {
	case dist < -radius:
		return Outside
	case dist > radius:
		return Inside
	default:
		return Intersecting
	}
}

// ClassifySphereAgainstPlanes positions a sphere relative to the intersection of the inner
// half-spaces of all planes. An empty set contains everything.
func ClassifySphereAgainstPlanes(planes []Plane, center r3.Vector, radius float64) Intersection {
	result := Inside
	for _, p := range planes {
		switch p.ClassifySphere(center, radius) {
		case Outside:
			return Outside
		case Intersecting:
			result = Intersecting
		case Inside, Undefined:
		}
	}
	return result
}
