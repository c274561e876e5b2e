package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Frustum plane indexes.
const (
	FrustumLeft = iota
	FrustumRight
	FrustumBottom
	FrustumTop
	FrustumNear
	FrustumFar
)

// Frustum is the viewable volume of a camera, bounded by 6 inward facing planes.
type Frustum struct {
	Planes [6]Plane
}

// NewFrustumFromMatrix extracts the frustum planes of an OpenGL style clip transform
// (projection * model-view). A degenerate matrix yields a frustum that has Outside
// classification for every volume.
func NewFrustumFromMatrix(m mgl64.Mat4) Frustum {
	r0, r1, r2, r3v := m.Row(0), m.Row(1), m.Row(2), m.Row(3)
	eqs := [6]mgl64.Vec4{
		FrustumLeft:   r3v.Add(r0),
		FrustumRight:  r3v.Sub(r0),
		FrustumBottom: r3v.Add(r1),
		FrustumTop:    r3v.Sub(r1),
		FrustumNear:   r3v.Add(r2),
		FrustumFar:    r3v.Sub(r2),
	}
	var f Frustum
	for i, eq := range eqs {
		p, err := NewPlaneFromEquation(eq[0], eq[1], eq[2], eq[3])
		if err != nil {
			// nothing is on the inner side of this plane
			p = Plane{Normal: r3.Vector{Z: 1}, Offset: -1e300}
		}
		f.Planes[i] = p
	}
	return f
}

// ClassifySphere positions a bounding sphere relative to the frustum.
func (f *Frustum) ClassifySphere(center r3.Vector, radius float64) Intersection {
	return ClassifySphereAgainstPlanes(f.Planes[:], center, radius)
}

// ContainsPoint returns whether pt lies in the frustum (boundaries included).
func (f *Frustum) ContainsPoint(pt r3.Vector) bool {
	for _, p := range f.Planes {
		if p.Distance(pt) < 0 {
			return false
		}
	}
	return true
}
