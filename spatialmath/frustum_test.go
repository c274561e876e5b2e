package spatialmath

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testFrustum() Frustum {
	proj := mgl64.Perspective(mgl64.DegToRad(60), 1, 0.1, 100)
	view := mgl64.LookAtV(mgl64.Vec3{0, 0, 10}, mgl64.Vec3{0, 0, 0}, mgl64.Vec3{0, 1, 0})
	return NewFrustumFromMatrix(proj.Mul4(view))
}

func TestPlane(t *testing.T) {
	p, err := NewPlane(r3.Vector{X: 0, Y: 0, Z: 2}, r3.Vector{X: 0, Y: 0, Z: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Normal, test.ShouldResemble, r3.Vector{X: 0, Y: 0, Z: 1})
	test.That(t, p.Offset, test.ShouldEqual, -1)
	test.That(t, p.Equation(), test.ShouldResemble, []float64{0, 0, 1, -1})
	test.That(t, p.Distance(r3.Vector{Z: 3}), test.ShouldEqual, 2)

	test.That(t, p.ClassifySphere(r3.Vector{Z: 3}, 1), test.ShouldEqual, Inside)
	test.That(t, p.ClassifySphere(r3.Vector{Z: 1.5}, 1), test.ShouldEqual, Intersecting)
	test.That(t, p.ClassifySphere(r3.Vector{Z: -1}, 1), test.ShouldEqual, Outside)

	_, err = NewPlane(r3.Vector{}, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)

	p, err = NewPlaneFromEquation(0, 2, 0, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Normal, test.ShouldResemble, r3.Vector{Y: 1})
	test.That(t, p.Offset, test.ShouldEqual, 2)

	_, err = NewPlaneFromEquation(0, 0, 0, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestClassifySphereAgainstPlanes(t *testing.T) {
	test.That(t, ClassifySphereAgainstPlanes(nil, r3.Vector{}, 1), test.ShouldEqual, Inside)

	px, err := NewPlane(r3.Vector{X: 1}, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	py, err := NewPlane(r3.Vector{Y: 1}, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	planes := []Plane{px, py}

	test.That(t, ClassifySphereAgainstPlanes(planes, r3.Vector{X: 5, Y: 5}, 1), test.ShouldEqual, Inside)
	test.That(t, ClassifySphereAgainstPlanes(planes, r3.Vector{X: 5, Y: 0.5}, 1), test.ShouldEqual, Intersecting)
	test.That(t, ClassifySphereAgainstPlanes(planes, r3.Vector{X: 5, Y: -5}, 1), test.ShouldEqual, Outside)
}

func TestIntersection(t *testing.T) {
	test.That(t, Inside.Combine(Inside), test.ShouldEqual, Inside)
	test.That(t, Inside.Combine(Intersecting), test.ShouldEqual, Intersecting)
	test.That(t, Intersecting.Combine(Outside), test.ShouldEqual, Outside)
	test.That(t, Outside.Combine(Inside), test.ShouldEqual, Outside)

	test.That(t, Inside.Visible(), test.ShouldBeTrue)
	test.That(t, Intersecting.Visible(), test.ShouldBeTrue)
	test.That(t, Outside.Visible(), test.ShouldBeFalse)
	test.That(t, Undefined.Visible(), test.ShouldBeFalse)
	test.That(t, Undefined.String(), test.ShouldEqual, "undefined")
}

func TestFrustum(t *testing.T) {
	f := testFrustum()
	for _, p := range f.Planes {
		test.That(t, p.Normal.Norm(), test.ShouldAlmostEqual, 1)
	}

	t.Run("points", func(t *testing.T) {
		test.That(t, f.ContainsPoint(r3.Vector{}), test.ShouldBeTrue)
		test.That(t, f.ContainsPoint(r3.Vector{Z: 20}), test.ShouldBeFalse)
		test.That(t, f.ContainsPoint(r3.Vector{Z: -200}), test.ShouldBeFalse)
		test.That(t, f.ContainsPoint(r3.Vector{X: 50}), test.ShouldBeFalse)
	})

	t.Run("near and far planes", func(t *testing.T) {
		test.That(t, f.Planes[FrustumNear].Distance(r3.Vector{Z: 9.9}), test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, f.Planes[FrustumFar].Distance(r3.Vector{Z: -90}), test.ShouldAlmostEqual, 0, 1e-9)
	})

	t.Run("spheres", func(t *testing.T) {
		test.That(t, f.ClassifySphere(r3.Vector{}, 1), test.ShouldEqual, Inside)
		test.That(t, f.ClassifySphere(r3.Vector{}, 100), test.ShouldEqual, Intersecting)
		test.That(t, f.ClassifySphere(r3.Vector{X: 100}, 1), test.ShouldEqual, Outside)
		test.That(t, f.ClassifySphere(r3.Vector{Z: 30}, 1), test.ShouldEqual, Outside)
		// half-height of the view at distance 10 is 10*tan(30deg)
		edge := 10 * math.Tan(math.Pi/6)
		test.That(t, f.ClassifySphere(r3.Vector{Y: edge}, 0.5), test.ShouldEqual, Intersecting)
	})

	t.Run("degenerate matrix", func(t *testing.T) {
		empty := NewFrustumFromMatrix(mgl64.Mat4{})
		test.That(t, empty.ClassifySphere(r3.Vector{}, 1), test.ShouldEqual, Outside)
	})
}
