package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pclod/spatialmath"
)

var (
	eye = r3.Vector{Z: 10}
	up  = r3.Vector{Y: 1}
)

func TestNewPerspective(t *testing.T) {
	_, err := NewPerspective(eye, r3.Vector{}, up, 60, 0, 600, 0.1, 100)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPerspective(eye, r3.Vector{}, up, 180, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPerspective(eye, r3.Vector{}, up, 60, 800, 600, 1, 0.5)
	test.That(t, err, test.ShouldNotBeNil)

	cam, err := NewPerspective(eye, r3.Vector{}, up, 60, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldBeNil)
	pos := cam.Position()
	test.That(t, pos.X, test.ShouldAlmostEqual, 0)
	test.That(t, pos.Y, test.ShouldAlmostEqual, 0)
	test.That(t, pos.Z, test.ShouldAlmostEqual, 10)

	f := cam.Frustum()
	test.That(t, f.ClassifySphere(r3.Vector{}, 1), test.ShouldEqual, spatialmath.Inside)
	test.That(t, f.ClassifySphere(r3.Vector{Z: 20}, 1), test.ShouldEqual, spatialmath.Outside)
}

func TestProject(t *testing.T) {
	cam, err := NewPerspective(eye, r3.Vector{}, up, 60, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldBeNil)

	q, in := cam.Project(r3.Vector{})
	test.That(t, in, test.ShouldBeTrue)
	test.That(t, q.X, test.ShouldAlmostEqual, 400)
	test.That(t, q.Y, test.ShouldAlmostEqual, 300)

	q, in = cam.Project(r3.Vector{Y: 1})
	test.That(t, in, test.ShouldBeTrue)
	test.That(t, q.Y, test.ShouldBeGreaterThan, 300)

	_, in = cam.Project(r3.Vector{Z: 50})
	test.That(t, in, test.ShouldBeFalse)
	_, in = cam.Project(r3.Vector{X: 1000})
	test.That(t, in, test.ShouldBeFalse)
}

func TestFootprint(t *testing.T) {
	cam, err := NewPerspective(eye, r3.Vector{}, up, 60, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldBeNil)

	expected := 1 * 0.5 * 600 / (math.Tan(math.Pi/6) * 10)
	test.That(t, cam.Footprint(r3.Vector{}, 1), test.ShouldAlmostEqual, expected, 1e-6)
	// twice as far, half as big
	test.That(t, cam.Footprint(r3.Vector{Z: -10}, 1), test.ShouldAlmostEqual, expected/2, 1e-6)
	test.That(t, math.IsInf(cam.Footprint(r3.Vector{Z: 10}, 1), 1), test.ShouldBeTrue)
	test.That(t, cam.FootprintFrom(cam.Position(), r3.Vector{Z: -10}, 1), test.ShouldEqual, cam.Footprint(r3.Vector{Z: -10}, 1))

	ortho, err := NewOrthographic(eye, r3.Vector{}, up, 0.01, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ortho.Footprint(r3.Vector{}, 1), test.ShouldAlmostEqual, 100)
	test.That(t, ortho.Footprint(r3.Vector{Z: -50}, 1), test.ShouldAlmostEqual, 100)

	_, err = NewOrthographic(eye, r3.Vector{}, up, 0, 800, 600, 0.1, 100)
	test.That(t, err, test.ShouldNotBeNil)
}
