// Package camera holds the camera parameter block handed to the LOD structures every frame:
// the view and projection transforms plus the viewport they render into.
package camera

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pclod/spatialmath"
)

// Parameters describes how the scene is projected on screen.
type Parameters struct {
	ModelView  mgl64.Mat4
	Projection mgl64.Mat4
	// Viewport is x, y, width, height in pixels.
	Viewport [4]int
	// Perspective is false for orthographic projections.
	Perspective bool
	// FOV is the vertical field of view in degrees (perspective only).
	FOV float64
	// PixelSize is the size of a pixel in world units (orthographic only).
	PixelSize float64
}

// NewPerspective returns the parameters of a perspective camera at eye looking at target.
func NewPerspective(eye, target, up r3.Vector, fovDeg float64, width, height int, near, far float64) (Parameters, error) {
	if width <= 0 || height <= 0 {
		return Parameters{}, errors.Errorf("invalid viewport size %dx%d", width, height)
	}
	if fovDeg <= 0 || fovDeg >= 180 {
		return Parameters{}, errors.Errorf("invalid field of view (%.2f)", fovDeg)
	}
	if near <= 0 || far <= near {
		return Parameters{}, errors.Errorf("invalid clipping range [%v, %v]", near, far)
	}
	return Parameters{
		ModelView:   mgl64.LookAtV(vec3(eye), vec3(target), vec3(up)),
		Projection:  mgl64.Perspective(mgl64.DegToRad(fovDeg), float64(width)/float64(height), near, far),
		Viewport:    [4]int{0, 0, width, height},
		Perspective: true,
		FOV:         fovDeg,
	}, nil
}

// NewOrthographic returns the parameters of an orthographic camera at eye looking at target,
// where each pixel covers pixelSize world units.
func NewOrthographic(eye, target, up r3.Vector, pixelSize float64, width, height int, near, far float64) (Parameters, error) {
	if width <= 0 || height <= 0 {
		return Parameters{}, errors.Errorf("invalid viewport size %dx%d", width, height)
	}
	if pixelSize <= 0 {
		return Parameters{}, errors.Errorf("invalid pixel size (%v)", pixelSize)
	}
	halfW := pixelSize * float64(width) / 2
	halfH := pixelSize * float64(height) / 2
	return Parameters{
		ModelView:  mgl64.LookAtV(vec3(eye), vec3(target), vec3(up)),
		Projection: mgl64.Ortho(-halfW, halfW, -halfH, halfH, near, far),
		Viewport:   [4]int{0, 0, width, height},
		PixelSize:  pixelSize,
	}, nil
}

// Frustum returns the 6 planes of the viewable volume.
func (p *Parameters) Frustum() spatialmath.Frustum {
	return spatialmath.NewFrustumFromMatrix(p.Projection.Mul4(p.ModelView))
}

// Position returns the camera center in world coordinates.
func (p *Parameters) Position() r3.Vector {
	inv := p.ModelView.Inv()
	c := inv.Col(3)
	return r3.Vector{X: c[0], Y: c[1], Z: c[2]}
}

// Project returns the window coordinates of pt (x, y in pixels, z the depth in [0, 1])
// and whether pt lies inside the frustum.
func (p *Parameters) Project(pt r3.Vector) (r3.Vector, bool) {
	clip := p.Projection.Mul4(p.ModelView).Mul4x1(mgl64.Vec4{pt.X, pt.Y, pt.Z, 1})
	if clip[3] == 0 {
		return r3.Vector{}, false
	}
	ndc := clip.Vec3().Mul(1 / clip[3])
	inFrustum := clip[3] > 0 &&
		ndc[0] >= -1 && ndc[0] <= 1 &&
		ndc[1] >= -1 && ndc[1] <= 1 &&
		ndc[2] >= -1 && ndc[2] <= 1
	return r3.Vector{
		X: float64(p.Viewport[0]) + (ndc[0]+1)*float64(p.Viewport[2])/2,
		Y: float64(p.Viewport[1]) + (ndc[1]+1)*float64(p.Viewport[3])/2,
		Z: (ndc[2] + 1) / 2,
	}, inFrustum
}

// Footprint returns the projected radius, in pixels, of the sphere (center, radius).
// It is +Inf when the camera is inside the sphere.
func (p *Parameters) Footprint(center r3.Vector, radius float64) float64 {
	return p.FootprintFrom(p.Position(), center, radius)
}

// FootprintFrom is Footprint for a camera whose position eye was already computed.
func (p *Parameters) FootprintFrom(eye, center r3.Vector, radius float64) float64 {
	if !p.Perspective {
		if p.PixelSize <= 0 {
			return 0
		}
		return radius / p.PixelSize
	}
	dist := center.Sub(eye).Norm()
	if dist <= radius {
		return math.Inf(1)
	}
	slope := math.Tan(mgl64.DegToRad(p.FOV) / 2)
	projFactor := 0.5 * float64(p.Viewport[3]) / (slope * dist)
	return radius * projFactor
}

func vec3(v r3.Vector) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}
