// Package segmentation cuts a point cloud with a polygon drawn on screen. Points are
// projected through the camera that displayed them and tested against the polygon, whose
// vertices are expressed in pixels relative to the center of the viewport.
package segmentation

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/utils"
)

// ErrOpenPolygon is returned for polygons with fewer than 3 vertices.
var ErrOpenPolygon = errors.New("segmentation polygon must have at least 3 vertices")

// Polygon is a closed screen polygon. The last vertex connects back to the first.
type Polygon []r2.Point

// Contains returns whether p lies inside the polygon, using the even-odd rule.
func (poly Polygon) Contains(p r2.Point) bool {
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) && p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}

// insideViewport returns whether every vertex lies in the viewport of cam.
func (poly Polygon) insideViewport(cam *camera.Parameters) bool {
	halfW, halfH := float64(cam.Viewport[2])/2, float64(cam.Viewport[3])/2
	for _, v := range poly {
		if v.X < -halfW || v.X > halfW || v.Y < -halfH || v.Y > halfH {
			return false
		}
	}
	return true
}

// inPolygonFunc returns the test telling whether a cloud point falls in the polygon once
// projected through cam.
func inPolygonFunc(cam *camera.Parameters, poly Polygon) func(p pointcloud.PointCloud, i int) bool {
	// points out of the frustum cannot fall in a polygon drawn inside the viewport
	skipOutside := poly.insideViewport(cam)
	originX := float64(cam.Viewport[0]) + float64(cam.Viewport[2])/2
	originY := float64(cam.Viewport[1]) + float64(cam.Viewport[3])/2
	return func(cloud pointcloud.PointCloud, i int) bool {
		q, inFrustum := cam.Project(cloud.Point(i))
		if !inFrustum && skipOutside {
			return false
		}
		return poly.Contains(r2.Point{X: q.X - originX, Y: q.Y - originY})
	}
}

func check(cloud pointcloud.PointCloud, poly Polygon, size int) error {
	if cloud == nil {
		return errors.New("no cloud to segment")
	}
	if len(poly) < 3 {
		return ErrOpenPolygon
	}
	if size != cloud.Size() {
		return errors.Errorf("expected %d entries for the cloud, got %d", cloud.Size(), size)
	}
	return nil
}

// Segment hides the visible points of cloud that do not match keepInside: with keepInside
// the points falling outside the polygon are hidden, otherwise those falling inside.
// visibility holds one entry per point and is updated in place; hidden points are left
// untouched.
func Segment(
	ctx context.Context,
	cloud pointcloud.PointCloud,
	cam camera.Parameters,
	polygon Polygon,
	keepInside bool,
	visibility []bool,
) error {
	ctx, span := trace.StartSpan(ctx, "segmentation::Segment")
	defer span.End()

	if err := check(cloud, polygon, len(visibility)); err != nil {
		return err
	}
	inPolygon := inPolygonFunc(&cam, polygon)
	hidden := atomic.NewInt64(0)
	err := utils.GroupWorkParallel(ctx, len(visibility), nil,
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				if !visibility[workNum] {
					return
				}
				if inPolygon(cloud, workNum) != keepInside {
					visibility[workNum] = false
					hidden.Inc()
				}
			}, nil
		})
	span.AddAttributes(trace.Int64Attribute("hidden", hidden.Load()))
	return err
}

// Classify sets labels[i] to value for every visible point of cloud falling inside the
// polygon. A nil visibility means every point is visible.
func Classify(
	ctx context.Context,
	cloud pointcloud.PointCloud,
	cam camera.Parameters,
	polygon Polygon,
	visibility []bool,
	labels []int,
	value int,
) error {
	ctx, span := trace.StartSpan(ctx, "segmentation::Classify")
	defer span.End()

	if err := check(cloud, polygon, len(labels)); err != nil {
		return err
	}
	if visibility != nil && len(visibility) != len(labels) {
		return errors.Errorf("expected %d visibility entries, got %d", len(labels), len(visibility))
	}
	inPolygon := inPolygonFunc(&cam, polygon)
	labelled := atomic.NewInt64(0)
	err := utils.GroupWorkParallel(ctx, len(labels), nil,
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				if visibility != nil && !visibility[workNum] {
					return
				}
				if inPolygon(cloud, workNum) {
					labels[workNum] = value
					labelled.Inc()
				}
			}, nil
		})
	span.AddAttributes(trace.Int64Attribute("labelled", labelled.Load()))
	return err
}
