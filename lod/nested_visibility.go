package lod

import (
	"github.com/golang/geo/r3"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/spatialmath"
)

// footprintFlagger is the visibility pass of additive structures. On top of the frustum and
// clip tests, every visible cell is scored by its projected radius in pixels. Cells whose
// footprint falls under minPxFootprint are dropped with their subtree, unless they belong to
// the first minLevel levels.
type footprintFlagger struct {
	*visibilityFlagger
	minPxFootprint float64
	minLevel       uint8
	eye            r3.Vector
}

func newFootprintFlagger(lod *structure, cam *camera.Parameters, maxLevel uint8) flagger {
	return &footprintFlagger{
		visibilityFlagger: newVisibilityFlagger(lod, cam, maxLevel),
		minPxFootprint:    lod.conf.MinPixelFootprint,
		minLevel:          lod.conf.MinLevel,
		eye:               cam.Position(),
	}
}

// computeNodeFootprint scores node and returns whether it is large enough to be drawn.
func (f *footprintFlagger) computeNodeFootprint(node *Node) bool {
	node.Score = f.camera.FootprintFrom(f.eye, node.Center, f.radius(node))
	return node.Score >= f.minPxFootprint || node.Level <= f.minLevel
}

// propagateInsideFlag flags node and its subtree Inside, scoring each cell on the way.
func (f *footprintFlagger) propagateInsideFlag(node *Node) uint32 {
	if !f.computeNodeFootprint(node) {
		f.propagateFlag(node, spatialmath.Outside)
		return 0
	}
	node.Intersection = spatialmath.Inside
	visible := node.PointCount
	if node.Level >= f.maxLevel {
		return visible
	}
	for k := range node.ChildIndexes {
		if child := f.lod.child(node, k); child != nil {
			visible += f.propagateInsideFlag(child)
		}
	}
	return visible
}

func (f *footprintFlagger) flag(node *Node) uint32 {
	if node.Intersection == spatialmath.Inside {
		return f.propagateInsideFlag(node)
	}

	node.Intersection = f.frustumIntersection(node)
	f.clippingIntersection(node)

	switch node.Intersection {
	case spatialmath.Inside:
		return f.propagateInsideFlag(node)
	case spatialmath.Intersecting:
		if !f.computeNodeFootprint(node) {
			f.propagateFlag(node, spatialmath.Outside)
			return 0
		}
		visible := node.PointCount
		if f.isLeaf(node) {
			return visible
		}
		for k := range node.ChildIndexes {
			if child := f.lod.child(node, k); child != nil {
				visible += f.flag(child)
			}
		}
		return visible
	case spatialmath.Outside, spatialmath.Undefined:
	}
	return 0
}
