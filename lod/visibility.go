package lod

import (
	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/spatialmath"
)

// flagger is a single visibility pass over the cells of a structure.
type flagger interface {
	setClipPlanes(planes []spatialmath.Plane)
	// flag classifies node and its reachable descendants and returns their visible point
	// count.
	flag(node *Node) uint32
}

// visibilityFlagger classifies cells by testing their bounding sphere against the camera
// frustum, then against the clip planes. A cell fully inside both passes the flag on to its
// whole subtree without further tests.
type visibilityFlagger struct {
	lod        *structure
	camera     *camera.Parameters
	frustum    spatialmath.Frustum
	maxLevel   uint8
	clipPlanes []spatialmath.Plane
	// epsilon enlarges the bounding radius, relative to it.
	epsilon float64
}

func newVisibilityFlagger(lod *structure, cam *camera.Parameters, maxLevel uint8) *visibilityFlagger {
	return &visibilityFlagger{
		lod:      lod,
		camera:   cam,
		frustum:  cam.Frustum(),
		maxLevel: maxLevel,
		epsilon:  lod.conf.BoundingEpsilon,
	}
}

func (f *visibilityFlagger) setClipPlanes(planes []spatialmath.Plane) {
	f.clipPlanes = planes
}

func (f *visibilityFlagger) radius(node *Node) float64 {
	return node.Radius * (1 + f.epsilon)
}

// frustumIntersection positions the enlarged bounding sphere of node in the frustum.
func (f *visibilityFlagger) frustumIntersection(node *Node) spatialmath.Intersection {
	return f.frustum.ClassifySphere(node.Center, f.radius(node))
}

// clippingIntersection restricts the flag of node to the clip volume.
func (f *visibilityFlagger) clippingIntersection(node *Node) {
	if len(f.clipPlanes) == 0 || node.Intersection == spatialmath.Outside {
		return
	}
	clip := spatialmath.ClassifySphereAgainstPlanes(f.clipPlanes, node.Center, f.radius(node))
	node.Intersection = node.Intersection.Combine(clip)
}

// propagateFlag sets flag on node and every descendant down to the deepest flagged level.
func (f *visibilityFlagger) propagateFlag(node *Node, flag spatialmath.Intersection) {
	node.Intersection = flag
	if node.Level >= f.maxLevel {
		return
	}
	for k := range node.ChildIndexes {
		if child := f.lod.child(node, k); child != nil {
			f.propagateFlag(child, flag)
		}
	}
}

// isLeaf returns whether node cannot be subdivided during this pass.
func (f *visibilityFlagger) isLeaf(node *Node) bool {
	return node.IsLeaf() || node.Level >= f.maxLevel
}

func (f *visibilityFlagger) flag(node *Node) uint32 {
	if node.Intersection == spatialmath.Inside {
		f.propagateFlag(node, spatialmath.Inside)
		return node.PointCount
	}

	node.Intersection = f.frustumIntersection(node)
	f.clippingIntersection(node)

	switch node.Intersection {
	case spatialmath.Inside:
		f.propagateFlag(node, spatialmath.Inside)
		return node.PointCount
	case spatialmath.Intersecting:
		if f.isLeaf(node) {
			return node.PointCount
		}
		var visible uint32
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
