// Package lod organizes a point cloud into a hierarchy of spatial cells and decides, frame
// after frame, which cells are visible and which of their points should be drawn.
//
// Two structures share the same storage and render cycle:
//
//   - InternalLOD is built from an octree over the cloud. Its cells are nested, a cell
//     indexing every point of its children, and the index maps it produces spread a per
//     level point count over the visible cells.
//   - NestedLOD is an additive structure built elsewhere, where each cell owns a chunk of
//     the cloud. Its cells are scored by their projected footprint and drawn from device
//     buffers.
//
// A render cycle starts with FlagVisibility and continues with IndexMap calls, level after
// level, each bounded by a point budget. A call that runs out of budget leaves a cursor in
// the structure so the next frame resumes where it stopped.
package lod

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/spatialmath"
	"go.viam.com/pclod/vbo"
)

var (
	// ErrOutOfMemory is returned when a new cell would exceed the node memory limit.
	ErrOutOfMemory = errors.New("lod node memory limit reached")
	// ErrMalformedCloud is returned when the source cloud or levels cannot be organized.
	ErrMalformedCloud = errors.New("malformed point cloud")
)

// IndexSet is a list of cloud point indexes to draw.
type IndexSet []uint32

// LOD is the capability set shared by the level of detail structures.
type LOD interface {
	vbo.Manager

	// Init starts the construction of the structure over cloud. It does nothing unless the
	// structure is NotInitialized.
	Init(ctx context.Context, cloud pointcloud.PointCloud) error
	// Clear stops any construction and returns the structure to NotInitialized.
	Clear()
	// Wait blocks until the structure is no longer under construction or ctx is done.
	Wait(ctx context.Context) error

	State() State
	IsNull() bool
	IsInitialized() bool
	IsUnderConstruction() bool
	IsBroken() bool
	MaxLevel() uint8

	// FlagVisibility classifies every reachable cell against the camera and clip planes and
	// restarts the render cycle. It returns the number of visible points.
	FlagVisibility(cam camera.Parameters, clipPlanes []spatialmath.Plane) uint32
	// IndexMap returns up to maxCount point indexes to draw for level along with the number
	// of points of this level that are still to be drawn.
	IndexMap(level uint8, maxCount uint32) (IndexSet, uint32)
	LastIndexMap() IndexSet
	AllDisplayed() bool
	Memory() int
}

var (
	_ LOD = (*InternalLOD)(nil)
	_ LOD = (*NestedLOD)(nil)
)
