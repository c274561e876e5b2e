// Package vbo defines the GPU buffer manager contract of the LOD structures: display
// contexts owning device buffers, the device abstraction those buffers live on, and a
// budgeted pool that streams point batches to the device and evicts them under memory
// pressure.
//
// Buffers are only ever evicted between frames: a buffer drawn during frame f is never
// reclaimed by an eviction pass run for frame f.
package vbo

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"go.viam.com/pclod/pointcloud"
)

// PointStride is the size in bytes of one uploaded point (3 float32 coordinates).
const PointStride = 12

// Display identifies a rendering context owning device buffers.
type Display struct {
	ID   uuid.UUID
	Name string
}

// NewDisplay returns a display context with a fresh identifier.
func NewDisplay(name string) *Display {
	return &Display{ID: uuid.New(), Name: name}
}

// DrawContext carries the per-frame drawing state.
type DrawContext struct {
	// Frame is a monotonically increasing frame counter.
	Frame     uint64
	PointSize float32
}

// Params are the OpenGL style display parameters of the cloud.
type Params struct {
	ShowColors  bool
	ShowNormals bool
}

// Manager is implemented by structures that own per node device buffers.
type Manager interface {
	// ReleaseVBOs releases the device buffers tied to a display going away. It is safe to
	// call when no buffer was ever allocated.
	ReleaseVBOs(display *Display)

	// UpdateVBOs (re)uploads point data for the nodes whose buffers are stale or missing.
	// A false return means some nodes could not be uploaded and will be skipped this frame.
	UpdateVBOs(cloud pointcloud.PointCloud, display *Display, ctx DrawContext, params Params) bool

	// RenderVBOs issues draw calls for the currently valid buffers.
	RenderVBOs(cloud pointcloud.PointCloud, ctx DrawContext, params Params) bool
}

// Handle is an opaque device buffer name.
type Handle uint32

// Device is the graphics device the buffers are allocated on.
type Device interface {
	Allocate(sizeBytes int) (Handle, error)
	Upload(h Handle, points []mgl32.Vec3) error
	Draw(h Handle, first, count int) error
	Free(h Handle) error
}

// Buffer is a device resident batch of points. Nodes hold it by reference while the pool
// owns it; once evicted or released it stays invalid forever.
type Buffer struct {
	handle     Handle
	display    uuid.UUID
	pointCount int
	sizeBytes  int

	lastUsed *atomic.Uint64
	valid    *atomic.Bool
}

// Valid returns whether the buffer still lives on the device.
func (b *Buffer) Valid() bool {
	return b != nil && b.valid.Load()
}

// PointCount returns the number of points uploaded in the buffer.
func (b *Buffer) PointCount() int {
	return b.pointCount
}

// SizeBytes returns the device memory held by the buffer.
func (b *Buffer) SizeBytes() int {
	return b.sizeBytes
}

// LastUsed returns the last frame the buffer was uploaded or drawn in.
func (b *Buffer) LastUsed() uint64 {
	return b.lastUsed.Load()
}

// Display returns the identifier of the display owning the buffer.
func (b *Buffer) Display() uuid.UUID {
	return b.display
}

// ToVec3 converts cloud coordinates to the float32 layout uploaded on the device.
func ToVec3(cloud pointcloud.PointCloud, first, count int) []mgl32.Vec3 {
	out := make([]mgl32.Vec3, count)
	for i := 0; i < count; i++ {
		p := cloud.Point(first + i)
		out[i] = mgl32.Vec3{float32(p.X), float32(p.Y), float32(p.Z)}
	}
	return out
}
