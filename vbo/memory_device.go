package vbo

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrDeviceOutOfMemory is returned by MemoryDevice when an allocation exceeds its capacity.
var ErrDeviceOutOfMemory = errors.New("device out of memory")

// MemoryDevice is a Device keeping buffers in host memory. It enforces a capacity so that
// upload rejections can be exercised, and counts the draw calls it receives.
type MemoryDevice struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	next     Handle
	buffers  map[Handle][]mgl32.Vec3
	sizes    map[Handle]int

	failUploads *atomic.Int64
	draws       *atomic.Int64
	drawnPoints *atomic.Int64
}

// NewMemoryDevice returns an empty device. A capacity of 0 means unlimited.
func NewMemoryDevice(capacityBytes int64) *MemoryDevice {
	return &MemoryDevice{
		capacity:    capacityBytes,
		buffers:     map[Handle][]mgl32.Vec3{},
		sizes:       map[Handle]int{},
		failUploads: atomic.NewInt64(0),
		draws:       atomic.NewInt64(0),
		drawnPoints: atomic.NewInt64(0),
	}
}

// Allocate reserves sizeBytes of device memory.
func (d *MemoryDevice) Allocate(sizeBytes int) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity > 0 && d.used+int64(sizeBytes) > d.capacity {
		return 0, ErrDeviceOutOfMemory
	}
	d.next++
	d.sizes[d.next] = sizeBytes
	d.buffers[d.next] = nil
	d.used += int64(sizeBytes)
	return d.next, nil
}

// Upload copies points into the buffer h.
func (d *MemoryDevice) Upload(h Handle, points []mgl32.Vec3) error {
	if d.failUploads.Load() > 0 {
		d.failUploads.Dec()
		return errors.New("upload rejected by device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size, ok := d.sizes[h]
	if !ok {
		return errors.Errorf("unknown buffer %d", h)
	}
	if len(points)*PointStride > size {
		return errors.Errorf("upload of %d points overflows buffer %d", len(points), h)
	}
	d.buffers[h] = append(d.buffers[h][:0], points...)
	return nil
}

// Draw records a draw call of count points of h starting at first.
func (d *MemoryDevice) Draw(h Handle, first, count int) error {
	d.mu.Lock()
	points, ok := d.buffers[h]
	d.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown buffer %d", h)
	}
	if first < 0 || count < 0 || first+count > len(points) {
		return errors.Errorf("draw range [%d, %d) out of buffer %d bounds", first, first+count, h)
	}
	d.draws.Inc()
	d.drawnPoints.Add(int64(count))
	return nil
}

// Free releases h.
func (d *MemoryDevice) Free(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	size, ok := d.sizes[h]
	if !ok {
		return errors.Errorf("unknown buffer %d", h)
	}
	delete(d.sizes, h)
	delete(d.buffers, h)
	d.used -= int64(size)
	return nil
}

// FailNextUploads makes the next n uploads fail.
func (d *MemoryDevice) FailNextUploads(n int) {
	d.failUploads.Store(int64(n))
}

// Used returns the allocated memory in bytes.
func (d *MemoryDevice) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// BufferCount returns the number of allocated buffers.
func (d *MemoryDevice) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sizes)
}

// Draws returns the number of draw calls received.
func (d *MemoryDevice) Draws() int64 {
	return d.draws.Load()
}

// DrawnPoints returns the number of points drawn so far.
func (d *MemoryDevice) DrawnPoints() int64 {
	return d.drawnPoints.Load()
}

// ResetCounters zeroes the draw counters.
func (d *MemoryDevice) ResetCounters() {
	d.draws.Store(0)
	d.drawnPoints.Store(0)
}
