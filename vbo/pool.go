package vbo

import (
	"sort"
	"sync"

	"github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

var (
	// ErrBudgetExceeded is returned when a buffer cannot fit in the pool budget even after
	// evicting every buffer not used in the current frame.
	ErrBudgetExceeded = errors.New("vbo memory budget exceeded")
	// ErrInvalidBuffer is returned when drawing an evicted or released buffer.
	ErrInvalidBuffer = errors.New("buffer is no longer valid")
)

// Pool owns device buffers for any number of displays under a single memory budget.
type Pool struct {
	mu      sync.Mutex
	device  Device
	budget  int64
	used    *atomic.Int64
	buffers map[*Buffer]struct{}
	logger  golog.Logger
}

// NewPool returns a pool allocating on device. A budget of 0 means unlimited.
func NewPool(device Device, budgetBytes int64, logger golog.Logger) *Pool {
	return &Pool{
		device:  device,
		budget:  budgetBytes,
		used:    atomic.NewInt64(0),
		buffers: map[*Buffer]struct{}{},
		logger:  logger,
	}
}

// Used returns the device memory currently held by the pool, in bytes.
func (p *Pool) Used() int64 {
	return p.used.Load()
}

// Len returns the number of live buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Acquire uploads points into a new buffer owned by display. It evicts least recently used
// buffers from earlier frames when the budget requires it.
func (p *Pool) Acquire(display *Display, points []mgl32.Vec3, frame uint64) (*Buffer, error) {
	size := len(points) * PointStride
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.budget > 0 && p.used.Load()+int64(size) > p.budget {
		p.evictLocked(p.budget-int64(size), frame)
		if p.used.Load()+int64(size) > p.budget {
			return nil, errors.Wrapf(ErrBudgetExceeded, "cannot fit %s", units.BytesSize(float64(size)))
		}
	}

	h, err := p.device.Allocate(size)
	if err != nil {
		return nil, errors.Wrap(err, "allocating device buffer")
	}
	if err := p.device.Upload(h, points); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "uploading points"), p.device.Free(h))
	}

	b := &Buffer{
		handle:     h,
		display:    display.ID,
		pointCount: len(points),
		sizeBytes:  size,
		lastUsed:   atomic.NewUint64(frame),
		valid:      atomic.NewBool(true),
	}
	p.buffers[b] = struct{}{}
	p.used.Add(int64(size))
	return b, nil
}

// Draw draws the first count points of b and marks it used in frame.
func (p *Pool) Draw(b *Buffer, count int, frame uint64) error {
	if !b.Valid() {
		return ErrInvalidBuffer
	}
	if count > b.pointCount {
		count = b.pointCount
	}
	if count <= 0 {
		return nil
	}
	b.lastUsed.Store(frame)
	return p.device.Draw(b.handle, 0, count)
}

// Touch marks b used in frame, protecting it from this frame's evictions.
func (p *Pool) Touch(b *Buffer, frame uint64) {
	if b.Valid() {
		b.lastUsed.Store(frame)
	}
}

// EvictBetweenFrames frees least recently used buffers from frames before frame until the
// pool has headroom bytes left under its budget, so that uploads of that size fit. It
// returns the number of evicted buffers.
func (p *Pool) EvictBetweenFrames(frame uint64, headroom int64) int {
	if p.budget <= 0 {
		return 0
	}
	target := p.budget - headroom
	if target < 0 {
		target = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictLocked(target, frame)
}

func (p *Pool) evictLocked(target int64, frame uint64) int {
	if p.used.Load() <= target {
		return 0
	}
	candidates := make([]*Buffer, 0, len(p.buffers))
	for b := range p.buffers {
		if b.LastUsed() < frame {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastUsed() != candidates[j].LastUsed() {
			return candidates[i].LastUsed() < candidates[j].LastUsed()
		}
		return candidates[i].handle < candidates[j].handle
	})

	evicted := 0
	for _, b := range candidates {
		if p.used.Load() <= target {
			break
		}
		if err := p.freeLocked(b); err != nil {
			p.logger.Warnw("failed to free evicted buffer", "error", err)
		}
		evicted++
	}
	if evicted > 0 {
		p.logger.Debugw("evicted buffers", "count", evicted, "used", units.BytesSize(float64(p.used.Load())))
	}
	return evicted
}

// Release frees every buffer owned by display.
func (p *Pool) Release(display *Display) error {
	if display == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for b := range p.buffers {
		if b.display == display.ID {
			err = multierr.Combine(err, p.freeLocked(b))
		}
	}
	return err
}

// Evict frees b immediately.
func (p *Pool) Evict(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.buffers[b]; !ok {
		return nil
	}
	return p.freeLocked(b)
}

func (p *Pool) freeLocked(b *Buffer) error {
	delete(p.buffers, b)
	b.valid.Store(false)
	p.used.Sub(int64(b.sizeBytes))
	return p.device.Free(b.handle)
}
