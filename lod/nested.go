package lod

import (
	"context"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/pclod/config"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/spatialmath"
	"go.viam.com/pclod/vbo"
)

// NestedLOD is an additive structure: every cell owns the chunk of the cloud starting at
// its FirstCodeIndex, and the union of all chunks at all levels is the cloud. Deeper levels
// refine their parents instead of repeating their points. The cells are built elsewhere
// and handed over at creation.
type NestedLOD struct {
	structure
	source []Level
	pool   *vbo.Pool
	// order is the reused list of cells sorted by score.
	order []nodeRef
	// pending is the reused list of cells waiting for an upload.
	pending []*Node
}

type nodeRef struct {
	node  *Node
	index int32
}

// NewNestedLOD returns an uninitialized structure over the given levels, which are copied.
// Buffers are allocated from pool; without a pool the structure can only be drawn through
// its index maps.
func NewNestedLOD(levels []Level, conf *config.Config, pool *vbo.Pool, logger golog.Logger) *NestedLOD {
	lod := &NestedLOD{
		source: copyLevels(levels),
		pool:   pool,
	}
	lod.setup(conf, logger, newFootprintFlagger)
	return lod
}

func copyLevels(levels []Level) []Level {
	out := make([]Level, len(levels))
	for i, l := range levels {
		out[i].Data = append([]Node(nil), l.Data...)
	}
	return out
}

// Init checks the levels against cloud and loads them.
func (lod *NestedLOD) Init(ctx context.Context, cloud pointcloud.PointCloud) error {
	_, span := trace.StartSpan(ctx, "lod::NestedLOD::Init")
	defer span.End()

	lod.mu.Lock()
	defer lod.mu.Unlock()
	if lod.state != NotInitialized {
		return nil
	}
	lod.state = UnderConstruction

	if err := lod.load(cloud); err != nil {
		lod.state = Broken
		lod.logger.Errorw("cannot load nested lod", "error", err, "committed_levels", len(lod.levels))
		return err
	}
	lod.shrinkToFit()
	lod.state = Initialized
	lod.logger.Debugw("nested lod loaded", "levels", len(lod.levels), "nodes", lod.nodeCount())
	return nil
}

func (lod *NestedLOD) load(cloud pointcloud.PointCloud) error {
	if err := validateLevels(lod.source, cloud); err != nil {
		return errors.Wrap(ErrMalformedCloud, err.Error())
	}
	for level, l := range lod.source {
		for _, src := range l.Data {
			index, err := lod.newCell(uint8(level))
			if err != nil {
				lod.rollbackLevel(uint8(level))
				return errors.Wrapf(err, "loading level %d", level)
			}
			n := lod.node(index, uint8(level))
			*n = src
			n.Score = 0
			n.DisplayedPointCount = 0
			n.VBO = nil
			n.Intersection = spatialmath.Undefined
		}
	}
	return nil
}

// validateLevels checks that levels form a tree rooted in a single cell and that every
// chunk lies in cloud.
func validateLevels(levels []Level, cloud pointcloud.PointCloud) error {
	if cloud == nil {
		return errors.New("no cloud")
	}
	if len(levels) == 0 || len(levels[0].Data) != 1 {
		return errors.New("expected a single root cell")
	}
	if len(levels) > 256 {
		return errors.Errorf("too many levels (%d)", len(levels))
	}
	size := uint64(cloud.Size())
	for level, l := range levels {
		var children []bool
		if level+1 < len(levels) {
			children = make([]bool, len(levels[level+1].Data))
		}
		for i, n := range l.Data {
			if int(n.Level) != level {
				return errors.Errorf("node %d of level %d claims level %d", i, level, n.Level)
			}
			if n.PointCount == 0 {
				return errors.Errorf("node %d of level %d is empty", i, level)
			}
			if uint64(n.FirstCodeIndex)+uint64(n.PointCount) > size {
				return errors.Errorf("node %d of level %d indexes points beyond the cloud size (%d)", i, level, size)
			}
			var childCount uint8
			for _, c := range n.ChildIndexes {
				if c == NoChild {
					continue
				}
				if c < 0 || int(c) >= len(children) {
					return errors.Errorf("node %d of level %d has an invalid child %d", i, level, c)
				}
				if children[c] {
					return errors.Errorf("node %d of level %d has several parents", c, level+1)
				}
				children[c] = true
				childCount++
			}
			if childCount != n.ChildCount {
				return errors.Errorf("node %d of level %d has %d children, expected %d", i, level, childCount, n.ChildCount)
			}
		}
		for c, hasParent := range children {
			if !hasParent {
				return errors.Errorf("node %d of level %d has no parent", c, level+1)
			}
		}
	}
	return nil
}

// Clear releases the buffers and drops every cell.
func (lod *NestedLOD) Clear() {
	lod.mu.Lock()
	defer lod.mu.Unlock()
	lod.clearData()
	lod.state = NotInitialized
}

func (lod *NestedLOD) clearData() {
	if lod.pool != nil {
		for i := range lod.levels {
			for j := range lod.levels[i].Data {
				n := &lod.levels[i].Data[j]
				if n.VBO != nil {
					if err := lod.pool.Evict(n.VBO); err != nil {
						lod.logger.Warnw("failed to free node buffer", "error", err)
					}
				}
			}
		}
	}
	lod.structure.clearData()
	lod.order = nil
	lod.pending = nil
}

// Wait returns immediately: loading is synchronous.
func (lod *NestedLOD) Wait(ctx context.Context) error {
	return nil
}

// IndexMap emits the chunks of the accepted cells down to level, largest footprint first.
func (lod *NestedLOD) IndexMap(level uint8, maxCount uint32) (IndexSet, uint32) {
	lod.mu.Lock()
	defer lod.mu.Unlock()

	capacity := lod.startIndexMap(maxCount)
	if len(lod.levels) == 0 {
		return lod.indexMap, 0
	}

	lod.order = lod.order[:0]
	lod.collectAccepted(lod.root(), 0, level)
	sort.Slice(lod.order, func(i, j int) bool {
		a, b := lod.order[i], lod.order[j]
		if a.node.Score != b.node.Score {
			return a.node.Score > b.node.Score
		}
		if a.node.Level != b.node.Level {
			return a.node.Level < b.node.Level
		}
		return a.index < b.index
	})

	var remaining uint32
	for _, ref := range lod.order {
		n := ref.node
		count := n.RemainingPointCount()
		if room := capacity - uint32(len(lod.indexMap)); count > room {
			remaining += count - room
			count = room
		}
		first := n.FirstCodeIndex + n.DisplayedPointCount
		for i := uint32(0); i < count; i++ {
			lod.indexMap = append(lod.indexMap, first+i)
		}
		n.DisplayedPointCount += count
	}

	lod.finishIndexMap(level, remaining)
	return lod.indexMap, remaining
}

// collectAccepted lists the visible cells of the subtree of node down to level.
func (lod *NestedLOD) collectAccepted(node *Node, index int32, level uint8) {
	if !node.Intersection.Visible() || node.Level > level {
		return
	}
	if node.RemainingPointCount() > 0 {
		lod.order = append(lod.order, nodeRef{node: node, index: index})
	}
	for k, c := range node.ChildIndexes {
		if child := lod.child(node, k); child != nil {
			lod.collectAccepted(child, c, level)
		}
	}
}

// ReleaseVBOs frees the buffers owned by display.
func (lod *NestedLOD) ReleaseVBOs(display *vbo.Display) {
	if lod.pool == nil || display == nil {
		return
	}
	lod.mu.Lock()
	defer lod.mu.Unlock()
	if err := lod.pool.Release(display); err != nil {
		lod.logger.Warnw("failed to release buffers", "display", display.Name, "error", err)
	}
	lod.dropInvalidBuffers()
}

func (lod *NestedLOD) dropInvalidBuffers() {
	for i := range lod.levels {
		for j := range lod.levels[i].Data {
			n := &lod.levels[i].Data[j]
			if n.VBO != nil && !n.VBO.Valid() {
				n.VBO = nil
			}
		}
	}
}

// UpdateVBOs keeps the buffers of the accepted cells with points to draw and uploads the
// chunks of those without a valid buffer, after evicting buffers unused this frame to make
// room for them. It returns false when some chunk could not be uploaded; those cells are
// skipped until a later frame.
func (lod *NestedLOD) UpdateVBOs(cloud pointcloud.PointCloud, display *vbo.Display, ctx vbo.DrawContext, params vbo.Params) bool {
	if lod.pool == nil || cloud == nil || display == nil {
		return false
	}
	lod.mu.Lock()
	defer lod.mu.Unlock()
	if len(lod.levels) == 0 {
		return false
	}

	// buffers touched now cannot be evicted by the uploads below
	lod.pending = lod.pending[:0]
	var needed int64
	lod.walkAccepted(lod.root(), func(n *Node) {
		if n.DisplayedPointCount == 0 {
			return
		}
		if n.VBO.Valid() {
			lod.pool.Touch(n.VBO, ctx.Frame)
			return
		}
		n.VBO = nil
		lod.pending = append(lod.pending, n)
		needed += int64(n.PointCount) * vbo.PointStride
	})
	lod.dropInvalidBuffers()
	if len(lod.pending) == 0 {
		return true
	}
	if evicted := lod.pool.EvictBetweenFrames(ctx.Frame, needed); evicted > 0 {
		lod.dropInvalidBuffers()
	}

	ok := true
	for _, n := range lod.pending {
		points := vbo.ToVec3(cloud, int(n.FirstCodeIndex), int(n.PointCount))
		b, err := lod.pool.Acquire(display, points, ctx.Frame)
		if err != nil {
			lod.logger.Debugw("skipping node upload", "level", n.Level, "points", n.PointCount, "error", err)
			ok = false
			continue
		}
		n.VBO = b
	}
	lod.pending = lod.pending[:0]
	return ok
}

// RenderVBOs draws the displayed points of every accepted cell holding a valid buffer. It
// returns false when a cell with points to draw had no buffer.
func (lod *NestedLOD) RenderVBOs(cloud pointcloud.PointCloud, ctx vbo.DrawContext, params vbo.Params) bool {
	if lod.pool == nil {
		return false
	}
	lod.mu.Lock()
	defer lod.mu.Unlock()
	if len(lod.levels) == 0 {
		return false
	}

	ok := true
	lod.walkAccepted(lod.root(), func(n *Node) {
		if n.DisplayedPointCount == 0 {
			return
		}
		if !n.VBO.Valid() {
			n.VBO = nil
			ok = false
			return
		}
		if err := lod.pool.Draw(n.VBO, int(n.DisplayedPointCount), ctx.Frame); err != nil {
			lod.logger.Debugw("cannot draw node", "level", n.Level, "error", err)
			ok = false
		}
	})
	return ok
}

// walkAccepted calls fn on the visible cells of the subtree of node, depth first.
func (lod *NestedLOD) walkAccepted(node *Node, fn func(n *Node)) {
	if !node.Intersection.Visible() {
		return
	}
	fn(node)
	for k := range node.ChildIndexes {
		if child := lod.child(node, k); child != nil {
			lod.walkAccepted(child, fn)
		}
	}
}
