package lod

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/config"
	"go.viam.com/pclod/octree"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/utils"
	"go.viam.com/pclod/vbo"
)

// InternalLOD is built from an octree over the cloud: a cell holds every point of its
// octree cell, and is split while it holds more than the configured leaf capacity. Its
// cells are therefore nested, each one indexing a contiguous range of the octree table.
type InternalLOD struct {
	structure
	octree  *octree.Octree
	workers utils.StoppableWorkers
}

// NewInternalLOD returns an uninitialized structure.
func NewInternalLOD(conf *config.Config, logger golog.Logger) *InternalLOD {
	lod := &InternalLOD{}
	lod.setup(conf, logger, func(s *structure, cam *camera.Parameters, maxLevel uint8) flagger {
		return newVisibilityFlagger(s, cam, maxLevel)
	})
	return lod
}

// Init builds the structure over cloud, on a background worker when construction is
// asynchronous. Levels are committed one at a time, so a partially built structure can be
// rendered down to its last committed level.
func (lod *InternalLOD) Init(ctx context.Context, cloud pointcloud.PointCloud) error {
	lod.mu.Lock()
	if lod.state != NotInitialized {
		lod.mu.Unlock()
		return nil
	}
	lod.state = UnderConstruction
	if lod.conf.AsyncConstruction {
		lod.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
			_ = lod.construct(ctx, cloud)
		})
		lod.mu.Unlock()
		return nil
	}
	lod.mu.Unlock()
	return lod.construct(ctx, cloud)
}

// Wait blocks until the background construction, if any, returns.
func (lod *InternalLOD) Wait(ctx context.Context) error {
	lod.mu.Lock()
	workers := lod.workers
	lod.mu.Unlock()
	if workers == nil {
		return nil
	}
	return workers.Wait(ctx)
}

// Clear stops the construction and drops every cell.
func (lod *InternalLOD) Clear() {
	lod.mu.Lock()
	workers := lod.workers
	lod.workers = nil
	lod.mu.Unlock()

	// the worker needs mu to commit its levels
	if workers != nil {
		workers.Stop()
	}

	lod.mu.Lock()
	defer lod.mu.Unlock()
	lod.clearData()
	lod.state = NotInitialized
}

func (lod *InternalLOD) clearData() {
	lod.structure.clearData()
	lod.octree = nil
}

func (lod *InternalLOD) construct(ctx context.Context, cloud pointcloud.PointCloud) error {
	err := lod.build(ctx, cloud)

	lod.mu.Lock()
	defer lod.mu.Unlock()
	if err != nil {
		// Clear resets the state once the worker is gone
		lod.state = Broken
		if ctx.Err() != nil {
			lod.logger.Debugw("lod construction interrupted", "committed_levels", len(lod.levels))
		} else {
			lod.logger.Errorw("lod construction failed", "error", err, "committed_levels", len(lod.levels))
		}
		return err
	}
	lod.shrinkToFit()
	lod.state = Initialized
	lod.logger.Debugw("lod constructed", "levels", len(lod.levels), "nodes", lod.nodeCount())
	return nil
}

// cell is a node waiting for its level to be committed.
type cell struct {
	parent int32
	run    octree.Run
}

func (lod *InternalLOD) build(ctx context.Context, cloud pointcloud.PointCloud) error {
	ctx, span := trace.StartSpan(ctx, "lod::InternalLOD::Init")
	defer span.End()

	if cloud == nil || cloud.Size() == 0 {
		return errors.Wrap(ErrMalformedCloud, "no points")
	}
	oct, err := octree.New(ctx, cloud, lod.conf.OctreeDepth, lod.logger)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errors.Wrapf(ErrMalformedCloud, "%v", err)
	}

	lod.mu.Lock()
	lod.octree = oct
	lod.mu.Unlock()

	cells := []cell{{parent: NoChild, run: octree.Run{First: 0, Count: uint32(oct.Size())}}}
	for level := uint8(0); len(cells) > 0; level++ {
		indexes, err := lod.commitLevel(ctx, level, cells)
		if err != nil {
			return err
		}
		if level >= oct.Depth() {
			break
		}
		var next []cell
		for i, c := range cells {
			if c.run.Count <= lod.conf.LeafCapacity {
				continue
			}
			for _, run := range oct.Runs(c.run.First, c.run.Count, level+1) {
				next = append(next, cell{parent: indexes[i], run: run})
			}
		}
		cells = next
	}
	return nil
}

// commitLevel turns cells into the nodes of level and links them to their parents. A level
// that cannot be committed entirely is rolled back.
func (lod *InternalLOD) commitLevel(ctx context.Context, level uint8, cells []cell) ([]int32, error) {
	lod.mu.Lock()
	defer lod.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	radius := lod.octree.CellSize(level) * math.Sqrt(3) / 2
	indexes := make([]int32, len(cells))
	for i, c := range cells {
		index, err := lod.newCell(level)
		if err != nil {
			lod.rollbackLevel(level)
			return nil, errors.Wrapf(err, "committing level %d", level)
		}
		n := lod.node(index, level)
		n.PointCount = c.run.Count
		n.FirstCodeIndex = c.run.First
		n.Center = lod.octree.CellCenter(c.run.Code, level)
		n.Radius = radius
		if c.parent != NoChild {
			parent := lod.node(c.parent, level-1)
			parent.ChildIndexes[c.run.Code&7] = index
			parent.ChildCount++
		}
		indexes[i] = index
	}
	return indexes, nil
}

// IndexMap emits the points of level still to be drawn. Visible cells of level want
// leaf capacity points (all of them for cells that cannot be subdivided), which are picked
// among their children in proportion to what each child has left to draw.
func (lod *InternalLOD) IndexMap(level uint8, maxCount uint32) (IndexSet, uint32) {
	lod.mu.Lock()
	defer lod.mu.Unlock()

	capacity := lod.startIndexMap(maxCount)
	if len(lod.levels) == 0 || lod.octree == nil {
		return lod.indexMap, 0
	}
	if level > lod.currentState.maxLevel {
		level = lod.currentState.maxLevel
	}

	_, remaining := lod.collectLevel(lod.root(), level, capacity)
	lod.finishIndexMap(level, remaining)
	return lod.indexMap, remaining
}

// emitsOwnPoints returns whether node is drawn from its own point range.
func (lod *InternalLOD) emitsOwnPoints(node *Node) bool {
	return node.IsLeaf() || node.Level >= lod.currentState.maxLevel
}

// wanted returns the number of points node should add to reach its density at its level.
func (lod *InternalLOD) wanted(node *Node) uint32 {
	if lod.emitsOwnPoints(node) {
		return node.RemainingPointCount()
	}
	target := lod.conf.LeafCapacity
	if target > node.PointCount {
		target = node.PointCount
	}
	if node.DisplayedPointCount >= target {
		return 0
	}
	return target - node.DisplayedPointCount
}

// collectLevel walks the visible cells down to level and fills their quota. It returns the
// number of points added under node and the quota left unfilled because the index map is
// full.
func (lod *InternalLOD) collectLevel(node *Node, level uint8, capacity uint32) (uint32, uint32) {
	if !node.Intersection.Visible() {
		return 0, 0
	}
	if node.Level == level || lod.emitsOwnPoints(node) {
		want := lod.wanted(node)
		got := lod.addNPointsToIndexMap(node, want, capacity)
		if got < want && uint32(len(lod.indexMap)) >= capacity {
			return got, want - got
		}
		// anything else is out of sight
		return got, 0
	}
	var added, remaining uint32
	for k := range node.ChildIndexes {
		if child := lod.child(node, k); child != nil {
			a, r := lod.collectLevel(child, level, capacity)
			added += a
			remaining += r
		}
	}
	node.DisplayedPointCount += added
	return added, remaining
}

// addNPointsToIndexMap adds up to count points of node to the index map and returns how
// many were added. Inner cells dispatch the request among their visible children; a child
// that runs short leaves the rest to its next siblings.
func (lod *InternalLOD) addNPointsToIndexMap(node *Node, count, capacity uint32) uint32 {
	room := capacity - uint32(len(lod.indexMap))
	if count == 0 || room == 0 || !node.Intersection.Visible() {
		return 0
	}

	if lod.emitsOwnPoints(node) {
		if rem := node.RemainingPointCount(); count > rem {
			count = rem
		}
		if count > room {
			count = room
		}
		first := node.FirstCodeIndex + node.DisplayedPointCount
		for i := uint32(0); i < count; i++ {
			lod.indexMap = append(lod.indexMap, lod.octree.PointIndex(first+i))
		}
		node.DisplayedPointCount += count
		return count
	}

	var total uint64
	for k := range node.ChildIndexes {
		if child := lod.child(node, k); child != nil && child.Intersection.Visible() {
			total += uint64(child.RemainingPointCount())
		}
	}

	left := count
	for k := range node.ChildIndexes {
		if left == 0 || total == 0 || uint32(len(lod.indexMap)) >= capacity {
			break
		}
		child := lod.child(node, k)
		if child == nil || !child.Intersection.Visible() {
			continue
		}
		rem := uint64(child.RemainingPointCount())
		if rem == 0 {
			continue
		}
		// rounded up so that small requests land on the first children
		share := (uint64(left)*rem + total - 1) / total
		if share > rem {
			share = rem
		}
		left -= lod.addNPointsToIndexMap(child, uint32(share), capacity)
		total -= rem
	}
	added := count - left
	node.DisplayedPointCount += added
	return added
}

// ReleaseVBOs does nothing: the structure is drawn through its index maps.
func (lod *InternalLOD) ReleaseVBOs(display *vbo.Display) {}

// UpdateVBOs does nothing and returns false.
func (lod *InternalLOD) UpdateVBOs(cloud pointcloud.PointCloud, display *vbo.Display, ctx vbo.DrawContext, params vbo.Params) bool {
	return false
}

// RenderVBOs does nothing and returns false.
func (lod *InternalLOD) RenderVBOs(cloud pointcloud.PointCloud, ctx vbo.DrawContext, params vbo.Params) bool {
	return false
}
