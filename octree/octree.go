// Package octree implements a linear octree over a point cloud: every point gets the Morton
// code of its deepest cell, and the (code, point index) pairs are kept sorted so that the
// points of any cell, at any level, form one contiguous run of the table.
package octree

import (
	"context"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	pc "go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/utils"
)

const (
	// DefaultDepth is the subdivision depth used when none is given.
	DefaultDepth = 10
	// MaxDepth is the deepest level a 64 bit Morton code can address.
	MaxDepth = 21
)

// ErrEmptyCloud is returned when building an octree over a cloud without points.
var ErrEmptyCloud = errors.New("cannot build an octree over an empty cloud")

type indexedCode struct {
	code  uint64
	index uint32
}

// Octree is a data structure that recursively partitions the bounding cube of a cloud into
// octants, down to a fixed depth.
type Octree struct {
	origin     r3.Vector
	sideLength float64
	depth      uint8
	codes      []indexedCode
}

// Run is a contiguous range of the code table sharing the same cell at some level.
type Run struct {
	Code  uint64
	First uint32
	Count uint32
}

// New computes the octree of cloud down to depth.
func New(ctx context.Context, cloud pc.PointCloud, depth uint8, logger golog.Logger) (*Octree, error) {
	ctx, span := trace.StartSpan(ctx, "octree::New")
	defer span.End()

	if depth == 0 || depth > MaxDepth {
		return nil, errors.Errorf("invalid octree depth (%d), must be in [1, %d]", depth, MaxDepth)
	}
	size := cloud.Size()
	if size == 0 {
		return nil, ErrEmptyCloud
	}
	if uint64(size) > uint64(^uint32(0)) {
		return nil, errors.Errorf("cloud too large for an octree (%d points)", size)
	}

	meta := cloud.MetaData()
	side := meta.MaxSideLength()
	if side <= 0 {
		// every point at the same place
		side = 1
	}
	oct := &Octree{
		origin:     meta.Min(),
		sideLength: side,
		depth:      depth,
		codes:      make([]indexedCode, size),
	}

	err := utils.GroupWorkParallel(
		ctx,
		size,
		nil,
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				oct.codes[workNum] = indexedCode{
					code:  oct.codeOf(cloud.Point(workNum)),
					index: uint32(workNum),
				}
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	sort.Slice(oct.codes, func(i, j int) bool {
		if oct.codes[i].code != oct.codes[j].code {
			return oct.codes[i].code < oct.codes[j].code
		}
		return oct.codes[i].index < oct.codes[j].index
	})

	logger.Debugw("octree computed", "points", size, "depth", depth, "side", side)
	return oct, nil
}

// Size returns the number of indexed points.
func (oct *Octree) Size() int {
	return len(oct.codes)
}

// Depth returns the deepest level of the octree.
func (oct *Octree) Depth() uint8 {
	return oct.depth
}

// Origin returns the lower corner of the bounding cube.
func (oct *Octree) Origin() r3.Vector {
	return oct.origin
}

// SideLength returns the side of the bounding cube.
func (oct *Octree) SideLength() float64 {
	return oct.sideLength
}

// PointIndex returns the cloud index of the point stored at codeIndex in the sorted table.
func (oct *Octree) PointIndex(codeIndex uint32) uint32 {
	return oct.codes[codeIndex].index
}

// Code returns the deepest level Morton code stored at codeIndex.
func (oct *Octree) Code(codeIndex uint32) uint64 {
	return oct.codes[codeIndex].code
}

// CellCode returns the code, truncated at level, of the point stored at codeIndex.
func (oct *Octree) CellCode(codeIndex uint32, level uint8) uint64 {
	return oct.codes[codeIndex].code >> (3 * uint(oct.depth-level))
}

// CellSize returns the side of a cell at level.
func (oct *Octree) CellSize(level uint8) float64 {
	return oct.sideLength / float64(uint64(1)<<level)
}

// CellCenter returns the center of the cell with the given code at level.
func (oct *Octree) CellCenter(code uint64, level uint8) r3.Vector {
	i, j, k := decode(code)
	size := oct.CellSize(level)
	return r3.Vector{
		X: oct.origin.X + (float64(i)+0.5)*size,
		Y: oct.origin.Y + (float64(j)+0.5)*size,
		Z: oct.origin.Z + (float64(k)+0.5)*size,
	}
}

// Runs splits [first, first+count) of the code table into runs of equal cells at level.
// Runs come out in code order, so the last 3 bits of each run code are the octant of the
// run inside its parent cell.
func (oct *Octree) Runs(first, count uint32, level uint8) []Run {
	var runs []Run
	end := first + count
	for i := first; i < end; {
		code := oct.CellCode(i, level)
		j := i + 1
		for j < end && oct.CellCode(j, level) == code {
			j++
		}
		runs = append(runs, Run{Code: code, First: i, Count: j - i})
		i = j
	}
	return runs
}

func (oct *Octree) codeOf(p r3.Vector) uint64 {
	cells := float64(uint64(1) << oct.depth)
	return encode(
		cellCoord(p.X-oct.origin.X, oct.sideLength, cells),
		cellCoord(p.Y-oct.origin.Y, oct.sideLength, cells),
		cellCoord(p.Z-oct.origin.Z, oct.sideLength, cells),
	)
}

func cellCoord(offset, side, cells float64) uint32 {
	c := offset / side * cells
	switch {
	case c < 0:
		return 0
	case c >= cells:
		return uint32(cells) - 1
	default:
		return uint32(c)
	}
}
