package lod

import (
	"github.com/golang/geo/r3"

	"go.viam.com/pclod/spatialmath"
	"go.viam.com/pclod/vbo"
)

// NoChild marks an absent child in Node.ChildIndexes.
const NoChild int32 = -1

// Node is a cell of the hierarchy. Its children live in the next level, at the indexes
// listed in ChildIndexes (by octant).
type Node struct {
	PointCount uint32
	Radius     float64
	Center     r3.Vector
	// ChildIndexes are indexes in the next level, NoChild when absent.
	ChildIndexes [8]int32
	// Score is recomputed by every visibility pass.
	Score float64
	// FirstCodeIndex is the offset of the cell points in the point index table.
	FirstCodeIndex uint32
	// DisplayedPointCount is the number of points of the cell drawn since the render cycle
	// started.
	DisplayedPointCount uint32
	// VBO is shared with the buffer pool, which may invalidate it between frames.
	VBO          *vbo.Buffer
	Level        uint8
	ChildCount   uint8
	Intersection spatialmath.Intersection
}

// NewNode returns an empty cell at level.
func NewNode(level uint8) Node {
	return Node{
		ChildIndexes: [8]int32{NoChild, NoChild, NoChild, NoChild, NoChild, NoChild, NoChild, NoChild},
		Level:        level,
		Intersection: spatialmath.Undefined,
	}
}

// IsLeaf returns whether the cell has no children.
func (n Node) IsLeaf() bool {
	return n.ChildCount == 0
}

// RemainingPointCount returns the number of points of the cell not drawn yet in this cycle.
func (n Node) RemainingPointCount() uint32 {
	if n.DisplayedPointCount >= n.PointCount {
		return 0
	}
	return n.PointCount - n.DisplayedPointCount
}

// Level is the append only list of cells sharing a depth.
type Level struct {
	Data []Node
}
