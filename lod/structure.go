package lod

import (
	"sync"
	"unsafe"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/config"
	"go.viam.com/pclod/spatialmath"
)

var nodeSize = int(unsafe.Sizeof(Node{}))

// renderParams is the progress of the current render cycle.
type renderParams struct {
	// visiblePoints is the result of the last visibility pass.
	visiblePoints uint32
	// displayedPoints is the number of points emitted since the pass.
	displayedPoints uint32
	// unfinishedLevel is the level a budget truncated, -1 when none.
	unfinishedLevel  int
	unfinishedPoints uint32
	// maxLevel is the deepest level the visibility pass reached.
	maxLevel uint8
}

func newRenderParams() renderParams {
	return renderParams{unfinishedLevel: -1}
}

type flaggerFactory func(lod *structure, cam *camera.Parameters, maxLevel uint8) flagger

// structure holds the cells and render cycle common to every LOD variant. Unless stated
// otherwise its lowercase methods expect mu to be held.
type structure struct {
	mu     sync.Mutex
	state  State
	levels []Level

	currentState renderParams
	indexMap     IndexSet
	lastIndexMap IndexSet

	conf       *config.Config
	logger     golog.Logger
	newFlagger flaggerFactory
}

func (s *structure) setup(conf *config.Config, logger golog.Logger, newFlagger flaggerFactory) {
	if conf == nil {
		conf = config.Default()
	}
	s.state = NotInitialized
	s.currentState = newRenderParams()
	s.conf = conf
	s.logger = logger
	s.newFlagger = newFlagger
}

// State returns the current state.
func (s *structure) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsNull returns whether the structure is neither under construction nor built.
func (s *structure) IsNull() bool {
	return s.State() == NotInitialized
}

// IsInitialized returns whether the construction completed.
func (s *structure) IsInitialized() bool {
	return s.State() == Initialized
}

// IsUnderConstruction returns whether a construction is running.
func (s *structure) IsUnderConstruction() bool {
	return s.State() == UnderConstruction
}

// IsBroken returns whether the construction failed.
func (s *structure) IsBroken() bool {
	return s.State() == Broken
}

// MaxLevel returns the deepest committed level, 0 when nothing is committed.
func (s *structure) MaxLevel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLevel()
}

func (s *structure) maxLevel() uint8 {
	if len(s.levels) == 0 {
		return 0
	}
	return uint8(len(s.levels) - 1)
}

// LevelCount returns the number of committed levels.
func (s *structure) LevelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.levels)
}

// LevelSize returns the number of cells of level, 0 when the level does not exist.
func (s *structure) LevelSize(level uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(level) >= len(s.levels) {
		return 0
	}
	return len(s.levels[level].Data)
}

// Node returns a copy of the cell at index in level. It panics when the cell does not exist.
func (s *structure) Node(index int32, level uint8) Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.node(index, level)
}

// Root returns a copy of the root cell.
func (s *structure) Root() Node {
	return s.Node(0, 0)
}

func (s *structure) node(index int32, level uint8) *Node {
	if int(level) >= len(s.levels) || index < 0 || int(index) >= len(s.levels[level].Data) {
		panic(errors.Errorf("no node %d at level %d", index, level))
	}
	return &s.levels[level].Data[index]
}

func (s *structure) root() *Node {
	return s.node(0, 0)
}

// child returns the k-th child of n, nil when absent.
func (s *structure) child(n *Node, k int) *Node {
	if n.ChildIndexes[k] == NoChild {
		return nil
	}
	return s.node(n.ChildIndexes[k], n.Level+1)
}

func (s *structure) nodeCount() int {
	count := 0
	for _, l := range s.levels {
		count += len(l.Data)
	}
	return count
}

// newCell appends an empty cell to level, creating the level when it is the next one, and
// returns its index.
func (s *structure) newCell(level uint8) (int32, error) {
	if int(level) > len(s.levels) {
		panic(errors.Errorf("cannot create level %d over %d levels", level, len(s.levels)))
	}
	if limit := s.conf.MaxNodeMemoryBytes; limit > 0 && int64((s.nodeCount()+1)*nodeSize) > limit {
		return NoChild, ErrOutOfMemory
	}
	if int(level) == len(s.levels) {
		s.levels = append(s.levels, Level{})
	}
	l := &s.levels[level]
	l.Data = append(l.Data, NewNode(level))
	return int32(len(l.Data) - 1), nil
}

// rollbackLevel drops level and everything below it, turning the cells of the level above
// into leaves.
func (s *structure) rollbackLevel(level uint8) {
	if int(level) < len(s.levels) {
		s.levels = s.levels[:level]
	}
	if level == 0 {
		return
	}
	parents := s.levels[level-1].Data
	for i := range parents {
		parents[i].ChildIndexes = NewNode(level - 1).ChildIndexes
		parents[i].ChildCount = 0
	}
}

func (s *structure) shrinkToFit() {
	for i := range s.levels {
		l := &s.levels[i]
		if cap(l.Data) > len(l.Data) {
			l.Data = append([]Node(nil), l.Data...)
		}
	}
	if cap(s.levels) > len(s.levels) {
		s.levels = append([]Level(nil), s.levels...)
	}
}

// clearData drops the cells and the render cycle. The state is left untouched.
func (s *structure) clearData() {
	s.levels = nil
	s.currentState = newRenderParams()
	s.indexMap = s.indexMap[:0]
	s.lastIndexMap = s.lastIndexMap[:0]
}

// Memory returns the memory held by the cells and index maps, in bytes.
func (s *structure) Memory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := 0
	for _, l := range s.levels {
		size += cap(l.Data) * nodeSize
	}
	return size + (cap(s.indexMap)+cap(s.lastIndexMap))*int(unsafe.Sizeof(uint32(0)))
}

func (s *structure) resetVisibility() {
	for i := range s.levels {
		for j := range s.levels[i].Data {
			n := &s.levels[i].Data[j]
			n.Intersection = spatialmath.Undefined
			n.Score = 0
			n.DisplayedPointCount = 0
		}
	}
}

// FlagVisibility classifies the cells against the camera frustum and clip planes and
// restarts the render cycle. It returns the number of visible points.
func (s *structure) FlagVisibility(cam camera.Parameters, clipPlanes []spatialmath.Plane) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentState = newRenderParams()
	if len(s.levels) == 0 || len(s.levels[0].Data) == 0 {
		return 0
	}
	s.resetVisibility()

	maxLevel := s.maxLevel()
	f := s.newFlagger(s, &cam, maxLevel)
	f.setClipPlanes(clipPlanes)
	visible := f.flag(s.root())

	s.currentState.visiblePoints = visible
	s.currentState.maxLevel = maxLevel
	return visible
}

// LastIndexMap returns the result of the last IndexMap call. It is overwritten by the
// next call.
func (s *structure) LastIndexMap() IndexSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexMap
}

// AllDisplayed returns whether every visible point was emitted in this render cycle.
func (s *structure) AllDisplayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState.displayedPoints >= s.currentState.visiblePoints
}

// Unfinished returns the level the last budget truncated along with its remaining point
// count. The level is -1 when the last call completed its level.
func (s *structure) Unfinished() (int, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState.unfinishedLevel, s.currentState.unfinishedPoints
}

// startIndexMap resets the shared index map for a call emitting at most maxCount indexes
// and returns that capacity, lowered to the configured cap.
func (s *structure) startIndexMap(maxCount uint32) uint32 {
	if limit := s.conf.MaxIndexMapSize; limit > 0 && maxCount > uint32(limit) {
		s.logger.Debugw("index map request truncated", "requested", maxCount, "cap", limit)
		maxCount = uint32(limit)
	}
	reserve := maxCount
	if left := s.currentState.visiblePoints; reserve > left {
		reserve = left
	}
	if uint32(cap(s.indexMap)) < reserve {
		s.indexMap = make(IndexSet, 0, reserve)
	}
	s.indexMap = s.indexMap[:0]
	return maxCount
}

// finishIndexMap records the progress of an index map call for level.
func (s *structure) finishIndexMap(level uint8, remaining uint32) {
	s.currentState.displayedPoints += uint32(len(s.indexMap))
	if remaining > 0 {
		s.currentState.unfinishedLevel = int(level)
		s.currentState.unfinishedPoints = remaining
	} else {
		s.currentState.unfinishedLevel = -1
		s.currentState.unfinishedPoints = 0
	}
	s.lastIndexMap = append(s.lastIndexMap[:0], s.indexMap...)
}
