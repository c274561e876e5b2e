package lod

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/config"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/spatialmath"
	"go.viam.com/pclod/vbo"
)

const testCloudSize = 4000

func lookAt(t *testing.T, eye, target r3.Vector) camera.Parameters {
	t.Helper()
	cam, err := camera.NewPerspective(eye, target, r3.Vector{Y: 1}, 60, 640, 480, 0.1, 1000)
	test.That(t, err, test.ShouldBeNil)
	return cam
}

func internalConfig() *config.Config {
	conf := config.Default()
	conf.OctreeDepth = 6
	conf.AsyncConstruction = false
	return conf
}

func buildInternal(t *testing.T, conf *config.Config, cloud pointcloud.PointCloud) *InternalLOD {
	t.Helper()
	lod := NewInternalLOD(conf, golog.NewTestLogger(t))
	test.That(t, lod.Init(context.Background(), cloud), test.ShouldBeNil)
	test.That(t, lod.Wait(context.Background()), test.ShouldBeNil)
	test.That(t, lod.IsInitialized(), test.ShouldBeTrue)
	return lod
}

func levelSizes(lod *structure) []int {
	sizes := make([]int, lod.LevelCount())
	for i := range sizes {
		sizes[i] = lod.LevelSize(uint8(i))
	}
	return sizes
}

// parents maps every node to its parent, level by level.
func parents(lod *structure) [][]*Node {
	out := make([][]*Node, len(lod.levels))
	for level := range lod.levels {
		out[level] = make([]*Node, len(lod.levels[level].Data))
	}
	for level := 0; level+1 < len(lod.levels); level++ {
		for i := range lod.levels[level].Data {
			n := &lod.levels[level].Data[i]
			for _, c := range n.ChildIndexes {
				if c != NoChild {
					out[level+1][c] = n
				}
			}
		}
	}
	return out
}

// drain requests every level until nothing is left and returns the emitted indexes.
func drain(t *testing.T, lod LOD, budget uint32) []uint32 {
	t.Helper()
	var all []uint32
	for level := 0; level <= int(lod.MaxLevel()); level++ {
		for calls := 0; ; calls++ {
			test.That(t, calls, test.ShouldBeLessThan, 1000)
			indexes, remaining := lod.IndexMap(uint8(level), budget)
			all = append(all, indexes...)
			if remaining == 0 {
				break
			}
		}
	}
	return all
}

func TestInternalConstruction(t *testing.T) {
	cloud := pointcloud.MakeTestPointCloud(testCloudSize, 10, 1)
	lod := buildInternal(t, internalConfig(), cloud)

	test.That(t, lod.LevelCount(), test.ShouldBeGreaterThan, 2)
	test.That(t, lod.MaxLevel(), test.ShouldEqual, uint8(lod.LevelCount()-1))
	test.That(t, lod.Root().PointCount, test.ShouldEqual, uint32(testCloudSize))

	links := parents(&lod.structure)
	for level := range lod.levels {
		for i := range lod.levels[level].Data {
			n := &lod.levels[level].Data[i]
			test.That(t, n.PointCount, test.ShouldBeGreaterThan, 0)
			test.That(t, n.Level, test.ShouldEqual, uint8(level))
			if level > 0 {
				// a single parent, whose sphere holds the child sphere
				p := links[level][i]
				test.That(t, p, test.ShouldNotBeNil)
				test.That(t, n.Center.Sub(p.Center).Norm()+n.Radius, test.ShouldBeLessThanOrEqualTo, p.Radius+1e-9)
			}
			if n.IsLeaf() {
				continue
			}
			test.That(t, n.PointCount, test.ShouldBeGreaterThan, lod.conf.LeafCapacity)
			var sum uint32
			for k := range n.ChildIndexes {
				if c := lod.child(n, k); c != nil {
					test.That(t, c.FirstCodeIndex, test.ShouldBeGreaterThanOrEqualTo, n.FirstCodeIndex)
					sum += c.PointCount
				}
			}
			test.That(t, sum, test.ShouldEqual, n.PointCount)
		}
	}

	t.Run("init is a no-op once initialized", func(t *testing.T) {
		sizes := levelSizes(&lod.structure)
		test.That(t, lod.Init(context.Background(), pointcloud.MakeTestPointCloud(10, 1, 2)), test.ShouldBeNil)
		test.That(t, levelSizes(&lod.structure), test.ShouldResemble, sizes)
	})

	t.Run("clear then init gives the same tree", func(t *testing.T) {
		sizes := levelSizes(&lod.structure)
		lod.Clear()
		test.That(t, lod.IsNull(), test.ShouldBeTrue)
		test.That(t, lod.LevelCount(), test.ShouldEqual, 0)
		test.That(t, lod.MaxLevel(), test.ShouldEqual, uint8(0))
		test.That(t, lod.Memory(), test.ShouldEqual, 0)
		test.That(t, lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), nil), test.ShouldEqual, 0)

		test.That(t, lod.Init(context.Background(), cloud), test.ShouldBeNil)
		test.That(t, lod.IsInitialized(), test.ShouldBeTrue)
		test.That(t, levelSizes(&lod.structure), test.ShouldResemble, sizes)
	})
}

func TestInternalAsyncConstruction(t *testing.T) {
	cloud := pointcloud.MakeTestPointCloud(testCloudSize, 10, 1)
	sync := buildInternal(t, internalConfig(), cloud)

	conf := internalConfig()
	conf.AsyncConstruction = true
	lod := NewInternalLOD(conf, golog.NewTestLogger(t))
	test.That(t, lod.Init(context.Background(), cloud), test.ShouldBeNil)
	test.That(t, lod.IsNull(), test.ShouldBeFalse)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	test.That(t, lod.Wait(ctx), test.ShouldBeNil)
	test.That(t, lod.IsInitialized(), test.ShouldBeTrue)
	test.That(t, levelSizes(&lod.structure), test.ShouldResemble, levelSizes(&sync.structure))

	t.Run("clear while under construction", func(t *testing.T) {
		big := pointcloud.MakeTestPointCloud(200000, 10, 3)
		other := NewInternalLOD(conf, golog.NewTestLogger(t))
		test.That(t, other.Init(context.Background(), big), test.ShouldBeNil)
		// frames keep working whatever was committed so far
		other.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), nil)
		other.IndexMap(other.MaxLevel(), 1000)
		other.Clear()
		test.That(t, other.IsNull(), test.ShouldBeTrue)
		test.That(t, other.LevelCount(), test.ShouldEqual, 0)
		test.That(t, other.Wait(ctx), test.ShouldBeNil)
	})
}

func TestInternalBroken(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("empty cloud", func(t *testing.T) {
		lod := NewInternalLOD(internalConfig(), logger)
		err := lod.Init(context.Background(), pointcloud.New())
		test.That(t, errors.Is(err, ErrMalformedCloud), test.ShouldBeTrue)
		test.That(t, lod.IsBroken(), test.ShouldBeTrue)
		lod.Clear()
		test.That(t, lod.IsNull(), test.ShouldBeTrue)
	})

	t.Run("out of memory keeps the committed levels", func(t *testing.T) {
		conf := internalConfig()
		conf.MaxNodeMemoryBytes = int64(20 * nodeSize)
		cloud := pointcloud.MakeTestPointCloud(testCloudSize, 10, 1)
		lod := NewInternalLOD(conf, logger)
		err := lod.Init(context.Background(), cloud)
		test.That(t, errors.Is(err, ErrOutOfMemory), test.ShouldBeTrue)
		test.That(t, lod.IsBroken(), test.ShouldBeTrue)
		test.That(t, lod.LevelCount(), test.ShouldEqual, 2)
		test.That(t, lod.LevelSize(1), test.ShouldEqual, 8)
		for i := int32(0); i < 8; i++ {
			test.That(t, lod.Node(i, 1).IsLeaf(), test.ShouldBeTrue)
		}

		// degraded rendering still covers the whole cloud
		visible := lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), nil)
		test.That(t, visible, test.ShouldEqual, uint32(testCloudSize))
		indexes := drain(t, lod, 700)
		test.That(t, len(indexes), test.ShouldEqual, testCloudSize)
		test.That(t, lod.AllDisplayed(), test.ShouldBeTrue)
	})
}

func TestInternalVisibility(t *testing.T) {
	cloud := pointcloud.MakeTestPointCloud(testCloudSize, 10, 1)
	lod := buildInternal(t, internalConfig(), cloud)

	t.Run("whole cloud in sight", func(t *testing.T) {
		visible := lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), nil)
		test.That(t, visible, test.ShouldEqual, uint32(testCloudSize))
		for level := range lod.levels {
			for _, n := range lod.levels[level].Data {
				test.That(t, n.Intersection, test.ShouldEqual, spatialmath.Inside)
			}
		}
	})

	t.Run("whole cloud behind the camera", func(t *testing.T) {
		visible := lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{Z: 60}), nil)
		test.That(t, visible, test.ShouldEqual, 0)
		test.That(t, lod.Root().Intersection, test.ShouldEqual, spatialmath.Outside)
		for _, budget := range []uint32{0, 10, 1 << 20} {
			indexes, remaining := lod.IndexMap(lod.MaxLevel(), budget)
			test.That(t, indexes, test.ShouldBeEmpty)
			test.That(t, remaining, test.ShouldEqual, 0)
		}
		test.That(t, lod.AllDisplayed(), test.ShouldBeTrue)
	})

	t.Run("partially in sight", func(t *testing.T) {
		visible := lod.FlagVisibility(lookAt(t, r3.Vector{X: 6, Z: 12}, r3.Vector{X: 6}), nil)
		test.That(t, visible, test.ShouldBeGreaterThan, 0)
		test.That(t, visible, test.ShouldBeLessThan, uint32(testCloudSize))
		test.That(t, lod.Root().Intersection, test.ShouldEqual, spatialmath.Intersecting)
		checkFlags(t, lod, visible)
	})

	t.Run("clip planes", func(t *testing.T) {
		plane, err := spatialmath.NewPlane(r3.Vector{X: 1}, r3.Vector{})
		test.That(t, err, test.ShouldBeNil)
		visible := lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), []spatialmath.Plane{plane})
		test.That(t, visible, test.ShouldBeGreaterThan, uint32(testCloudSize/4))
		test.That(t, visible, test.ShouldBeLessThan, uint32(3*testCloudSize/4))
		checkFlags(t, lod, visible)
		for level := range lod.levels {
			for _, n := range lod.levels[level].Data {
				if n.Center.X+n.Radius*1.02 < 0 {
					test.That(t, n.Intersection.Visible(), test.ShouldBeFalse)
				}
			}
		}

		behind, err := spatialmath.NewPlane(r3.Vector{Z: 1}, r3.Vector{Z: 100})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lod.FlagVisibility(lookAt(t, r3.Vector{Z: 30}, r3.Vector{}), []spatialmath.Plane{behind}), test.ShouldEqual, 0)
	})
}

// checkFlags verifies the flags of the last visibility pass: Inside spreads to whole
// subtrees, the visible count adds up, and no point of an Outside cell is ever emitted.
func checkFlags(t *testing.T, lod *InternalLOD, visible uint32) {
	t.Helper()
	links := parents(&lod.structure)
	maxLevel := lod.MaxLevel()
	var sum uint32
	for level := range lod.levels {
		for i := range lod.levels[level].Data {
			n := &lod.levels[level].Data[i]
			parentInside := level > 0 && links[level][i].Intersection == spatialmath.Inside
			if parentInside {
				test.That(t, n.Intersection, test.ShouldEqual, spatialmath.Inside)
			}
			switch {
			case n.Intersection == spatialmath.Inside && !parentInside:
				sum += n.PointCount
			case n.Intersection == spatialmath.Intersecting && (n.IsLeaf() || n.Level == maxLevel):
				sum += n.PointCount
			}
		}
	}
	test.That(t, sum, test.ShouldEqual, visible)

	hidden := map[uint32]bool{}
	for level := range lod.levels {
		for _, n := range lod.levels[level].Data {
			if n.Intersection != spatialmath.Outside {
				continue
			}
			for i := uint32(0); i < n.PointCount; i++ {
				hidden[lod.octree.PointIndex(n.FirstCodeIndex+i)] = true
			}
		}
	}
	test.That(t, len(hidden), test.ShouldBeGreaterThan, 0)

	indexes := drain(t, lod, 333)
	test.That(t, len(indexes), test.ShouldEqual, int(visible))
	for _, i := range indexes {
		test.That(t, hidden[i], test.ShouldBeFalse)
	}
	test.That(t, lod.AllDisplayed(), test.ShouldBeTrue)
}

func TestInternalIndexMap(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("single leaf", func(t *testing.T) {
		conf := internalConfig()
		conf.LeafCapacity = 100
		lod := NewInternalLOD(conf, logger)
		test.That(t, lod.Init(context.Background(), pointcloud.MakeTestPointCloud(100, 1, 4)), test.ShouldBeNil)
		test.That(t, lod.LevelCount(), test.ShouldEqual, 1)
		test.That(t, lod.FlagVisibility(lookAt(t, r3.Vector{Z: 10}, r3.Vector{}), nil), test.ShouldEqual, 100)

		first, remaining := lod.IndexMap(0, 50)
		test.That(t, len(first), test.ShouldEqual, 50)
		test.That(t, remaining, test.ShouldEqual, 50)
		level, points := lod.Unfinished()
		test.That(t, level, test.ShouldEqual, 0)
		test.That(t, points, test.ShouldEqual, 50)
		test.That(t, lod.AllDisplayed(), test.ShouldBeFalse)
		seen := map[uint32]bool{}
		for _, i := range first {
			seen[i] = true
		}

		second, remaining := lod.IndexMap(0, 50)
		test.That(t, len(second), test.ShouldEqual, 50)
		test.That(t, remaining, test.ShouldEqual, 0)
		test.That(t, lod.LastIndexMap(), test.ShouldResemble, second)
		for _, i := range second {
			test.That(t, seen[i], test.ShouldBeFalse)
			seen[i] = true
		}
		test.That(t, len(seen), test.ShouldEqual, 100)
		test.That(t, lod.AllDisplayed(), test.ShouldBeTrue)
		level, _ = lod.Unfinished()
		test.That(t, level, test.ShouldEqual, -1)

		// completed levels stay complete
		third, remaining := lod.IndexMap(0, 50)
		test.That(t, third, test.ShouldBeEmpty)
		test.That(t, remaining, test.ShouldEqual, 0)

		// moving the camera restarts the cycle
		lod.FlagVisibility(lookAt(t, r3.Vector{Z: 11}, r3.Vector{}), nil)
		again, _ := lod.IndexMap(0, 100)
		test.That(t, len(again), test.ShouldEqual, 100)
	})

	cloud := pointcloud.MakeTestPointCloud(testCloudSize, 10, 1)
	lod := buildInternal(t, internalConfig(), cloud)
	cam := lookAt(t, r3.Vector{Z: 30}, r3.Vector{})

	t.Run("coarse levels spread over the visible cells", func(t *testing.T) {
		lod.FlagVisibility(cam, nil)
		indexes, remaining := lod.IndexMap(1, 10000)
		test.That(t, remaining, test.ShouldEqual, 0)
		test.That(t, len(indexes), test.ShouldEqual, 8*int(lod.conf.LeafCapacity))
		for i := int32(0); i < int32(lod.LevelSize(1)); i++ {
			test.That(t, lod.Node(i, 1).DisplayedPointCount, test.ShouldEqual, lod.conf.LeafCapacity)
		}
		test.That(t, lod.Root().DisplayedPointCount, test.ShouldEqual, uint32(len(indexes)))
	})

	t.Run("progressive refinement", func(t *testing.T) {
		lod.FlagVisibility(cam, nil)
		indexes := drain(t, lod, 250)
		test.That(t, len(indexes), test.ShouldEqual, testCloudSize)
		seen := map[uint32]bool{}
		for _, i := range indexes {
			test.That(t, seen[i], test.ShouldBeFalse)
			seen[i] = true
		}
		test.That(t, lod.AllDisplayed(), test.ShouldBeTrue)
		for level := uint8(0); level <= lod.MaxLevel(); level++ {
			more, remaining := lod.IndexMap(level, 250)
			test.That(t, more, test.ShouldBeEmpty)
			test.That(t, remaining, test.ShouldEqual, 0)
		}
	})

	t.Run("larger budgets extend smaller ones", func(t *testing.T) {
		for _, level := range []uint8{1, 2, lod.MaxLevel()} {
			lod.FlagVisibility(cam, nil)
			small, _ := lod.IndexMap(level, 100)
			small = append([]uint32(nil), small...)
			more, _ := lod.IndexMap(level, 150)
			cumulative := append(append([]uint32(nil), small...), more...)

			seen := map[uint32]bool{}
			for _, i := range cumulative {
				test.That(t, seen[i], test.ShouldBeFalse)
				seen[i] = true
			}

			lod.FlagVisibility(cam, nil)
			large, _ := lod.IndexMap(level, 250)
			test.That(t, len(large), test.ShouldEqual, len(cumulative))
			test.That(t, large[:len(small)], test.ShouldResemble, IndexSet(small))
		}
	})

	t.Run("capped index map", func(t *testing.T) {
		conf := internalConfig()
		conf.MaxIndexMapSize = 10
		capped := buildInternal(t, conf, cloud)
		capped.FlagVisibility(cam, nil)
		indexes, remaining := capped.IndexMap(capped.MaxLevel(), 1000)
		test.That(t, len(indexes), test.ShouldEqual, 10)
		test.That(t, remaining, test.ShouldBeGreaterThan, 0)
	})

	t.Run("no buffers", func(t *testing.T) {
		display := vbo.NewDisplay("main")
		lod.ReleaseVBOs(display)
		test.That(t, lod.UpdateVBOs(cloud, display, vbo.DrawContext{Frame: 1}, vbo.Params{}), test.ShouldBeFalse)
		test.That(t, lod.RenderVBOs(cloud, vbo.DrawContext{Frame: 1}, vbo.Params{}), test.ShouldBeFalse)
	})
}
