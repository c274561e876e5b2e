package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/pclod/camera"
	"go.viam.com/pclod/config"
	"go.viam.com/pclod/lod"
	"go.viam.com/pclod/pointcloud"
	"go.viam.com/pclod/vbo"
)

// benchParams describes a benchmark run.
type benchParams struct {
	Points       int
	Side         float64
	Seed         int64
	Frames       int
	Distance     float64
	NestedDepth  int
	CellPoints   int
	SkipInternal bool
	SkipNested   bool
}

// frameStats is what a LOD drew over a run.
type frameStats struct {
	name      string
	build     time.Duration
	frames    []float64 // milliseconds
	emitted   []uint32  // per level, all frames
	visible   uint64
	drawn     uint64
	complete  int
	memory    int
	vboMemory int64
	levels    []int
}

type bench struct {
	params benchParams
	conf   *config.Config
	clk    clock.Clock
	logger golog.Logger
	out    io.Writer
}

func (b *bench) run(ctx context.Context) error {
	var results []frameStats
	if !b.params.SkipInternal {
		res, err := b.runInternal(ctx)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	if !b.params.SkipNested {
		res, err := b.runNested(ctx)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	for _, res := range results {
		if err := b.report(res); err != nil {
			return err
		}
	}
	return nil
}

func (b *bench) runInternal(ctx context.Context) (frameStats, error) {
	cloud := pointcloud.MakeTestPointCloud(b.params.Points, b.params.Side, b.params.Seed)
	if cloud == nil {
		return frameStats{}, errors.New("cannot generate the cloud")
	}
	structure := lod.NewInternalLOD(b.conf, b.logger)
	defer structure.Clear()

	start := b.clk.Now()
	if err := structure.Init(ctx, cloud); err != nil {
		return frameStats{}, errors.Wrap(err, "building internal lod")
	}
	if err := structure.Wait(ctx); err != nil {
		return frameStats{}, err
	}
	if structure.IsBroken() {
		return frameStats{}, errors.New("internal lod construction failed")
	}
	res := frameStats{name: "internal", build: b.clk.Since(start)}
	b.logger.Infow("internal lod built", "points", cloud.Size(), "levels", structure.LevelCount(), "took", res.build)

	err := b.frames(&res, structure, cloud.MetaData().Center(), nil)
	return res, err
}

func (b *bench) runNested(ctx context.Context) (frameStats, error) {
	levels, cloud, err := syntheticNested(b.params.NestedDepth, b.params.CellPoints, b.params.Side, b.params.Seed)
	if err != nil {
		return frameStats{}, err
	}
	device := vbo.NewMemoryDevice(0)
	pool := vbo.NewPool(device, b.conf.VBOMemoryBudgetBytes, b.logger)
	structure := lod.NewNestedLOD(levels, b.conf, pool, b.logger)
	defer structure.Clear()

	start := b.clk.Now()
	if err := structure.Init(ctx, cloud); err != nil {
		return frameStats{}, errors.Wrap(err, "loading nested lod")
	}
	res := frameStats{name: "nested", build: b.clk.Since(start)}

	display := vbo.NewDisplay("lodbench")
	defer structure.ReleaseVBOs(display)
	err = b.frames(&res, structure, r3.Vector{}, func(frame uint64) {
		drawCtx := vbo.DrawContext{Frame: frame}
		if !structure.UpdateVBOs(cloud, display, drawCtx, vbo.Params{}) {
			b.logger.Debugw("some cells could not be uploaded", "frame", frame)
		}
		structure.RenderVBOs(cloud, drawCtx, vbo.Params{})
	})
	res.vboMemory = pool.Used()
	return res, err
}

// frames orbits the camera around center and runs a full render cycle per frame.
func (b *bench) frames(res *frameStats, structure lod.LOD, center r3.Vector, draw func(frame uint64)) error {
	maxLevel := structure.MaxLevel()
	res.emitted = make([]uint32, int(maxLevel)+1)
	for f := 0; f < b.params.Frames; f++ {
		angle := 2 * math.Pi * float64(f) / float64(b.params.Frames)
		eye := center.Add(r3.Vector{
			X: b.params.Distance * math.Cos(angle),
			Y: b.params.Distance * 0.3,
			Z: b.params.Distance * math.Sin(angle),
		})
		cam, err := camera.NewPerspective(eye, center, r3.Vector{Y: 1}, 50, 1280, 720, 0.1, 10*b.params.Distance)
		if err != nil {
			return err
		}

		start := b.clk.Now()
		visible := structure.FlagVisibility(cam, nil)
		budget := b.conf.PointBudget
		for level := uint8(0); level <= maxLevel && budget > 0; level++ {
			indexes, _ := structure.IndexMap(level, budget)
			budget -= uint32(len(indexes))
			res.emitted[level] += uint32(len(indexes))
			res.drawn += uint64(len(indexes))
		}
		if draw != nil {
			draw(uint64(f + 1))
		}
		res.frames = append(res.frames, float64(b.clk.Since(start))/float64(time.Millisecond))
		res.visible += uint64(visible)
		if structure.AllDisplayed() {
			res.complete++
		}
	}
	res.memory = structure.Memory()
	res.levels = make([]int, int(maxLevel)+1)
	if s, ok := structure.(interface{ LevelSize(uint8) int }); ok {
		for i := range res.levels {
			res.levels[i] = s.LevelSize(uint8(i))
		}
	}
	return nil
}

func (b *bench) report(res frameStats) error {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s lod (built in %s)", res.name, res.build))
	t.AppendHeader(table.Row{"Level", "Cells", "Emitted points"})
	for level, cells := range res.levels {
		t.AppendRow(table.Row{level, cells, res.emitted[level]})
	}
	t.AppendFooter(table.Row{"", "Memory", units.BytesSize(float64(res.memory))})
	if _, err := fmt.Fprintln(b.out, t.Render()); err != nil {
		return err
	}

	if len(res.frames) == 0 {
		return nil
	}
	mean, err := stats.Mean(res.frames)
	if err != nil {
		return err
	}
	p50, err := stats.Percentile(res.frames, 50)
	if err != nil {
		return err
	}
	p90, err := stats.Percentile(res.frames, 90)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(b.out,
		"%d frames, %d complete, %d/%d points drawn, frame time mean %.2fms p50 %.2fms p90 %.2fms, buffers %s\n",
		len(res.frames), res.complete, res.drawn, res.visible, mean, p50, p90, units.BytesSize(float64(res.vboMemory)))
	return err
}

// syntheticNested generates an additive hierarchy of cubes of the given side: every cell
// down to depth owns cellPoints points spread in its cube, stored contiguously in the
// returned cloud.
func syntheticNested(depth, cellPoints int, side float64, seed int64) ([]lod.Level, *pointcloud.BasicPointCloud, error) {
	if depth < 1 || depth > 6 {
		return nil, nil, errors.Errorf("nested depth must be in [1, 6], got %d", depth)
	}
	if cellPoints <= 0 {
		return nil, nil, errors.Errorf("cell points must be positive, got %d", cellPoints)
	}
	//nolint:gosec
	r := rand.New(rand.NewSource(seed))
	cloud := pointcloud.New()
	levels := make([]lod.Level, depth)

	var fill func(level int, center r3.Vector, half float64) (int32, error)
	fill = func(level int, center r3.Vector, half float64) (int32, error) {
		n := lod.NewNode(uint8(level))
		n.Center = center
		n.Radius = half * math.Sqrt(3)
		n.FirstCodeIndex = uint32(cloud.Size())
		n.PointCount = uint32(cellPoints)
		for i := 0; i < cellPoints; i++ {
			p := center.Add(r3.Vector{
				X: (2*r.Float64() - 1) * half,
				Y: (2*r.Float64() - 1) * half,
				Z: (2*r.Float64() - 1) * half,
			})
			if err := cloud.Append(p); err != nil {
				return lod.NoChild, err
			}
		}
		index := int32(len(levels[level].Data))
		levels[level].Data = append(levels[level].Data, n)
		if level+1 == depth {
			return index, nil
		}
		for k := 0; k < 8; k++ {
			offset := r3.Vector{X: -half / 2, Y: -half / 2, Z: -half / 2}
			if k&1 != 0 {
				offset.X = half / 2
			}
			if k&2 != 0 {
				offset.Y = half / 2
			}
			if k&4 != 0 {
				offset.Z = half / 2
			}
			child, err := fill(level+1, center.Add(offset), half/2)
			if err != nil {
				return lod.NoChild, err
			}
			levels[level].Data[index].ChildIndexes[k] = child
			levels[level].Data[index].ChildCount++
		}
		return index, nil
	}
	if _, err := fill(0, r3.Vector{}, side/2); err != nil {
		return nil, nil, err
	}
	return levels, cloud, nil
}
