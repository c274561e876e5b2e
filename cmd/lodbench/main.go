// Package main builds LOD structures over synthetic clouds and simulates progressive
// frames around them, reporting what each level drew and how long frames took.
package main

import (
	"log"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"go.viam.com/pclod/config"
)

const (
	flagConfig      = "config"
	flagDebug       = "debug"
	flagPoints      = "points"
	flagSide        = "side"
	flagSeed        = "seed"
	flagFrames      = "frames"
	flagDistance    = "distance"
	flagBudget      = "budget"
	flagNestedDepth = "nested-depth"
	flagCellPoints  = "cell-points"
	flagOnly        = "only"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	var logger golog.Logger

	return &cli.App{
		Name:  "lodbench",
		Usage: "simulate progressive point cloud rendering",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load the LOD configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.IntFlag{
				Name:  flagPoints,
				Value: 200000,
				Usage: "number of points of the internal LOD cloud",
			},
			&cli.Float64Flag{
				Name:  flagSide,
				Value: 20,
				Usage: "side of the cube the clouds fill",
			},
			&cli.Int64Flag{
				Name:  flagSeed,
				Value: 1,
				Usage: "random seed of the clouds",
			},
			&cli.IntFlag{
				Name:  flagFrames,
				Value: 30,
				Usage: "number of frames to simulate",
			},
			&cli.Float64Flag{
				Name:  flagDistance,
				Value: 40,
				Usage: "distance from the camera to the cloud center",
			},
			&cli.UintFlag{
				Name:  flagBudget,
				Usage: "point budget per frame, overriding the configuration",
			},
			&cli.IntFlag{
				Name:  flagNestedDepth,
				Value: 4,
				Usage: "number of levels of the nested LOD",
			},
			&cli.IntFlag{
				Name:  flagCellPoints,
				Value: 200,
				Usage: "points owned by each cell of the nested LOD",
			},
			&cli.StringFlag{
				Name:  flagOnly,
				Usage: "run a single structure (internal or nested)",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("lodbench")
			} else {
				logger = zap.NewNop().Sugar()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			conf := config.Default()
			if path := c.String(flagConfig); path != "" {
				var err error
				if conf, err = config.Read(c.Context, path, logger); err != nil {
					return err
				}
			}
			if budget := c.Uint(flagBudget); budget > 0 {
				conf.PointBudget = uint32(budget)
			}
			only := c.String(flagOnly)
			if only != "" && only != "internal" && only != "nested" {
				return cli.Exit("--only must be internal or nested", 1)
			}

			b := &bench{
				params: benchParams{
					Points:       c.Int(flagPoints),
					Side:         c.Float64(flagSide),
					Seed:         c.Int64(flagSeed),
					Frames:       c.Int(flagFrames),
					Distance:     c.Float64(flagDistance),
					NestedDepth:  c.Int(flagNestedDepth),
					CellPoints:   c.Int(flagCellPoints),
					SkipInternal: only == "nested",
					SkipNested:   only == "internal",
				},
				conf:   conf,
				clk:    clock.New(),
				logger: logger,
				out:    c.App.Writer,
			}
			return b.run(c.Context)
		},
	}
}
