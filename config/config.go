// Package config defines how the LOD structures are tuned: point budgets, construction
// limits, visibility thresholds and memory caps. A Config can be read from a JSON file
// (with environment variable substitution) or decoded from a loose attribute map.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/pclod/octree"
)

// Default values of a Config.
const (
	DefaultPointBudget       = 1_000_000
	DefaultLeafCapacity      = 16
	DefaultMinPixelFootprint = 75.0
	DefaultMinLevel          = 1
	DefaultBoundingEpsilon   = 0.01
	DefaultVBOMemoryBudget   = 512 * units.MiB
)

// A Config describes how a LOD structure is built and rendered.
type Config struct {
	// PointBudget is the number of point indexes emitted per frame.
	PointBudget uint32 `json:"point_budget"`
	// LeafCapacity is the point count above which a cell of the internal structure is split.
	LeafCapacity uint32 `json:"leaf_capacity"`
	// OctreeDepth is the depth of the octree the internal structure is built on.
	OctreeDepth uint8 `json:"octree_depth"`
	// MinPixelFootprint is the projected radius below which a nested cell is not rendered.
	MinPixelFootprint float64 `json:"min_pixel_footprint"`
	// MinLevel is the deepest level always eligible whatever its footprint.
	MinLevel uint8 `json:"min_level"`
	// BoundingEpsilon enlarges bounding spheres (relative to their radius) before culling.
	BoundingEpsilon float64 `json:"bounding_epsilon"`
	// MaxNodeMemoryBytes caps the node arrays. 0 means unlimited.
	MaxNodeMemoryBytes int64 `json:"max_node_memory_bytes"`
	// MaxIndexMapSize caps the number of indexes a single index map may hold. 0 means unlimited.
	MaxIndexMapSize int `json:"max_index_map_size"`
	// VBOMemoryBudgetBytes caps the device memory held by node buffers. 0 means unlimited.
	VBOMemoryBudgetBytes int64 `json:"vbo_memory_budget_bytes"`
	// AsyncConstruction builds the internal structure on a background worker.
	AsyncConstruction bool `json:"async_construction"`
}

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		PointBudget:          DefaultPointBudget,
		LeafCapacity:         DefaultLeafCapacity,
		OctreeDepth:          octree.DefaultDepth,
		MinPixelFootprint:    DefaultMinPixelFootprint,
		MinLevel:             DefaultMinLevel,
		BoundingEpsilon:      DefaultBoundingEpsilon,
		VBOMemoryBudgetBytes: DefaultVBOMemoryBudget,
		AsyncConstruction:    true,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.PointBudget == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "point_budget")
	}
	if conf.LeafCapacity == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "leaf_capacity")
	}
	if conf.OctreeDepth == 0 || conf.OctreeDepth > octree.MaxDepth {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("octree_depth must be in [1, %d], got %d", octree.MaxDepth, conf.OctreeDepth))
	}
	if conf.MinPixelFootprint < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("min_pixel_footprint cannot be negative, got %v", conf.MinPixelFootprint))
	}
	if conf.BoundingEpsilon < 0 || conf.BoundingEpsilon >= 1 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("bounding_epsilon must be in [0, 1), got %v", conf.BoundingEpsilon))
	}
	if conf.MaxNodeMemoryBytes < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_node_memory_bytes cannot be negative"))
	}
	if conf.MaxIndexMapSize < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_index_map_size cannot be negative"))
	}
	if conf.VBOMemoryBudgetBytes < 0 {
		return goutils.NewConfigValidationError(path, errors.New("vbo_memory_budget_bytes cannot be negative"))
	}
	return nil
}

// Read reads a config from the given file. Environment variables referenced in the file
// are substituted first.
func Read(ctx context.Context, filePath string, logger golog.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies where, if applicable,
// the file the reader originated from. Omitted fields keep their default value.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger golog.Logger) (*Config, error) {
	conf := Default()
	if err := json.NewDecoder(r).Decode(conf); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	if err := conf.Validate("lod"); err != nil {
		return nil, err
	}
	logger.Debugw("read lod config",
		"path", originalPath,
		"point_budget", conf.PointBudget,
		"vbo_budget", units.BytesSize(float64(conf.VBOMemoryBudgetBytes)),
	)
	return conf, nil
}

// FromAttributes decodes a config out of an attribute map, such as the one of a larger JSON
// document. Omitted fields keep their default value.
func FromAttributes(attrs map[string]interface{}) (*Config, error) {
	conf := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: conf})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "failed to decode lod attributes")
	}
	if err := conf.Validate("lod"); err != nil {
		return nil, err
	}
	return conf, nil
}
