package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// BasicPointCloud is the basic implementation of the PointCloud interface backed by
// a slice of points. It only grows: points are never removed so that their indexes stay
// valid for any structure built on top of the cloud.
type BasicPointCloud struct {
	points []r3.Vector
	meta   MetaData
}

// New returns an empty BasicPointCloud.
func New() *BasicPointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated BasicPointCloud.
func NewWithPrealloc(size int) *BasicPointCloud {
	return &BasicPointCloud{
		points: make([]r3.Vector, 0, size),
		meta:   NewMetaData(),
	}
}

// NewFromPoints returns a BasicPointCloud holding the given points, in order.
func NewFromPoints(points []r3.Vector) (*BasicPointCloud, error) {
	cloud := NewWithPrealloc(len(points))
	for _, p := range points {
		if err := cloud.Append(p); err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

// Size returns the number of points.
func (cloud *BasicPointCloud) Size() int {
	return len(cloud.points)
}

// Point returns the i-th point.
func (cloud *BasicPointCloud) Point(i int) r3.Vector {
	return cloud.points[i]
}

// MetaData returns the bounding meta data of the cloud.
func (cloud *BasicPointCloud) MetaData() MetaData {
	return cloud.meta
}

// Append validates that the point has finite coordinates before adding it at the end of
// the cloud.
func (cloud *BasicPointCloud) Append(p r3.Vector) error {
	if err := validatePoint(p); err != nil {
		return err
	}
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
	return nil
}

// Iterate calls fn for each point, optionally restricted to one batch out of numBatches.
func (cloud *BasicPointCloud) Iterate(numBatches, myBatch int, fn func(i int, p r3.Vector) bool) {
	lowerBound, upperBound := 0, len(cloud.points)
	if numBatches > 0 {
		lowerBound, upperBound = BatchBounds(len(cloud.points), numBatches, myBatch)
	}
	for i := lowerBound; i < upperBound; i++ {
		if !fn(i, cloud.points[i]) {
			return
		}
	}
}

// BatchBounds returns the [lower, upper) index range of batch myBatch when size items are
// split into numBatches contiguous batches.
func BatchBounds(size, numBatches, myBatch int) (int, int) {
	batchSize := (size + numBatches - 1) / numBatches
	lowerBound := batchSize * myBatch
	upperBound := lowerBound + batchSize
	if lowerBound > size {
		lowerBound = size
	}
	if upperBound > size {
		upperBound = size
	}
	return lowerBound, upperBound
}

func validatePoint(p r3.Vector) error {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) {
		return errors.Errorf("x component (%v) is not a finite number", p.X)
	}
	if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return errors.Errorf("y component (%v) is not a finite number", p.Y)
	}
	if math.IsNaN(p.Z) || math.IsInf(p.Z, 0) {
		return errors.Errorf("z component (%v) is not a finite number", p.Z)
	}
	return nil
}
