package pointcloud

import (
	"math/rand"

	"github.com/golang/geo/r3"
)

// MakeTestPointCloud creates a cloud of n points uniformly spread inside the axis aligned
// cube of the given side centered on the origin. The generator is seeded so the same
// arguments always give the same cloud.
func MakeTestPointCloud(n int, side float64, seed int64) *BasicPointCloud {
	//nolint:gosec
	r := rand.New(rand.NewSource(seed))
	cloud := NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		p := r3.Vector{
			X: (r.Float64() - 0.5) * side,
			Y: (r.Float64() - 0.5) * side,
			Z: (r.Float64() - 0.5) * side,
		}
		if err := cloud.Append(p); err != nil {
			return nil
		}
	}
	return cloud
}
