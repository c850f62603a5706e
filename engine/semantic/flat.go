package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
)

// FlatIndex is an exact in-memory L2 index. It always returns k hits,
// padding with NoMatch at math.MaxFloat32 when it holds fewer than k vectors.
type FlatIndex struct {
	dims int
	data []float32 // row-major, len = n*dims
}

// NewFlatIndex returns an empty index for vectors of length dims.
func NewFlatIndex(dims int) (*FlatIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("semantic: invalid dimensions %d", dims)
	}
	return &FlatIndex{dims: dims}, nil
}

// Add appends vectors; the first gets ID Len() before the call.
func (f *FlatIndex) Add(vecs ...[]float32) error {
	for _, v := range vecs {
		if len(v) != f.dims {
			return &domain.DimensionError{Want: f.dims, Got: len(v)}
		}
	}
	for _, v := range vecs {
		f.data = append(f.data, v...)
	}
	return nil
}

func (f *FlatIndex) Len() int        { return len(f.data) / f.dims }
func (f *FlatIndex) Dimensions() int { return f.dims }

// Vector returns a copy of the stored vector with the given ID.
func (f *FlatIndex) Vector(id int64) ([]float32, bool) {
	if id < 0 || int(id) >= f.Len() {
		return nil, false
	}
	row := f.data[int(id)*f.dims : int(id+1)*f.dims]
	return append([]float32(nil), row...), true
}

// Search scans every vector. Ties are broken by lower ID.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != f.dims {
		return nil, &domain.DimensionError{Want: f.dims, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := f.Len()
	all := make([]Hit, n)
	for i := 0; i < n; i++ {
		all[i] = Hit{Distance: l2sq(query, f.data[i*f.dims:(i+1)*f.dims]), ID: int64(i)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].ID < all[j].ID
	})

	out := make([]Hit, k)
	for i := range out {
		if i < n {
			out[i] = all[i]
		} else {
			out[i] = Hit{Distance: math.MaxFloat32, ID: NoMatch}
		}
	}
	return out, nil
}

func l2sq(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
