// Package vector provides the small amount of float32 linear algebra the
// harness needs: cosine similarity, norms, differences, scaling, and
// projection. Activations are opaque fixed-width vectors; nothing here
// interprets individual dimensions.
package vector

import (
	"fmt"
	"math"
)

// Cosine calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
// Zero-magnitude inputs yield 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Norm returns the Euclidean norm.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// Diff returns a-b as a new slice.
func Diff(a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out, nil
}

// Add returns a+b as a new slice.
func Add(a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out, nil
}

// Scale returns v*s as a new slice.
func Scale(v []float32, s float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * s)
	}
	return out
}

// Normalize returns v scaled to unit norm. A zero vector is returned
// unchanged rather than dividing by zero.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	return Scale(v, 1/n)
}

// Mean returns the elementwise mean of a non-empty set of equal-length
// vectors.
func Mean(vs [][]float32) ([]float32, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("mean of empty vector set")
	}
	dim := len(vs[0])
	acc := make([]float64, dim)
	for _, v := range vs {
		if len(v) != dim {
			return nil, fmt.Errorf("vectors must have the same length: %d != %d", len(v), dim)
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vs))
	for i, x := range acc {
		out[i] = float32(x / n)
	}
	return out, nil
}

// ProjectOut removes the component of v along direction u:
// v - (v·û)û. Used to strip accumulated residue from steering vectors
// so only the new component at a layer remains.
func ProjectOut(v, u []float32) ([]float32, error) {
	if len(v) != len(u) {
		return nil, fmt.Errorf("vectors must have the same length: %d != %d", len(v), len(u))
	}
	un := Norm(u)
	if un == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	var dot float64
	for i := range v {
		dot += float64(v[i]) * float64(u[i]) / un
	}
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - float32(dot*float64(u[i])/un)
	}
	return out, nil
}
