// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package crystallizer

// splitmix64 is the standard splitmix64 step: a tiny, well-distributed
// generator whose entire state is one uint64, so the hyperplane set is a
// pure function of the seed.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// hyperplanes generates bits random hyperplanes of the given dimensionality
// with components uniform in [-1, 1).
func hyperplanes(seed uint64, bits, dims int) [][]float64 {
	state := seed
	planes := make([][]float64, bits)
	for b := 0; b < bits; b++ {
		plane := make([]float64, dims)
		for d := 0; d < dims; d++ {
			r := splitmix64(&state)
			plane[d] = float64(r>>11)/(1<<52) - 1.0
		}
		planes[b] = plane
	}
	return planes
}

// signature maps v to its bucket: bit b is set when v lies on the positive
// side of plane b.
func signature(v []float32, planes [][]float64) uint32 {
	var sig uint32
	for b, plane := range planes {
		var dot float64
		for d := range plane {
			dot += plane[d] * float64(v[d])
		}
		if dot >= 0 {
			sig |= 1 << uint(b)
		}
	}
	return sig
}
