// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// bicubicResize resizes x, shaped [batch, rows, cols, dim], to
// [batch, outRows, outCols, dim] with bicubic interpolation over the two
// middle axes, where outRows = floor(rows*scaleRows) and
// outCols = floor(cols*scaleCols).
//
// Sampling uses half-pixel origins and a Catmull-Rom style cubic kernel with
// a=-0.75, with source indices clamped at the edges. Since the sizes are
// static, the interpolation weights are computed on the host and the resize
// becomes two small matrix contractions.
func bicubicResize(x *Node, scaleRows, scaleCols float64) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	rows, cols := dims[1], dims[2]
	outRows := int(float64(rows) * scaleRows)
	outCols := int(float64(cols) * scaleCols)

	rowWeights := ConstAsDType(g, x.DType(), cubicWeights(rows, outRows, scaleRows))
	colWeights := ConstAsDType(g, x.DType(), cubicWeights(cols, outCols, scaleCols))
	x = Einsum("or,brcd->bocd", rowWeights, x)
	x = Einsum("pc,bocd->bopd", colWeights, x)
	return x
}

// cubicWeights returns the [outSize, inSize] interpolation matrix mapping an
// axis of inSize samples to outSize samples. Each output row holds at most 4
// non-zero taps; taps that fall outside the axis are folded onto the nearest
// edge sample.
func cubicWeights(inSize, outSize int, scale float64) [][]float64 {
	weights := make([][]float64, outSize)
	for o := 0; o < outSize; o++ {
		weights[o] = make([]float64, inSize)
		src := (float64(o)+0.5)/scale - 0.5
		base := math.Floor(src)
		t := src - base
		for tap := -1; tap <= 2; tap++ {
			idx := int(base) + tap
			if idx < 0 {
				idx = 0
			} else if idx >= inSize {
				idx = inSize - 1
			}
			weights[o][idx] += cubicKernel(float64(tap) - t)
		}
	}
	return weights
}

// cubicKernel is the Keys cubic convolution kernel with a=-0.75, evaluated at
// distance x from the sample.
func cubicKernel(x float64) float64 {
	const a = -0.75
	x = math.Abs(x)
	if x <= 1 {
		return ((a+2)*x-(a+3))*x*x + 1
	}
	if x < 2 {
		return (((x-5)*x+8)*x - 4) * a
	}
	return 0
}
