// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// positionalEmbedding returns the positional embeddings for the patch
// sequence x, shaped [batch, numPatches+1, embedDim] with the class token at
// position 0. The embeddings are stored for the canonical image size; when
// the input's patch grid matches them (and the input is square) the stored
// tensor is returned as is, otherwise it is bicubically interpolated to the
// input's grid. The class token embedding is never interpolated.
func (m *Config) positionalEmbedding(ctx *context.Context, x *Node, width, height int) *Node {
	g := x.Graph()
	pos := ctx.VariableWithShape("embeddings",
		shapes.Make(m.DType, 1, m.NumPatches()+1, m.EmbedDim)).ValueGraph(g)
	numPatches := x.Shape().Dimensions[1] - 1
	if numPatches == m.NumPatches() && width == height {
		return pos
	}
	return m.interpolatePosEmbedding(pos, width, height)
}

// interpolatePosEmbedding resizes the stored patch-position grid to the grid
// of an input sized width x height. The stored grid must be square.
func (m *Config) interpolatePosEmbedding(pos *Node, width, height int) *Node {
	dims := pos.Shape().Dimensions
	stored, embedDim := dims[1]-1, dims[2]
	classPos := Slice(pos, AxisRange(), AxisRange(0, 1))
	patchPos := Slice(pos, AxisRange(), AxisRange(1, stored+1))

	side := int(math.Sqrt(float64(stored)))
	if side*side != stored {
		exceptions.Panicf("vit: cannot interpolate positional embeddings: stored grid of %d positions is not square", stored)
	}
	grid := Reshape(patchPos, 1, side, side, embedDim)

	targetW := width / m.PatchWidth
	targetH := height / m.PatchHeight
	// The small epsilon keeps the resized grid from rounding down a pixel.
	w0 := float64(targetW) + 0.1
	h0 := float64(targetH) + 0.1
	grid = bicubicResize(grid, w0/float64(side), h0/float64(side))

	outDims := grid.Shape().Dimensions
	if outDims[1] != targetW || outDims[2] != targetH {
		exceptions.Panicf("vit: interpolated positional grid is %dx%d, want %dx%d",
			outDims[1], outDims[2], targetW, targetH)
	}
	grid = Reshape(grid, 1, targetW*targetH, embedDim)
	return Concatenate([]*Node{classPos, grid}, 1)
}
