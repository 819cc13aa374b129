// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// embedPatches splits imgs, shaped [batch, channels, width, height], into
// non-overlapping patches and projects each one to EmbedDim. It returns the
// patch sequence shaped [batch, gridWidth*gridHeight, EmbedDim], ordered
// row-major over the patch grid: all patches of the first grid row first.
func (m *Config) embedPatches(ctx *context.Context, imgs *Node) *Node {
	switch m.Projection {
	case ProjectionConvolution:
		return m.embedPatchesConv(ctx, imgs)
	default:
		return m.embedPatchesLinear(ctx, imgs)
	}
}

// embedPatchesLinear flattens each patch to a vector of PatchDim values,
// ordered (patchWidth, patchHeight, channels), and applies a dense projection.
func (m *Config) embedPatchesLinear(ctx *context.Context, imgs *Node) *Node {
	dims := imgs.Shape().Dimensions
	batchSize, channels, width, height := dims[0], dims[1], dims[2], dims[3]
	gridW, gridH := width/m.PatchWidth, height/m.PatchHeight

	x := Reshape(imgs, batchSize, channels, gridW, m.PatchWidth, gridH, m.PatchHeight)
	// [batch, gridW, gridH, patchW, patchH, channels]
	x = TransposeAllDims(x, 0, 2, 4, 3, 5, 1)
	x = Reshape(x, batchSize, gridW*gridH, m.PatchWidth*m.PatchHeight*channels)
	return layers.Dense(ctx.In("projection"), x, true, m.EmbedDim)
}

// embedPatchesConv computes the same projection as a convolution with kernel
// size and stride equal to the patch size. Checkpoints are interchangeable
// with the linear variant up to the layout of the projection weights.
func (m *Config) embedPatchesConv(ctx *context.Context, imgs *Node) *Node {
	dims := imgs.Shape().Dimensions
	batchSize, width, height := dims[0], dims[2], dims[3]
	gridW, gridH := width/m.PatchWidth, height/m.PatchHeight

	x := layers.Convolution(ctx.In("projection"), imgs).
		CurrentScope().
		ChannelsAxis(images.ChannelsFirst).
		Channels(m.EmbedDim).
		KernelSizePerAxis(m.PatchWidth, m.PatchHeight).
		StridePerAxis(m.PatchWidth, m.PatchHeight).
		NoPadding().
		Done()
	// [batch, embedDim, gridW, gridH] -> [batch, gridW*gridH, embedDim]
	x = Reshape(x, batchSize, m.EmbedDim, gridW*gridH)
	return TransposeAllDims(x, 0, 2, 1)
}
