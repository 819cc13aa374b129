// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// SelfAttention creates a multi-head self-attention builder over x, shaped
// [batch, seqLen, embedDim]. Queries, keys and values are produced by a single
// fused dense projection of width 3*numHeads*headDim; the attended values are
// merged back and projected to embedDim.
//
// No masking is applied: every position attends to every position.
//
// Configure the builder with QKVBias and Dropout, then call Done (or
// DoneWithCoefficients to also get the attention weights).
func SelfAttention(ctx *context.Context, x *Node, numHeads, headDim int) *SelfAttentionBuilder {
	if x.Rank() != 3 {
		exceptions.Panicf("vit: SelfAttention input must be rank-3 [batch, seqLen, embedDim], got %s", x.Shape())
	}
	if numHeads <= 0 || headDim <= 0 {
		exceptions.Panicf("vit: SelfAttention requires positive numHeads (%d) and headDim (%d)", numHeads, headDim)
	}
	return &SelfAttentionBuilder{
		ctx:      ctx.In("attention"),
		x:        x,
		numHeads: numHeads,
		headDim:  headDim,
	}
}

// SelfAttentionBuilder is a configuration for a multi-head self-attention
// layer. Create it with SelfAttention.
type SelfAttentionBuilder struct {
	ctx      *context.Context
	x        *Node
	numHeads int
	headDim  int

	qkvBias     bool
	dropoutRate float64
}

// QKVBias toggles the bias on the fused query/key/value projection.
// Defaults to false. The output projection always has a bias.
func (b *SelfAttentionBuilder) QKVBias(use bool) *SelfAttentionBuilder {
	b.qkvBias = use
	return b
}

// Dropout sets the dropout rate applied to the attention weights and to the
// final output projection. Defaults to 0 (no dropout).
func (b *SelfAttentionBuilder) Dropout(rate float64) *SelfAttentionBuilder {
	b.dropoutRate = rate
	return b
}

// Done builds the self-attention graph and returns the output, shaped like
// the input.
func (b *SelfAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients builds the self-attention graph and returns both the
// output, shaped like the input, and the attention coefficients, shaped
// [batch, queryLen, numHeads, keyLen]. The coefficients are normalized over
// the key axis and are taken before dropout.
func (b *SelfAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	ctx := b.ctx
	x := b.x
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, seqLen, embedDim := dims[0], dims[1], dims[2]
	innerDim := b.numHeads * b.headDim

	// Fused projection, then split into query, key and value.
	qkv := layers.Dense(ctx.In("qkv"), x, b.qkvBias, 3*innerDim)
	parts := Split(qkv, -1, 3)
	query := Reshape(parts[0], batchSize, seqLen, b.numHeads, b.headDim)
	key := Reshape(parts[1], batchSize, seqLen, b.numHeads, b.headDim)
	value := Reshape(parts[2], batchSize, seqLen, b.numHeads, b.headDim)

	scores := Einsum("bqhd,bkhd->bqhk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(b.headDim)))
	coefficients = Softmax(scores, -1)

	weights := coefficients
	if b.dropoutRate > 0 {
		weights = layers.Dropout(ctx.In("coefficients_dropout"), weights,
			Scalar(g, weights.DType(), b.dropoutRate))
	}

	attended := Einsum("bqhk,bkhd->bqhd", weights, value)
	attended = Reshape(attended, batchSize, seqLen, innerDim)

	output = layers.Dense(ctx.In("output"), attended, true, embedDim)
	if b.dropoutRate > 0 {
		output = layers.Dropout(ctx.In("output_dropout"), output,
			Scalar(g, output.DType(), b.dropoutRate))
	}
	return
}
