// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// TransformerBlock builds one encoder block over x, shaped
// [batch, seqLen, embedDim], and returns a node of the same shape.
//
// The residual connections here wrap the normalized activations, not the
// block input:
//
//	x = norm1(x)
//	x = x + attention(x)
//	x = norm2(x)
//	x = x + mlp(x)
func (m *Config) TransformerBlock(ctx *context.Context, x *Node) *Node {
	x = m.normalize(ctx.In("norm1"), x)
	attn := SelfAttention(ctx, x, m.NumHeads, m.HeadDim).
		QKVBias(m.QKVBias).
		Dropout(m.Dropout).
		Done()
	x = Add(x, attn)

	x = m.normalize(ctx.In("norm2"), x)
	x = Add(x, m.feedForward(ctx.In("mlp"), x))
	return x
}

// feedForward is the position-wise MLP: expand to MLPDim, dropout, GELU,
// contract back to embedDim, dropout.
func (m *Config) feedForward(ctx *context.Context, x *Node) *Node {
	ff := layers.Dense(ctx.In("ff1"), x, true, m.MLPDim)
	if m.Dropout > 0 {
		ff = dropout(ctx.In("ff1_dropout"), ff, m.Dropout)
	}
	ff = activations.Gelu(ff)
	ff = layers.Dense(ctx.In("ff2"), ff, true, m.EmbedDim)
	if m.Dropout > 0 {
		ff = dropout(ctx.In("ff2_dropout"), ff, m.Dropout)
	}
	return ff
}

// normalize applies the configured normalization over the last axis.
func (m *Config) normalize(ctx *context.Context, x *Node) *Node {
	switch m.Norm {
	case NormRMS:
		return layers.RMSNorm(ctx, x).Done()
	default:
		return layers.LayerNormalization(ctx, x, -1).Done()
	}
}

func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}
