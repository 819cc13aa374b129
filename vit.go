// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements a Vision Transformer (ViT) image encoder for GoMLX.
//
// The encoder splits an image into fixed-size patches, linearly projects each
// patch into an embedding, prepends a learned class token, adds (optionally
// interpolated) positional embeddings and runs the result through a stack of
// pre-norm transformer blocks. The output is a single embedding per image,
// taken either from the class token or from the mean over the sequence.
//
// Typical usage:
//
//	model := vit.New(224, 16, 3, 768, 12, 12, 3072)
//	embeddings := model.Forward(ctx, images).Done()
//
// Images are given channels-first, shaped [batch, channels, width, height].
package vit

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Hyperparameter keys for context configuration.
const (
	ParamImageSize    = "vit_image_size"
	ParamPatchSize    = "vit_patch_size"
	ParamChannels     = "vit_channels"
	ParamEmbedDim     = "vit_embed_dim"
	ParamDepth        = "vit_depth"
	ParamNumHeads     = "vit_num_heads"
	ParamHeadDim      = "vit_head_dim"
	ParamMLPDim       = "vit_mlp_dim"
	ParamDType        = "vit_dtype"
	ParamDropout      = "vit_dropout"
	ParamEmbedDropout = "vit_embed_dropout"
	ParamQKVBias      = "vit_qkv_bias"
	ParamPooling      = "vit_pooling"
	ParamProjection   = "vit_projection"
	ParamNorm         = "vit_norm"
)

// Projection selects how patches are projected into embeddings.
// Both variants compute the same linear map over each patch, so checkpoints
// are interchangeable up to the layout of the projection weights.
type Projection int

const (
	// ProjectionLinear flattens each patch into a vector and applies a dense layer.
	ProjectionLinear Projection = iota

	// ProjectionConvolution applies a convolution with kernel size and stride
	// equal to the patch size.
	ProjectionConvolution
)

// String implements fmt.Stringer.
func (p Projection) String() string {
	switch p {
	case ProjectionLinear:
		return "linear"
	case ProjectionConvolution:
		return "conv"
	}
	return fmt.Sprintf("Projection(%d)", int(p))
}

// Pooling selects how the output sequence is reduced to one embedding per image.
type Pooling int

const (
	// PoolClassToken returns the embedding of the class token (position 0).
	PoolClassToken Pooling = iota

	// PoolMean returns the mean embedding over the whole sequence, class
	// token included.
	PoolMean
)

// String implements fmt.Stringer.
func (p Pooling) String() string {
	switch p {
	case PoolClassToken:
		return "cls"
	case PoolMean:
		return "mean"
	}
	return fmt.Sprintf("Pooling(%d)", int(p))
}

// Normalization selects the normalization layer used inside the transformer blocks
// and for the optional final normalization.
type Normalization int

const (
	// NormLayer uses layer normalization with a learned scale and offset.
	NormLayer Normalization = iota

	// NormRMS uses root-mean-square normalization with a learned scale.
	NormRMS
)

// String implements fmt.Stringer.
func (n Normalization) String() string {
	switch n {
	case NormLayer:
		return "layer"
	case NormRMS:
		return "rms"
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

// Config holds the configuration of a Vision Transformer encoder.
// Create it with New or NewFromContext, adjust it with the With... methods and
// then call Forward to build the encoding graph.
type Config struct {
	ImageWidth, ImageHeight int // Canonical image size the positional embeddings are stored for
	PatchWidth, PatchHeight int // Patch size; image dimensions must be divisible by it
	Channels                int // Input channels (3 for RGB)

	EmbedDim int // Embedding dimension of the transformer
	Depth    int // Number of transformer blocks
	NumHeads int // Attention heads per block
	HeadDim  int // Dimension per attention head
	MLPDim   int // Hidden dimension of the feed-forward sub-layer

	Dropout      float64 // Dropout rate inside attention and feed-forward (0.0 = none)
	EmbedDropout float64 // Dropout rate applied right after the positional embeddings

	QKVBias    bool          // Use bias on the fused query/key/value projection
	Projection Projection    // Patch projection variant
	Pooling    Pooling       // Output pooling
	Norm       Normalization // Normalization layer variant
	DType      dtypes.DType  // Data type of variables and activations
}

// New creates a ViT configuration for square images and patches.
// Use WithImageSize and WithPatchSize for rectangular shapes.
//
// Defaults: head dimension 64, no dropout, no bias on the query/key/value
// projection, class-token pooling, layer normalization and float32.
func New(imageSize, patchSize, channels, embedDim, depth, numHeads, mlpDim int) *Config {
	return &Config{
		ImageWidth:   imageSize,
		ImageHeight:  imageSize,
		PatchWidth:   patchSize,
		PatchHeight:  patchSize,
		Channels:     channels,
		EmbedDim:     embedDim,
		Depth:        depth,
		NumHeads:     numHeads,
		HeadDim:      64,
		MLPDim:       mlpDim,
		Dropout:      0.0,
		EmbedDropout: 0.0,
		QKVBias:      false,
		Projection:   ProjectionLinear,
		Pooling:      PoolClassToken,
		Norm:         NormLayer,
		DType:        dtypes.Float32,
	}
}

// NewFromContext creates a ViT configuration from context hyperparameters.
// It reads parameters with the following keys (with defaults):
//   - vit_image_size (required, no default)
//   - vit_patch_size (required, no default)
//   - vit_channels (required, no default)
//   - vit_embed_dim (required, no default)
//   - vit_depth (required, no default)
//   - vit_num_heads (required, no default)
//   - vit_mlp_dim (default: embed_dim * 4)
//   - vit_head_dim (default: 64)
//   - vit_dtype (default: "float32")
//   - vit_dropout (default: 0.0)
//   - vit_embed_dropout (default: 0.0)
//   - vit_qkv_bias (default: false)
//   - vit_pooling (default: "cls", or "mean")
//   - vit_projection (default: "linear", or "conv")
//   - vit_norm (default: "layer", or "rms")
//
// Example usage:
//
//	ctx.SetParams(map[string]any{
//	    "vit_image_size": 224,
//	    "vit_patch_size": 16,
//	    "vit_channels":   3,
//	    "vit_embed_dim":  768,
//	    "vit_depth":      12,
//	    "vit_num_heads":  12,
//	})
//	model := vit.NewFromContext(ctx)
func NewFromContext(ctx *context.Context) *Config {
	required := func(key string) int {
		value, found := ctx.GetParam(key)
		if !found {
			exceptions.Panicf("required hyperparameter %q not found in context", key)
		}
		return value.(int)
	}
	imageSize := required(ParamImageSize)
	patchSize := required(ParamPatchSize)
	channels := required(ParamChannels)
	embedDim := required(ParamEmbedDim)
	depth := required(ParamDepth)
	numHeads := required(ParamNumHeads)
	mlpDim := context.GetParamOr(ctx, ParamMLPDim, embedDim*4)

	model := New(imageSize, patchSize, channels, embedDim, depth, numHeads, mlpDim)
	return model.FromContext(ctx)
}

// FromContext configures the model with optional hyperparameters from the context.
// This allows fine-tuning an existing model configuration.
func (m *Config) FromContext(ctx *context.Context) *Config {
	m.HeadDim = context.GetParamOr(ctx, ParamHeadDim, m.HeadDim)
	m.Dropout = context.GetParamOr(ctx, ParamDropout, m.Dropout)
	m.EmbedDropout = context.GetParamOr(ctx, ParamEmbedDropout, m.EmbedDropout)
	m.QKVBias = context.GetParamOr(ctx, ParamQKVBias, m.QKVBias)

	switch pooling := context.GetParamOr(ctx, ParamPooling, m.Pooling.String()); pooling {
	case "cls":
		m.Pooling = PoolClassToken
	case "mean":
		m.Pooling = PoolMean
	default:
		exceptions.Panicf("invalid hyperparameter value %s=%q, valid values are \"cls\" and \"mean\"", ParamPooling, pooling)
	}
	switch projection := context.GetParamOr(ctx, ParamProjection, m.Projection.String()); projection {
	case "linear":
		m.Projection = ProjectionLinear
	case "conv":
		m.Projection = ProjectionConvolution
	default:
		exceptions.Panicf("invalid hyperparameter value %s=%q, valid values are \"linear\" and \"conv\"", ParamProjection, projection)
	}
	switch norm := context.GetParamOr(ctx, ParamNorm, m.Norm.String()); norm {
	case "layer":
		m.Norm = NormLayer
	case "rms":
		m.Norm = NormRMS
	default:
		exceptions.Panicf("invalid hyperparameter value %s=%q, valid values are \"layer\" and \"rms\"", ParamNorm, norm)
	}

	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil || !dtype.IsFloat() {
			exceptions.Panicf("invalid hyperparameter value %s=%q", ParamDType, dtypeStr)
		}
		m.DType = dtype
	}
	return m
}

// WithImageSize sets a rectangular canonical image size.
func (m *Config) WithImageSize(width, height int) *Config {
	m.ImageWidth = width
	m.ImageHeight = height
	return m
}

// WithPatchSize sets a rectangular patch size.
func (m *Config) WithPatchSize(width, height int) *Config {
	m.PatchWidth = width
	m.PatchHeight = height
	return m
}

// WithHeadDim sets the dimension per attention head.
func (m *Config) WithHeadDim(dim int) *Config {
	m.HeadDim = dim
	return m
}

// WithDropout sets the dropout rate used inside attention and feed-forward layers.
func (m *Config) WithDropout(rate float64) *Config {
	m.Dropout = rate
	return m
}

// WithEmbedDropout sets the dropout rate applied after the positional embeddings.
func (m *Config) WithEmbedDropout(rate float64) *Config {
	m.EmbedDropout = rate
	return m
}

// WithQKVBias toggles the bias on the fused query/key/value projection.
func (m *Config) WithQKVBias(use bool) *Config {
	m.QKVBias = use
	return m
}

// WithProjection sets the patch projection variant.
func (m *Config) WithProjection(p Projection) *Config {
	m.Projection = p
	return m
}

// WithPooling sets the output pooling.
func (m *Config) WithPooling(p Pooling) *Config {
	m.Pooling = p
	return m
}

// WithNormalization sets the normalization layer variant.
func (m *Config) WithNormalization(n Normalization) *Config {
	m.Norm = n
	return m
}

// WithDType sets the data type of variables and activations.
func (m *Config) WithDType(dtype dtypes.DType) *Config {
	m.DType = dtype
	return m
}

// GridWidth returns the number of patches along the width axis for the
// canonical image size.
func (m *Config) GridWidth() int { return m.ImageWidth / m.PatchWidth }

// GridHeight returns the number of patches along the height axis for the
// canonical image size.
func (m *Config) GridHeight() int { return m.ImageHeight / m.PatchHeight }

// NumPatches returns the number of patches for the canonical image size,
// not counting the class token.
func (m *Config) NumPatches() int { return m.GridWidth() * m.GridHeight() }

// PatchDim returns the number of values in one flattened patch.
func (m *Config) PatchDim() int { return m.PatchWidth * m.PatchHeight * m.Channels }

func (m *Config) validate() {
	if m.ImageWidth <= 0 || m.ImageHeight <= 0 || m.PatchWidth <= 0 || m.PatchHeight <= 0 {
		exceptions.Panicf("vit: image size (%dx%d) and patch size (%dx%d) must be positive",
			m.ImageWidth, m.ImageHeight, m.PatchWidth, m.PatchHeight)
	}
	if m.ImageWidth%m.PatchWidth != 0 || m.ImageHeight%m.PatchHeight != 0 {
		exceptions.Panicf("vit: image size (%dx%d) must be divisible by patch size (%dx%d)",
			m.ImageWidth, m.ImageHeight, m.PatchWidth, m.PatchHeight)
	}
	if m.EmbedDim <= 0 || m.Depth <= 0 || m.NumHeads <= 0 || m.HeadDim <= 0 || m.MLPDim <= 0 {
		exceptions.Panicf("vit: embed_dim=%d, depth=%d, num_heads=%d, head_dim=%d and mlp_dim=%d must all be positive",
			m.EmbedDim, m.Depth, m.NumHeads, m.HeadDim, m.MLPDim)
	}
}

// Forward returns a builder for the encoding graph of the given batch of images.
//
// Images must be shaped [batch, channels, width, height]. They don't need to
// match the canonical image size: for other sizes (still divisible by the
// patch size) the positional embeddings are bicubically interpolated to the
// input's patch grid.
//
// Call Done on the returned builder to get the embeddings, shaped
// [batch, embed_dim].
func (m *Config) Forward(ctx *context.Context, images *Node) *ForwardBuilder {
	return &ForwardBuilder{
		model:     m,
		ctx:       ctx,
		images:    images,
		finalNorm: true,
	}
}

// ForwardBuilder builds the encoding graph for one batch of images.
// It is created with Config.Forward.
type ForwardBuilder struct {
	model  *Config
	ctx    *context.Context
	images *Node

	finalNorm bool
	lambda    *Node
	permuted  *Node
}

// FinalNorm sets whether the sequence is normalized once more after the last
// transformer block, before pooling. Defaults to true.
func (b *ForwardBuilder) FinalNorm(enabled bool) *ForwardBuilder {
	b.finalNorm = enabled
	return b
}

// Mixup sets a mixup interpolation factor (lambda) and a permuted batch.
// The current encoder does not consume them; the method exists so training
// loops can pass them unconditionally.
func (b *ForwardBuilder) Mixup(lambda, permuted *Node) *ForwardBuilder {
	b.lambda = lambda
	b.permuted = permuted
	return b
}

// Done builds the graph and returns the embeddings, shaped [batch, embed_dim].
func (b *ForwardBuilder) Done() *Node {
	m := b.model
	ctx := b.ctx
	m.validate()

	imgs := b.images
	g := imgs.Graph()
	if imgs.Rank() != 4 {
		exceptions.Panicf("vit: images must be rank-4 [batch, channels, width, height], got %s", imgs.Shape())
	}
	dims := imgs.Shape().Dimensions
	batchSize, channels, width, height := dims[0], dims[1], dims[2], dims[3]
	if channels != m.Channels {
		exceptions.Panicf("vit: images have %d channels, model configured for %d", channels, m.Channels)
	}
	if width%m.PatchWidth != 0 || height%m.PatchHeight != 0 {
		exceptions.Panicf("vit: image size %dx%d is not divisible by the patch size %dx%d",
			width, height, m.PatchWidth, m.PatchHeight)
	}
	if imgs.DType() != m.DType {
		imgs = ConvertDType(imgs, m.DType)
	}

	// Patch embeddings: [batch, numPatches, embedDim].
	x := m.embedPatches(ctx.In("patch_embed"), imgs)

	// Class token goes in front of the patch sequence.
	cls := ctx.In("cls_token").VariableWithShape("token",
		shapes.Make(m.DType, 1, 1, m.EmbedDim)).ValueGraph(g)
	cls = BroadcastToDims(cls, batchSize, 1, m.EmbedDim)
	x = Concatenate([]*Node{cls, x}, 1)

	x = Add(x, m.positionalEmbedding(ctx.In("pos_embed"), x, width, height))
	if m.EmbedDropout > 0 {
		x = dropout(ctx.In("embed_dropout"), x, m.EmbedDropout)
	}

	for layer := 0; layer < m.Depth; layer++ {
		x = m.TransformerBlock(ctx.In(fmt.Sprintf("layer_%d", layer)), x)
	}

	if b.finalNorm {
		x = m.normalize(ctx.In("norm"), x)
	}

	switch m.Pooling {
	case PoolMean:
		x = ReduceMean(x, 1)
	case PoolClassToken:
		x = Squeeze(Slice(x, AxisRange(), AxisElem(0)), 1)
	default:
		exceptions.Panicf("vit: invalid pooling %v", m.Pooling)
	}
	return x
}
