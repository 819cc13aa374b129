// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func onesLike(v *context.Variable) *tensors.Tensor {
	flat := make([]float32, v.Shape().Size())
	for i := range flat {
		flat[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, v.Shape().Dimensions...)
}

// A 4x4 single-channel image cut into 2x2 patches, each patch filled with a
// distinct constant. With all projection weights set to one and biases to
// zero, the output sequence holds the patch sums, so it exposes the order the
// patches are listed in. Both projection variants must produce the same
// row-major sequence.
func TestPatchEmbeddingRowMajor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	img := [][][][]float32{{{
		{1, 1, 2, 2},
		{1, 1, 2, 2},
		{3, 3, 4, 4},
		{3, 3, 4, 4},
	}}}
	want := tensors.FromValue([][][]float32{{{4}, {8}, {12}, {16}}})

	for _, projection := range []Projection{ProjectionLinear, ProjectionConvolution} {
		t.Run(projection.String(), func(t *testing.T) {
			model := New(4, 2, 1, 1, 1, 1, 2).WithProjection(projection)
			ctx := context.New()
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return model.embedPatches(ctx, x)
			})
			_ = exec.MustExec(img) // Creates the variables.

			weightsVar := ctx.GetVariableByScopeAndName("/projection", "weights")
			require.NotNil(t, weightsVar)
			weightsVar.MustSetValue(onesLike(weightsVar))
			biasVar := ctx.GetVariableByScopeAndName("/projection", "biases")
			require.NotNil(t, biasVar)
			biasVar.MustSetValue(tensors.FromShape(biasVar.Shape()))

			got := exec.MustExec(img)[0]
			require.NoError(t, got.Shape().CheckDims(1, 4, 1))
			require.Truef(t, want.InDelta(got, 1e-5), "got %s, want %s", got.GoStr(), want.GoStr())
		})
	}
}

// The linear variant flattens each patch in (width, height, channel) order.
func TestPatchEmbeddingFlattenOrder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(2, 2, 1, 1, 1, 1, 2)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.embedPatches(ctx, x)
	})
	img := [][][][]float32{{{
		{1, 2},
		{3, 4},
	}}}
	_ = exec.MustExec(img)

	weightsVar := ctx.GetVariableByScopeAndName("/projection", "weights")
	require.NotNil(t, weightsVar)
	weightsVar.MustSetValue(tensors.FromValue([][]float32{{1000}, {100}, {10}, {1}}))
	biasVar := ctx.GetVariableByScopeAndName("/projection", "biases")
	require.NotNil(t, biasVar)
	biasVar.MustSetValue(tensors.FromShape(biasVar.Shape()))

	got := exec.MustExec(img)[0]
	require.Truef(t, tensors.FromValue([][][]float32{{{1234}}}).InDelta(got, 1e-5),
		"got %s", got.GoStr())
}

func TestPatchEmbeddingShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, projection := range []Projection{ProjectionLinear, ProjectionConvolution} {
		t.Run(projection.String(), func(t *testing.T) {
			model := New(8, 4, 3, 16, 1, 2, 32).WithProjection(projection)
			ctx := context.New()
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return model.embedPatches(ctx, x)
			})
			img := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 8, 8))
			got := exec.MustExec(img)[0]
			require.NoError(t, got.Shape().CheckDims(2, 4, 16))
		})
	}
}
