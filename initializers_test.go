// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/stretchr/testify/require"
)

func TestErfInv(t *testing.T) {
	graphtest.RunTestGraphFn(t, "erfInv",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float32{0, 0.5, -0.9, 0.99, -0.99})
			inputs = []*Node{x}
			outputs = []*Node{erfInv(x)}
			return
		}, []any{
			[]float32{0, 0.47693628, -1.1630871, 1.8213864, -1.8213864},
		}, 1e-3)
}

func TestTruncatedNormal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := random.NewWithSeed(42)
	for _, test := range []struct {
		name                       string
		mean, stddev, lower, upper float64
		wantMean                   float64 // Mean of the truncated distribution.
	}{
		{"narrow", 0, 1, -0.5, 0.5, 0},
		{"weights_default", 0, WeightsInitStdDev, WeightsInitLower, WeightsInitUpper, 0},
		{"shifted", 1, 2, 0, 3, 1.4133},
	} {
		t.Run(test.name, func(t *testing.T) {
			initFn := TruncatedNormal(rng, test.mean, test.stddev, test.lower, test.upper)
			value, err := ExecOnce(backend, func(g *Graph) *Node {
				return initFn(g, shapes.Make(dtypes.Float32, 10000))
			})
			require.NoError(t, err)

			samples := value.Value().([]float32)
			sum, sumSquares := 0.0, 0.0
			for _, sample := range samples {
				require.GreaterOrEqual(t, sample, float32(test.lower))
				require.LessOrEqual(t, sample, float32(test.upper))
				sum += float64(sample)
				sumSquares += float64(sample) * float64(sample)
			}
			mean := sum / float64(len(samples))
			stddev := math.Sqrt(sumSquares/float64(len(samples)) - mean*mean)
			require.InDelta(t, test.wantMean, mean, 4*test.stddev/math.Sqrt(float64(len(samples)))+0.02)
			require.Greater(t, stddev, test.stddev/10, "samples must not be degenerate")
		})
	}
}

func TestKindOfVariable(t *testing.T) {
	ctx := context.New()
	scalar := shapes.Make(dtypes.Float32)
	for name, want := range map[string]VariableKind{
		"weights":    VariableWeights,
		"biases":     VariableBias,
		"offset":     VariableBias,
		"scale":      VariableScale,
		"embeddings": VariableEmbedding,
		"token":      VariableEmbedding,
		"step":       VariableUnknown,
	} {
		v := ctx.In(name).VariableWithShape(name, scalar)
		require.Equalf(t, want, KindOfVariable(v), "variable %q", name)
	}
}

func TestInitializeWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(8, 4, 3, 16, 2, 2, 32).WithHeadDim(8)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return model.Forward(ctx, images).Done()
	})
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	_ = exec.MustExec(images) // Creates the variables.

	require.NoError(t, InitializeWeights(backend, ctx, random.NewWithSeed(0)))

	checked := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		kind := KindOfVariable(v)
		if kind == VariableUnknown {
			return
		}
		checked++
		require.NoError(t, tensors.ConstFlatData(v.MustValue(), func(flat []float32) {
			allZero := true
			for _, value := range flat {
				switch kind {
				case VariableWeights:
					require.GreaterOrEqualf(t, value, float32(WeightsInitLower), "variable %q", v.ParameterName())
					require.LessOrEqualf(t, value, float32(WeightsInitUpper), "variable %q", v.ParameterName())
				case VariableBias:
					require.Zerof(t, value, "variable %q must be zero", v.ParameterName())
				case VariableScale:
					require.Equalf(t, float32(1), value, "variable %q must be one", v.ParameterName())
				}
				if value != 0 {
					allZero = false
				}
			}
			if kind == VariableWeights || kind == VariableEmbedding {
				require.Falsef(t, allZero, "variable %q must have been sampled", v.ParameterName())
			}
		}))
	})
	require.Greater(t, checked, 10, "model variables must have been enumerated")

	// Re-initialized weights still produce the same graph shapes.
	got := exec.MustExec(images)[0]
	require.NoError(t, got.Shape().CheckDims(1, 16))
}
