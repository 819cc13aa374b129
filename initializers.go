// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Defaults used by InitializeWeights for dense and convolution weights.
const (
	WeightsInitStdDev = 0.02
	WeightsInitLower  = -2.0
	WeightsInitUpper  = 2.0
)

// TruncatedNormal returns an initializer that samples from a normal
// distribution with the given mean and standard deviation, truncated to
// [lower, upper]: the distribution is renormalized over the interval, not
// resampled, using the inverse CDF of uniform samples.
//
// If mean is more than 2 standard deviations outside [lower, upper] a warning
// is logged, since the generated values would then no longer resemble the
// requested distribution. Values are clamped to [lower, upper] either way.
//
// Non-float variables are initialized to 0 instead.
func TruncatedNormal(rng *random.Random, mean, stddev, lower, upper float64) initializer.Initializer {
	if mean < lower-2*stddev || mean > upper+2*stddev {
		klog.Warningf("vit.TruncatedNormal: mean (%g) is more than 2 standard deviations outside of [%g, %g], "+
			"the distribution of generated values will be off", mean, lower, upper)
	}
	// CDF of the bounds under the requested normal.
	l := normCDF((lower - mean) / stddev)
	u := normCDF((upper - mean) / stddev)
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		// Uniform in [2l-1, 2u-1), mapped through the inverse error function.
		values := rng.Uniform(g, shape)
		values = AddScalar(MulScalar(values, 2*(u-l)), 2*l-1)
		values = erfInv(values)
		values = AddScalar(MulScalar(values, stddev*math.Sqrt2), mean)
		return ClipScalar(values, lower, upper)
	}
}

func normCDF(x float64) float64 {
	return (1 + math.Erf(x/math.Sqrt2)) / 2
}

// erfInv computes the inverse error function element-wise, for x in (-1, 1).
// It uses the single-precision polynomial approximation from Giles, "Approximating
// the erfinv function" (2012), with one branch for the central region and one
// for the tails.
func erfInv(x *Node) *Node {
	w := Neg(Log(OneMinus(Mul(x, x))))

	wc := AddScalar(w, -2.5)
	central := erfInvPoly(wc,
		2.81022636e-08, 3.43273939e-07, -3.5233877e-06, -4.39150654e-06, 0.00021858087,
		-0.00125372503, -0.00417768164, 0.246640727, 1.50140941)

	wt := AddScalar(Sqrt(w), -3.0)
	tail := erfInvPoly(wt,
		-0.000200214257, 0.000100950558, 0.00134934322, -0.00367342844, 0.00573950773,
		-0.0076224613, 0.00943887047, 1.00167406, 2.83297682)

	p := Where(LessThan(w, ConstAsDType(x.Graph(), w.DType(), 5.0)), central, tail)
	return Mul(p, x)
}

// erfInvPoly evaluates the polynomial with the given coefficients (highest
// order first) at w, using Horner's method.
func erfInvPoly(w *Node, coefficients ...float64) *Node {
	p := ConstAsDType(w.Graph(), w.DType(), coefficients[0])
	for _, c := range coefficients[1:] {
		p = AddScalar(Mul(p, w), c)
	}
	return p
}

// VariableKind tags model variables by their role, derived from the variable
// naming conventions of the layers package. InitializeWeights dispatches on it.
type VariableKind int

const (
	// VariableUnknown marks variables InitializeWeights leaves untouched.
	VariableUnknown VariableKind = iota

	// VariableWeights are dense or convolution kernel weights.
	VariableWeights

	// VariableBias are dense or convolution biases and normalization offsets.
	VariableBias

	// VariableScale are normalization scales.
	VariableScale

	// VariableEmbedding are the class token and the positional embeddings.
	VariableEmbedding
)

// String implements fmt.Stringer.
func (k VariableKind) String() string {
	switch k {
	case VariableWeights:
		return "weights"
	case VariableBias:
		return "bias"
	case VariableScale:
		return "scale"
	case VariableEmbedding:
		return "embedding"
	}
	return "unknown"
}

// KindOfVariable returns the role of a model variable, based on the names the
// layers package gives its variables.
func KindOfVariable(v *context.Variable) VariableKind {
	switch v.Name() {
	case "weights":
		return VariableWeights
	case "biases", "offset":
		return VariableBias
	case "scale":
		return VariableScale
	case "embeddings", "token":
		return VariableEmbedding
	}
	return VariableUnknown
}

// InitializeWeights re-initializes all model variables in ctx:
//
//   - dense and convolution weights: truncated normal, mean 0, standard
//     deviation 0.02, truncated to [-2, 2];
//   - biases and normalization offsets: zero;
//   - normalization scales: one;
//   - class token and positional embeddings: unit normal.
//
// Variables of unknown kind (see KindOfVariable) are left untouched, so it is
// safe to call on a context that also holds optimizer or metric state.
//
// Call it after the forward graph has been built at least once, so the
// variables exist. The backend runs the small per-shape sampling graphs.
func InitializeWeights(backend backends.Backend, ctx *context.Context, rng *random.Random) error {
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		var initFn initializer.Initializer
		switch KindOfVariable(v) {
		case VariableWeights:
			initFn = TruncatedNormal(rng, 0, WeightsInitStdDev, WeightsInitLower, WeightsInitUpper)
		case VariableBias:
			initFn = initializer.Zero
		case VariableScale:
			initFn = initializer.One
		case VariableEmbedding:
			initFn = initializer.Normal(rng, 1.0)
		default:
			return
		}
		var value *tensors.Tensor
		value, err = ExecOnce(backend, func(g *Graph) *Node {
			return initFn(g, v.Shape())
		})
		if err != nil {
			err = errors.WithMessagef(err, "initializing variable %q", v.ParameterName())
			return
		}
		err = v.SetValue(value)
	})
	return err
}
