// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestPreprocessImages(t *testing.T) {
	graphtest.RunTestGraphFn(t, "PreprocessImages",
		func(g *Graph) (inputs, outputs []*Node) {
			// [batch=1, height=2, width=2, channels=4], channel values
			// h + 0.5*w + 0.25*c, scaled with maxValue=2.
			batch := Const(g, [][][][]float32{{
				{{0, 0.25, 0.5, 0.75}, {0.5, 0.75, 1.0, 1.25}},
				{{1, 1.25, 1.5, 1.75}, {1.5, 1.75, 2, 2.25}},
			}})
			inputs = []*Node{batch}
			outputs = []*Node{PreprocessImages(batch, 2)}
			return
		}, []any{
			// [batch=1, channels=3, width=2, height=2]: alpha dropped,
			// axes swapped, values in [-1, 1].
			[][][][]float32{{
				{{-1, 0}, {-0.5, 0.5}},
				{{-0.75, 0.25}, {-0.25, 0.75}},
				{{-0.5, 0.5}, {0, 1}},
			}},
		}, 1e-6)
}

func TestBatchFromFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gray.png")
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	model := New(4, 2, 3, 8, 1, 2, 16)
	batch, err := model.BatchFromFiles([]string{path})
	require.NoError(t, err)
	require.NoError(t, batch.Shape().CheckDims(1, 4, 4, 3))
	for _, row := range batch.Value().([][][][]float32)[0] {
		for _, pixel := range row {
			for _, channel := range pixel {
				require.InDelta(t, 128.0/255.0, channel, 0.02)
			}
		}
	}

	_, err = model.BatchFromFiles([]string{filepath.Join(dir, "missing.png")})
	require.Error(t, err)
}
