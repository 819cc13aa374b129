// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"image"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// BatchFromFiles reads the images in paths, resizes them to the model's
// canonical image size with a Lanczos filter and returns them as one tensor
// shaped [batch, height, width, channels], with values scaled to [0, 1].
//
// Use PreprocessImages on the corresponding graph node to bring the batch into
// the layout and value range the encoder expects.
func (m *Config) BatchFromFiles(paths []string) (*tensors.Tensor, error) {
	batch := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load image %q", path)
		}
		batch = append(batch, imaging.Resize(img, m.ImageWidth, m.ImageHeight, imaging.Lanczos))
	}
	return images.ToTensor(m.DType).MaxValue(1.0).Batch(batch), nil
}

// PreprocessImages converts a batch of images shaped
// [batch, height, width, channels] with values in [0, maxValue], as produced
// by BatchFromFiles or images.ToTensor, to the channels-first
// [batch, channels, width, height] layout the encoder expects, with values
// scaled to [-1, 1].
//
// An alpha channel, if present, is dropped.
func PreprocessImages(batch *Node, maxValue float64) *Node {
	if batch.Rank() != 4 {
		return batch
	}
	if batch.Shape().Dimensions[3] == 4 {
		batch = Slice(batch, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	}
	batch = TransposeAllDims(batch, 0, 3, 2, 1)
	batch = MulScalar(batch, 2.0/maxValue)
	batch = AddScalar(batch, -1.0)
	return batch
}
