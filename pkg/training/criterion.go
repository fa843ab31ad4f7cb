/*
 *	Copyright 2024 The sl-transformer Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package training

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// LabelSmoothing is the training criterion: KL divergence (sum reduction)
// between the model's log-probabilities and a smoothed target distribution.
// The target class gets probability 1-smoothing; the remainder is spread
// uniformly over the other non-padding classes. Padding never contributes:
// the padding column is zeroed and positions whose target is padding are
// dropped entirely.
type LabelSmoothing struct {
	Size       int
	PadID      int32
	Smoothing  float64
	Confidence float64
}

// NewLabelSmoothing validates and builds the criterion. Size is the target
// vocabulary size including the reserved tokens.
func NewLabelSmoothing(size int, padID int32, smoothing float64) (*LabelSmoothing, error) {
	if size <= 2 {
		return nil, errors.Errorf("vocabulary size must be greater than 2, got %d", size)
	}
	if int(padID) < 0 || int(padID) >= size {
		return nil, errors.Errorf("padding id %d out of vocabulary range [0, %d)", padID, size)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, errors.Errorf("smoothing must be in [0, 1), got %g", smoothing)
	}
	return &LabelSmoothing{
		Size:       size,
		PadID:      padID,
		Smoothing:  smoothing,
		Confidence: 1 - smoothing,
	}, nil
}

// Criterion is a graph-building function returning the summed KL divergence
// between logProbs and the smoothed distribution of target.
//
// logProbs has shape [..., Size] and target the matching [...] int shape;
// both are flattened internally. Panics on shape mismatch, as graph builders
// do.
func (ls *LabelSmoothing) Criterion(logProbs, target *Node) *Node {
	dims := logProbs.Shape().Dimensions
	if dims[len(dims)-1] != ls.Size {
		panic(errors.Errorf("log-probabilities last dimension %d does not match vocabulary size %d",
			dims[len(dims)-1], ls.Size))
	}

	n := target.Shape().Size()
	logProbs = Reshape(logProbs, n, ls.Size)
	target = Reshape(target, n, 1)

	g := logProbs.Graph()

	// Smoothed distribution: Confidence on the target class, the remaining
	// mass spread over the Size-2 classes that are neither the target nor
	// padding.
	classes := Iota(g, shapes.Make(dtypes.Int32, n, ls.Size), 1)
	targetBcast := BroadcastToDims(ConvertDType(target, dtypes.Int32), n, ls.Size)
	smooth := ls.Smoothing / float64(ls.Size-2)
	dist := Where(Equal(classes, targetBcast),
		ConstAs(logProbs, ls.Confidence), ConstAs(logProbs, smooth))

	// Zero the padding column.
	padConst := ConstAs(classes, ls.PadID)
	dist = Where(NotEqual(classes, padConst), dist, ZerosLike(dist))

	// Drop positions whose target is padding.
	validRow := NotEqual(targetBcast, padConst)
	dist = Where(validRow, dist, ZerosLike(dist))

	// KL divergence with sum reduction, taking 0*log(0) as 0.
	logDist := Where(GreaterThan(dist, ZerosLike(dist)), Log(dist), ZerosLike(dist))
	kl := Mul(dist, Sub(logDist, logProbs))
	kl = Where(GreaterThan(dist, ZerosLike(dist)), kl, ZerosLike(kl))
	return ReduceAllSum(kl)
}

// LossFn adapts the criterion to the trainer's loss signature. Labels carry
// the prediction targets and the normalization term (the batch's non-padding
// token count); predictions carry the model's log-probabilities. The returned
// loss is the criterion sum divided by the normalization term.
func (ls *LabelSmoothing) LossFn() losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		target := labels[0]
		norm := ConvertDType(labels[1], predictions[0].DType())
		total := ls.Criterion(predictions[0], target)
		return Div(total, norm)
	}
}
