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
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Noam wraps an optimizer with the warm-up learning rate schedule:
//
//	rate(step) = factor * modelSize^-0.5 * min(step^-0.5, step*warmup^-1.5)
//
// The rate grows linearly over the warm-up steps and then decays with the
// inverse square root of the step number. The step counter advances before
// each rate is applied, so the first step uses rate(1).
type Noam struct {
	opt       optimizers.Interface
	lrVar     *context.Variable
	modelSize int
	factor    float64
	warmup    int
	step      int
}

// NewNoam builds the schedule around opt, registering the learning-rate
// variable on ctx so updates take effect on the compiled training graph.
func NewNoam(ctx *context.Context, opt optimizers.Interface, modelSize, warmup int, factor float64) (*Noam, error) {
	if opt == nil {
		return nil, errors.New("optimizer must be set")
	}
	if modelSize <= 0 {
		return nil, errors.Errorf("model size must be positive, got %d", modelSize)
	}
	if warmup <= 0 {
		return nil, errors.Errorf("warmup must be positive, got %d", warmup)
	}
	if factor <= 0 {
		return nil, errors.Errorf("factor must be positive, got %g", factor)
	}
	n := &Noam{
		opt:       opt,
		modelSize: modelSize,
		factor:    factor,
		warmup:    warmup,
	}
	n.lrVar = optimizers.LearningRateVar(ctx, dtypes.Float32, n.Rate(1))
	return n, nil
}

// Optimizer returns the wrapped optimizer, for trainer construction.
func (n *Noam) Optimizer() optimizers.Interface { return n.opt }

// CurrentStep returns the number of schedule steps taken so far.
func (n *Noam) CurrentStep() int { return n.step }

// Rate computes the learning rate for the given step (>= 1).
func (n *Noam) Rate(step int) float64 {
	s := float64(step)
	w := float64(n.warmup)
	return n.factor * math.Pow(float64(n.modelSize), -0.5) *
		math.Min(math.Pow(s, -0.5), s*math.Pow(w, -1.5))
}

// Step advances the schedule and applies the new rate to the learning-rate
// variable. It returns the rate now in effect.
func (n *Noam) Step() float64 {
	n.step++
	rate := n.Rate(n.step)
	n.lrVar.SetValue(tensors.FromScalar(float32(rate)))
	return rate
}
