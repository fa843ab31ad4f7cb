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

// Package model defines the sequence-to-sequence model capability the
// training core depends on, and two concrete gomlx graph-builder
// implementations: an attention-based Transformer and a recurrent GRU
// variant.
//
// All methods are graph-building functions: they take *graph.Node inputs
// belonging to the same graph and return nodes of that graph. Masks are
// boolean key-padding masks shaped [batch, len]; causal masking for
// autoregressive decoding is applied inside Decode.
package model

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// SequenceModel is the black-box capability the training and decoding core
// uses. Forward is the teacher-forced training path; Encode/Decode/Generator
// are the sub-operations greedy decoding drives step by step.
type SequenceModel interface {
	// Encode maps source token ids [batch, srcLen] to a memory
	// representation [batch, srcLen, dim].
	Encode(ctx *context.Context, src, srcMask *graph.Node) *graph.Node

	// Decode produces decoder states [batch, trgLen, dim] conditioned on the
	// encoded memory and the (teacher-forced or generated-so-far) target
	// prefix.
	Decode(ctx *context.Context, memory, srcMask, trg, trgMask *graph.Node) *graph.Node

	// Forward is Decode after Encode: the full teacher-forced pass.
	Forward(ctx *context.Context, src, trg, srcMask, trgMask *graph.Node) *graph.Node

	// Generator projects decoder states to log-probabilities over the target
	// vocabulary: [..., dim] -> [..., tgtVocabSize].
	Generator(ctx *context.Context, x *graph.Node) *graph.Node

	// ModelSize returns the model dimensionality used by the warm-up rate
	// schedule.
	ModelSize() int
}
