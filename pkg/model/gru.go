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

package model

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// GRU is the recurrent sequence-to-sequence variant: a stack of unrolled GRU
// layers encodes the source; the decoder stack starts from the encoder's
// final state. It ignores attention masks: padding tokens flow through the
// recurrence like any other input.
type GRU struct {
	SrcVocabSize int
	TgtVocabSize int
	EmbedDim     int
	HiddenSize   int
	NumLayers    int
	DType        dtypes.DType
}

// NewGRU validates the architecture hyperparameters.
func NewGRU(srcVocab, tgtVocab, embedDim, hiddenSize, numLayers int) (*GRU, error) {
	if srcVocab <= 0 || tgtVocab <= 0 {
		return nil, errors.Errorf("vocabulary sizes must be positive, got src=%d tgt=%d", srcVocab, tgtVocab)
	}
	if embedDim <= 0 || hiddenSize <= 0 || numLayers <= 0 {
		return nil, errors.Errorf("model dimensions must be positive, got embed=%d hidden=%d layers=%d",
			embedDim, hiddenSize, numLayers)
	}
	return &GRU{
		SrcVocabSize: srcVocab,
		TgtVocabSize: tgtVocab,
		EmbedDim:     embedDim,
		HiddenSize:   hiddenSize,
		NumLayers:    numLayers,
		DType:        dtypes.Float32,
	}, nil
}

// ModelSize returns the embedding dimensionality.
func (m *GRU) ModelSize() int { return m.EmbedDim }

// Encode runs the encoder GRU stack over the embedded source sequence and
// returns the per-step hidden states [batch, srcLen, hidden].
func (m *GRU) Encode(ctx *context.Context, src, srcMask *Node) *Node {
	_ = srcMask
	ctx = ctx.In("encoder")
	x := layers.Embedding(ctx.In("embeddings"), src, m.DType, m.SrcVocabSize, m.EmbedDim)
	for i := 0; i < m.NumLayers; i++ {
		x = m.recurrentLayer(ctx.In(fmt.Sprintf("layer_%d", i)), x, nil)
	}
	return x
}

// Decode runs the decoder GRU stack over the embedded target prefix, each
// layer initialized from the final state of the encoded memory.
func (m *GRU) Decode(ctx *context.Context, memory, srcMask, trg, trgMask *Node) *Node {
	_, _ = srcMask, trgMask
	ctx = ctx.In("decoder")
	x := layers.Embedding(ctx.In("embeddings"), trg, m.DType, m.TgtVocabSize, m.EmbedDim)

	// Initial decoder state: the last encoder step.
	srcLen := memory.Shape().Dimensions[1]
	batch := memory.Shape().Dimensions[0]
	initial := Reshape(Slice(memory, AxisRange(), AxisRange(srcLen-1, srcLen)), batch, m.HiddenSize)

	for i := 0; i < m.NumLayers; i++ {
		x = m.recurrentLayer(ctx.In(fmt.Sprintf("layer_%d", i)), x, initial)
	}
	return x
}

// Forward is the teacher-forced training pass.
func (m *GRU) Forward(ctx *context.Context, src, trg, srcMask, trgMask *Node) *Node {
	memory := m.Encode(ctx, src, srcMask)
	return m.Decode(ctx, memory, srcMask, trg, trgMask)
}

// Generator projects decoder states to log-probabilities over the target
// vocabulary.
func (m *GRU) Generator(ctx *context.Context, x *Node) *Node {
	logits := layers.Dense(ctx.In("generator"), x, true, m.TgtVocabSize)
	return LogSoftmax(logits)
}

// recurrentLayer unrolls one GRU layer over the time axis of x
// [batch, seqLen, dim], returning [batch, seqLen, hidden]. The cell weights
// are shared across time steps, so the layer scope is unchecked for reuse.
func (m *GRU) recurrentLayer(ctx *context.Context, x, initial *Node) *Node {
	ctx = ctx.Checked(false)
	g := x.Graph()
	batch := x.Shape().Dimensions[0]
	seqLen := x.Shape().Dimensions[1]
	dim := x.Shape().Dimensions[2]

	h := initial
	if h == nil {
		h = Zeros(g, shapes.Make(m.DType, batch, m.HiddenSize))
	}

	outputs := make([]*Node, 0, seqLen)
	for t := 0; t < seqLen; t++ {
		xt := Reshape(Slice(x, AxisRange(), AxisRange(t, t+1)), batch, dim)
		h = m.cell(ctx, xt, h)
		outputs = append(outputs, Reshape(h, batch, 1, m.HiddenSize))
	}
	return Concatenate(outputs, 1)
}

// cell computes one GRU step: update gate z, reset gate r and candidate
// state, combined as h' = (1-z)*candidate + z*h.
func (m *GRU) cell(ctx *context.Context, xt, h *Node) *Node {
	joint := Concatenate([]*Node{xt, h}, -1)
	z := Sigmoid(layers.Dense(ctx.In("update_gate"), joint, true, m.HiddenSize))
	r := Sigmoid(layers.Dense(ctx.In("reset_gate"), joint, true, m.HiddenSize))
	candidate := Tanh(layers.Dense(ctx.In("candidate"),
		Concatenate([]*Node{xt, Mul(r, h)}, -1), true, m.HiddenSize))
	return Add(Mul(OneMinus(z), candidate), Mul(z, h))
}
