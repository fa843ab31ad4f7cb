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
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// scriptedModel emits a fixed token per decode position regardless of its
// inputs, so decoding and accuracy can be asserted exactly. Positions past
// the end of the script repeat its last token.
type scriptedModel struct {
	vocab  int
	script []int32
}

func (m *scriptedModel) ModelSize() int { return 8 }

func (m *scriptedModel) Encode(ctx *context.Context, src, srcMask *Node) *Node {
	return ConvertDType(src, dtypes.Float32)
}

func (m *scriptedModel) Decode(ctx *context.Context, memory, srcMask, trg, trgMask *Node) *Node {
	return ConvertDType(trg, dtypes.Float32)
}

func (m *scriptedModel) Forward(ctx *context.Context, src, trg, srcMask, trgMask *Node) *Node {
	return m.Decode(ctx, m.Encode(ctx, src, srcMask), srcMask, trg, trgMask)
}

func (m *scriptedModel) Generator(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	batch := x.Shape().Dimensions[0]
	length := x.Shape().Dimensions[1]

	flat := make([]float32, length*m.vocab)
	for p := 0; p < length; p++ {
		tok := m.script[min(p, len(m.script)-1)]
		for v := 0; v < m.vocab; v++ {
			logProb := float32(-12)
			if int32(v) == tok {
				logProb = -0.01
			}
			flat[p*m.vocab+v] = logProb
		}
	}
	scripted := Const(g, tensors.FromFlatDataAndDimensions(flat, length, m.vocab))
	return BroadcastToDims(ExpandDims(scripted, 0), batch, length, m.vocab)
}

func TestGreedyDecoderBatchSynchronous(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()
	m := newTestModel(t)

	const (
		maxLen = 6
		bos    = int32(2)
		eos    = int32(3)
	)
	decoder, err := NewGreedyDecoder(backend, ctx, m, maxLen, bos, eos)
	require.NoError(t, err)

	b := newTestBatch(t)
	defer b.Finalize()

	decoded, err := decoder.Decode(b)
	require.NoError(t, err)
	require.Len(t, decoded, b.BatchSize())

	for i, seq := range decoded {
		require.Equal(t, bos, seq[0], "sequence %d must start with the start symbol", i)
		require.LessOrEqual(t, len(seq), maxLen)
		// Generation is batch-synchronous: every sequence has the same length.
		require.Len(t, seq, len(decoded[0]), "sequence %d length", i)
		for _, id := range seq {
			require.GreaterOrEqual(t, id, int32(0))
			require.Less(t, id, int32(testTgtVocab))
		}
	}
}

func TestGreedyDecoderStopsWhenBatchEnds(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()

	const (
		bos = int32(2)
		eos = int32(3)
	)
	// Every sequence emits the end symbol on the first step, so decoding
	// must stop with exactly [start, end] everywhere, far below maxLen.
	m := &scriptedModel{vocab: testTgtVocab, script: []int32{eos}}
	decoder, err := NewGreedyDecoder(backend, ctx, m, 10, bos, eos)
	require.NoError(t, err)

	b := newTestBatch(t)
	defer b.Finalize()

	decoded, err := decoder.Decode(b)
	require.NoError(t, err)
	require.Len(t, decoded, b.BatchSize())
	for i, seq := range decoded {
		require.Equal(t, []int32{bos, eos}, seq, "sequence %d must stop right after the end symbol", i)
	}
}

func TestGreedyDecoderFollowsScript(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()

	const (
		bos = int32(2)
		eos = int32(3)
	)
	m := &scriptedModel{vocab: testTgtVocab, script: []int32{7, 4, eos}}
	decoder, err := NewGreedyDecoder(backend, ctx, m, 10, bos, eos)
	require.NoError(t, err)

	b := newTestBatch(t)
	defer b.Finalize()

	decoded, err := decoder.Decode(b)
	require.NoError(t, err)
	for i, seq := range decoded {
		require.Equal(t, []int32{bos, 7, 4, eos}, seq, "sequence %d", i)
	}
}

func TestGreedyDecoderValidation(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestModel(t)
	_, err := NewGreedyDecoder(backend, context.New(), m, 1, 2, 3)
	require.Error(t, err, "max length below 2 must be rejected")
}

func TestLastPositionArgmax(t *testing.T) {
	// [batch=2, seqLen=2, vocab=3]; only the last position counts.
	logProbs := tensors.FromFlatDataAndDimensions([]float32{
		9, 0, 0, 0, 0, 5, // row 0: last position peaks at 2
		0, 9, 0, 7, 0, 0, // row 1: last position peaks at 0
	}, 2, 2, 3)

	tokens, err := lastPositionArgmax(logProbs)
	require.NoError(t, err)
	require.Equal(t, []int32{2, 0}, tokens)

	_, err = lastPositionArgmax(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	require.Error(t, err, "rank-1 input must be rejected")
}

func TestFlattenIDs(t *testing.T) {
	tensor := flattenIDs([][]int32{{1, 2}, {3, 4}})
	require.Equal(t, []int{2, 2}, tensor.Shape().Dimensions)
	require.Equal(t, []int32{1, 2, 3, 4}, tensors.MustCopyFlatData[int32](tensor))
}
