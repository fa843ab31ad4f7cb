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
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

const (
	testSrcVocab = 16
	testTgtVocab = 12
	testBatch    = 2
	testSrcLen   = 5
	testTrgLen   = 4
)

func newTestBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := backends.New()
	require.NoError(t, err, "creating backend")
	return backend
}

func testInputs(t *testing.T) (src, trg, srcMask, trgMask *tensors.Tensor) {
	t.Helper()
	src = tensors.FromFlatDataAndDimensions([]int32{
		4, 5, 6, 7, 1,
		8, 9, 1, 1, 1,
	}, testBatch, testSrcLen)
	trg = tensors.FromFlatDataAndDimensions([]int32{
		2, 4, 5, 6,
		1, 2, 4, 5,
	}, testBatch, testTrgLen)
	srcMask = tensors.FromFlatDataAndDimensions([]bool{
		true, true, true, true, false,
		true, true, false, false, false,
	}, testBatch, testSrcLen)
	trgMask = tensors.FromFlatDataAndDimensions([]bool{
		true, true, true, true,
		false, true, true, true,
	}, testBatch, testTrgLen)
	return
}

func forwardShapes(t *testing.T, m SequenceModel) (memoryDims, logProbDims []int) {
	t.Helper()
	backend := newTestBackend(t)
	ctx := context.New()

	exec, err := context.NewExecAny(backend, ctx,
		func(ctx *context.Context, src, trg, srcMask, trgMask *graph.Node) []*graph.Node {
			// Encode and Forward share the encoder variables.
			ctx = ctx.Checked(false)
			memory := m.Encode(ctx, src, srcMask)
			out := m.Forward(ctx, src, trg, srcMask, trgMask)
			return []*graph.Node{memory, m.Generator(ctx, out)}
		})
	require.NoError(t, err, "building executor")

	src, trg, srcMask, trgMask := testInputs(t)
	outputs, err := exec.Exec(src, trg, srcMask, trgMask)
	require.NoError(t, err, "running model")
	return outputs[0].Shape().Dimensions, outputs[1].Shape().Dimensions
}

func TestTransformerShapes(t *testing.T) {
	m, err := NewTransformer(testSrcVocab, testTgtVocab, 8, 2, 1, 16, 0)
	require.NoError(t, err)
	require.Equal(t, 8, m.ModelSize())

	memoryDims, logProbDims := forwardShapes(t, m)
	require.Equal(t, []int{testBatch, testSrcLen, 8}, memoryDims)
	require.Equal(t, []int{testBatch, testTrgLen, testTgtVocab}, logProbDims)
}

func TestGRUShapes(t *testing.T) {
	m, err := NewGRU(testSrcVocab, testTgtVocab, 8, 8, 1)
	require.NoError(t, err)
	require.Equal(t, 8, m.ModelSize())

	memoryDims, logProbDims := forwardShapes(t, m)
	require.Equal(t, []int{testBatch, testSrcLen, 8}, memoryDims)
	require.Equal(t, []int{testBatch, testTrgLen, testTgtVocab}, logProbDims)
}

func TestGeneratorIsLogDistribution(t *testing.T) {
	m, err := NewTransformer(testSrcVocab, testTgtVocab, 8, 2, 1, 16, 0)
	require.NoError(t, err)

	backend := newTestBackend(t)
	exec, err := context.NewExecAny(backend, context.New(),
		func(ctx *context.Context, src, trg, srcMask, trgMask *graph.Node) *graph.Node {
			out := m.Forward(ctx, src, trg, srcMask, trgMask)
			return m.Generator(ctx, out)
		})
	require.NoError(t, err)

	src, trg, srcMask, trgMask := testInputs(t)
	outputs, err := exec.Exec(src, trg, srcMask, trgMask)
	require.NoError(t, err)

	data := tensors.MustCopyFlatData[float32](outputs[0])
	for pos := 0; pos < testBatch*testTrgLen; pos++ {
		var sum float64
		for v := 0; v < testTgtVocab; v++ {
			logProb := float64(data[pos*testTgtVocab+v])
			require.LessOrEqual(t, logProb, 1e-5, "log-probabilities must be <= 0")
			sum += math.Exp(logProb)
		}
		require.InDelta(t, 1.0, sum, 1e-3, "probabilities at position %d must sum to 1", pos)
	}
}

func TestConstructorValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() error
	}{
		{"transformer zero vocab", func() error {
			_, err := NewTransformer(0, testTgtVocab, 8, 2, 1, 16, 0)
			return err
		}},
		{"transformer indivisible heads", func() error {
			_, err := NewTransformer(testSrcVocab, testTgtVocab, 8, 3, 1, 16, 0)
			return err
		}},
		{"transformer bad dropout", func() error {
			_, err := NewTransformer(testSrcVocab, testTgtVocab, 8, 2, 1, 16, 1)
			return err
		}},
		{"gru zero hidden", func() error {
			_, err := NewGRU(testSrcVocab, testTgtVocab, 8, 0, 1)
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.build())
		})
	}
}
