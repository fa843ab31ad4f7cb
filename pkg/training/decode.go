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
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/amorim-cleison/sl-transformer/pkg/model"
)

// GreedyDecoder generates gloss sequences by running the encoder once per
// batch and then the decoder step by step, always taking the most likely next
// token. Generation is batch-synchronous: every sequence keeps receiving the
// argmax token until the whole batch emits the end symbol on the same step,
// so shorter sequences may carry tokens past their end symbol.
type GreedyDecoder struct {
	encodeExec *context.Exec
	decodeExec *context.Exec

	maxLen      int
	startSymbol int32
	endSymbol   int32
}

// NewGreedyDecoder compiles the encode and decode-step executors against the
// model's variables on ctx.
func NewGreedyDecoder(backend backends.Backend, ctx *context.Context, m model.SequenceModel,
	maxLen int, startSymbol, endSymbol int32) (*GreedyDecoder, error) {
	if maxLen < 2 {
		return nil, errors.Errorf("max length must be at least 2, got %d", maxLen)
	}

	encodeFn := func(ctx *context.Context, src, srcMask *graph.Node) *graph.Node {
		return m.Encode(ctx, src, srcMask)
	}
	encodeExec, err := context.NewExecAny(backend, ctx.Checked(false), encodeFn)
	if err != nil {
		return nil, errors.WithMessage(err, "building encode executor")
	}

	decodeFn := func(ctx *context.Context, memory, srcMask, ys *graph.Node) *graph.Node {
		out := m.Decode(ctx, memory, srcMask, ys, nil)
		return m.Generator(ctx, out)
	}
	decodeExec, err := context.NewExecAny(backend, ctx.Checked(false), decodeFn)
	if err != nil {
		return nil, errors.WithMessage(err, "building decode executor")
	}

	return &GreedyDecoder{
		encodeExec:  encodeExec,
		decodeExec:  decodeExec,
		maxLen:      maxLen,
		startSymbol: startSymbol,
		endSymbol:   endSymbol,
	}, nil
}

// Decode generates up to maxLen-1 tokens after the start symbol for every
// sequence of the batch. The returned sequences include the leading start
// symbol.
func (d *GreedyDecoder) Decode(b *Batch) ([][]int32, error) {
	memories, err := d.encodeExec.Exec(b.Src, b.SrcMask)
	if err != nil {
		return nil, errors.WithMessage(err, "encoder failed")
	}
	memory := memories[0]
	defer memory.FinalizeAll()

	batchSize := b.BatchSize()
	ys := make([][]int32, batchSize)
	for i := range ys {
		ys[i] = []int32{d.startSymbol}
	}

	for step := 0; step < d.maxLen-1; step++ {
		ysTensor := flattenIDs(ys)
		logProbs, err := d.decodeExec.Exec(memory, b.SrcMask, ysTensor)
		ysTensor.FinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "decode step %d failed", step)
		}

		nextTokens, err := lastPositionArgmax(logProbs[0])
		logProbs[0].FinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "decode step %d", step)
		}

		allEnded := true
		for i, token := range nextTokens {
			ys[i] = append(ys[i], token)
			if token != d.endSymbol {
				allEnded = false
			}
		}
		if allEnded {
			break
		}
	}
	return ys, nil
}

// flattenIDs packs equal-length id sequences into a [batch, len] tensor.
func flattenIDs(seqs [][]int32) *tensors.Tensor {
	seqLen := len(seqs[0])
	flat := make([]int32, 0, len(seqs)*seqLen)
	for _, seq := range seqs {
		flat = append(flat, seq...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(seqs), seqLen)
}

// lastPositionArgmax extracts the most likely token at the final time step of
// a [batch, seqLen, vocab] log-probability tensor.
func lastPositionArgmax(logProbs *tensors.Tensor) ([]int32, error) {
	shape := logProbs.Shape()
	if shape.Rank() != 3 {
		return nil, errors.Errorf("expected log-probabilities of rank 3, got %d", shape.Rank())
	}
	batchSize := shape.Dimensions[0]
	seqLen := shape.Dimensions[1]
	vocabSize := shape.Dimensions[2]

	var data []float32
	switch shape.DType {
	case dtypes.Float32:
		data = tensors.MustCopyFlatData[float32](logProbs)
	case dtypes.Float64:
		wide := tensors.MustCopyFlatData[float64](logProbs)
		data = make([]float32, len(wide))
		for i, v := range wide {
			data[i] = float32(v)
		}
	case dtypes.Float16:
		halves := tensors.MustCopyFlatData[float16.Float16](logProbs)
		data = make([]float32, len(halves))
		for i, v := range halves {
			data[i] = v.Float32()
		}
	default:
		return nil, errors.Errorf("unsupported dtype for log-probabilities: %s", shape.DType)
	}

	tokens := make([]int32, batchSize)
	for i := 0; i < batchSize; i++ {
		offset := i*seqLen*vocabSize + (seqLen-1)*vocabSize
		row := data[offset : offset+vocabSize]
		maxIdx := 0
		for v := 1; v < vocabSize; v++ {
			if row[v] > row[maxIdx] {
				maxIdx = v
			}
		}
		tokens[i] = int32(maxIdx)
	}
	return tokens, nil
}
