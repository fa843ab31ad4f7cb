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

// Package training implements the sequence-to-sequence training pipeline:
// batch and mask construction, the label-smoothing criterion, the warm-up
// learning rate schedule, single- and multi-device loss computation, the
// epoch loop, greedy decoding and accuracy evaluation.
package training

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/amorim-cleison/sl-transformer/pkg/phono"
)

// Batch holds the tensors for one teacher-forced training step. From the full
// target sequence, Trg is everything but the last token (decoder input) and
// TrgY everything but the first (prediction target), so position t of Trg
// predicts position t of TrgY.
type Batch struct {
	Src  *tensors.Tensor // [batch, srcLen] int32 token ids
	Trg  *tensors.Tensor // [batch, trgLen-1] decoder input
	TrgY *tensors.Tensor // [batch, trgLen-1] prediction target

	// SrcMask and TrgMask are boolean key-padding masks, true on real tokens.
	SrcMask *tensors.Tensor // [batch, srcLen]
	TrgMask *tensors.Tensor // [batch, trgLen-1]

	// NTokens counts non-padding positions of TrgY; it is the loss
	// normalization term.
	NTokens int

	// Raw token ids kept for host-side consumers (decoding, accuracy).
	SrcIDs  [][]int32
	TrgFull [][]int32
}

// NewBatch converts a raw padded batch into device tensors and masks.
func NewBatch(raw phono.RawBatch, srcPad, trgPad int32) (*Batch, error) {
	if len(raw.Src) == 0 || len(raw.Src) != len(raw.Trg) {
		return nil, errors.Errorf("batch must pair sources and targets, got %d sources and %d targets",
			len(raw.Src), len(raw.Trg))
	}
	srcLen := len(raw.Src[0])
	trgLen := len(raw.Trg[0])
	if trgLen < 2 {
		return nil, errors.Errorf("target sequences must have at least 2 tokens, got %d", trgLen)
	}

	b := &Batch{SrcIDs: raw.Src, TrgFull: raw.Trg}
	batchSize := len(raw.Src)

	srcFlat := make([]int32, 0, batchSize*srcLen)
	srcMask := make([]bool, 0, batchSize*srcLen)
	for _, seq := range raw.Src {
		if len(seq) != srcLen {
			return nil, errors.Errorf("ragged source batch: want length %d, got %d", srcLen, len(seq))
		}
		srcFlat = append(srcFlat, seq...)
		for _, id := range seq {
			srcMask = append(srcMask, id != srcPad)
		}
	}

	stepLen := trgLen - 1
	trgFlat := make([]int32, 0, batchSize*stepLen)
	trgYFlat := make([]int32, 0, batchSize*stepLen)
	trgMask := make([]bool, 0, batchSize*stepLen)
	for _, seq := range raw.Trg {
		if len(seq) != trgLen {
			return nil, errors.Errorf("ragged target batch: want length %d, got %d", trgLen, len(seq))
		}
		trgFlat = append(trgFlat, seq[:stepLen]...)
		trgYFlat = append(trgYFlat, seq[1:]...)
		for _, id := range seq[:stepLen] {
			trgMask = append(trgMask, id != trgPad)
		}
		for _, id := range seq[1:] {
			if id != trgPad {
				b.NTokens++
			}
		}
	}

	b.Src = tensors.FromFlatDataAndDimensions(srcFlat, batchSize, srcLen)
	b.SrcMask = tensors.FromFlatDataAndDimensions(srcMask, batchSize, srcLen)
	b.Trg = tensors.FromFlatDataAndDimensions(trgFlat, batchSize, stepLen)
	b.TrgY = tensors.FromFlatDataAndDimensions(trgYFlat, batchSize, stepLen)
	b.TrgMask = tensors.FromFlatDataAndDimensions(trgMask, batchSize, stepLen)
	return b, nil
}

// BatchSize returns the number of sequences in the batch.
func (b *Batch) BatchSize() int { return len(b.SrcIDs) }

// Finalize releases the batch's device tensors.
func (b *Batch) Finalize() {
	for _, t := range []*tensors.Tensor{b.Src, b.Trg, b.TrgY, b.SrcMask, b.TrgMask} {
		if t != nil {
			t.FinalizeAll()
		}
	}
	b.Src, b.Trg, b.TrgY, b.SrcMask, b.TrgMask = nil, nil, nil, nil, nil
}

// SubsequentMask returns the causal attention mask of the given size:
// position i may attend to positions j <= i.
func SubsequentMask(size int) [][]bool {
	mask := make([][]bool, size)
	for i := range mask {
		mask[i] = make([]bool, size)
		for j := 0; j <= i; j++ {
			mask[i][j] = true
		}
	}
	return mask
}

// PaddingMask flags the non-padding positions of a sequence.
func PaddingMask(seq []int32, pad int32) []bool {
	mask := make([]bool, len(seq))
	for i, id := range seq {
		mask[i] = id != pad
	}
	return mask
}

// SelfAttentionMask combines the causal mask with the sequence's padding
// mask: position i may attend to position j iff j <= i and seq[j] is not
// padding.
func SelfAttentionMask(seq []int32, pad int32) [][]bool {
	causal := SubsequentMask(len(seq))
	padding := PaddingMask(seq, pad)
	for i := range causal {
		for j := range causal[i] {
			causal[i][j] = causal[i][j] && padding[j]
		}
	}
	return causal
}
