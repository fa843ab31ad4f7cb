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
	"io"

	"github.com/pkg/errors"

	"github.com/amorim-cleison/sl-transformer/pkg/phono"
)

// AccuracyEvaluator scores greedy-decoded glosses against reference labels by
// exact sequence match, after masking the begin/end markers out of both
// sides. Padding in the reference and tokens decoded past the end marker
// stay in the comparison, so a hypothesis must reproduce the reference
// shape exactly.
type AccuracyEvaluator struct {
	decoder *GreedyDecoder

	srcPad int32
	trgPad int32
	bos    int32
	eos    int32
}

// NewAccuracyEvaluator wires the evaluator to a decoder and the ids to
// ignore during comparison.
func NewAccuracyEvaluator(decoder *GreedyDecoder, srcPad, trgPad, bos, eos int32) (*AccuracyEvaluator, error) {
	if decoder == nil {
		return nil, errors.New("decoder must be set")
	}
	return &AccuracyEvaluator{decoder: decoder, srcPad: srcPad, trgPad: trgPad, bos: bos, eos: eos}, nil
}

// Evaluate decodes every batch of the iterator and returns the fraction of
// sequences whose decoded glosses exactly match the reference. An empty
// iterator scores 0.
func (e *AccuracyEvaluator) Evaluate(it *phono.Iterator) (float64, error) {
	correct, total := 0, 0
	for {
		raw, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessage(err, "reading batch")
		}

		b, err := NewBatch(raw, e.srcPad, e.trgPad)
		if err != nil {
			return 0, errors.WithMessage(err, "building batch")
		}
		decoded, err := e.decoder.Decode(b)
		b.Finalize()
		if err != nil {
			return 0, errors.WithMessage(err, "decoding batch")
		}

		for i, hyp := range decoded {
			if sequencesMatch(e.mask(hyp), e.mask(raw.Trg[i])) {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

// mask removes the begin/end markers and nothing else. Padding and the
// trailing tokens batch-synchronous decoding appends past a sequence's end
// are kept, and count against the match.
func (e *AccuracyEvaluator) mask(seq []int32) []int32 {
	var out []int32
	for _, id := range seq {
		if id == e.bos || id == e.eos {
			continue
		}
		out = append(out, id)
	}
	return out
}

func sequencesMatch(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
