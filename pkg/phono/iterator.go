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

package phono

import (
	"io"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// RawBatch holds one batch of padded token-id sequences, batch-major:
// Src[i] and Trg[i] are the i-th sequence of the batch. Source sequences are
// padded at the end; target sequences are wrapped in <bos>...<eos> and padded
// at the front.
type RawBatch struct {
	Src [][]int32
	Trg [][]int32
}

// Iterator yields RawBatches over a dataset. Samples are sorted by
// (len(phonos), len(label)) so batches pad minimally; the order of the
// batches themselves is reshuffled on every Reset when in training mode.
type Iterator struct {
	batches []RawBatch
	next    int

	train bool
	rng   *rand.Rand
}

// NewIterator builds batches of up to batchSize samples from the dataset.
func NewIterator(ds *Dataset, batchSize int, train bool, seed int64) (*Iterator, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	ordered := make([]Sample, len(ds.Samples))
	copy(ordered, ds.Samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		if len(ordered[i].Phonos) != len(ordered[j].Phonos) {
			return len(ordered[i].Phonos) < len(ordered[j].Phonos)
		}
		return len(ordered[i].Label) < len(ordered[j].Label)
	})

	bosID, err := ds.Tgt.BosID()
	if err != nil {
		return nil, err
	}
	eosID, err := ds.Tgt.EosID()
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		train: train,
		rng:   rand.New(rand.NewSource(seed)),
	}
	for start := 0; start < len(ordered); start += batchSize {
		end := start + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		it.batches = append(it.batches, makeRawBatch(ordered[start:end], ds.Src, ds.Tgt, bosID, eosID))
	}
	it.Reset()
	return it, nil
}

func makeRawBatch(samples []Sample, src, tgt *Vocab, bosID, eosID int32) RawBatch {
	maxSrc, maxTrg := 0, 0
	for _, s := range samples {
		if len(s.Phonos) > maxSrc {
			maxSrc = len(s.Phonos)
		}
		if len(s.Label)+2 > maxTrg { // +2 for <bos> and <eos>
			maxTrg = len(s.Label) + 2
		}
	}

	batch := RawBatch{
		Src: make([][]int32, len(samples)),
		Trg: make([][]int32, len(samples)),
	}
	srcPad, tgtPad := src.PadID(), tgt.PadID()
	for i, s := range samples {
		srcIDs := make([]int32, maxSrc)
		copy(srcIDs, src.Encode(s.Phonos))
		for j := len(s.Phonos); j < maxSrc; j++ {
			srcIDs[j] = srcPad
		}
		batch.Src[i] = srcIDs

		// Target is padded at the front: [pad..., <bos>, tokens..., <eos>].
		trgIDs := make([]int32, maxTrg)
		npad := maxTrg - len(s.Label) - 2
		for j := 0; j < npad; j++ {
			trgIDs[j] = tgtPad
		}
		trgIDs[npad] = bosID
		copy(trgIDs[npad+1:], tgt.Encode(s.Label))
		trgIDs[maxTrg-1] = eosID
		batch.Trg[i] = trgIDs
	}
	return batch
}

// Len returns the number of batches per epoch.
func (it *Iterator) Len() int { return len(it.batches) }

// Next returns the next batch, or io.EOF at the end of the epoch.
func (it *Iterator) Next() (RawBatch, error) {
	if it.next >= len(it.batches) {
		return RawBatch{}, io.EOF
	}
	b := it.batches[it.next]
	it.next++
	return b, nil
}

// Reset rewinds the iterator for a new epoch, reshuffling batch order in
// training mode.
func (it *Iterator) Reset() {
	it.next = 0
	if it.train {
		it.rng.Shuffle(len(it.batches), func(i, j int) {
			it.batches[i], it.batches[j] = it.batches[j], it.batches[i]
		})
	}
}
