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
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/amorim-cleison/sl-transformer/pkg/phono"
)

// RunEpoch drives one pass over the iterator, calling the loss compute's
// TrainStep (or EvalStep when train is false) per batch. It returns the mean
// loss per token over the epoch, or 0 when the iterator yields no tokens.
//
// Every logInterval steps it logs the current per-token loss and the token
// throughput since the previous log line; only the throughput window resets,
// the epoch totals keep accumulating.
func RunEpoch(it *phono.Iterator, srcPad, trgPad int32, lc LossCompute, train bool, logInterval int) (float64, error) {
	var (
		totalLoss    float64
		totalTokens  int
		windowTokens int
	)
	windowStart := time.Now()

	for i := 0; ; i++ {
		raw, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessage(err, "reading batch")
		}

		b, err := NewBatch(raw, srcPad, trgPad)
		if err != nil {
			return 0, errors.WithMessagef(err, "building batch %d", i)
		}

		var loss float64
		if train {
			loss, err = lc.TrainStep(b)
		} else {
			loss, err = lc.EvalStep(b)
		}
		if err != nil {
			b.Finalize()
			return 0, errors.WithMessagef(err, "batch %d", i)
		}

		totalLoss += loss
		totalTokens += b.NTokens
		windowTokens += b.NTokens

		if logInterval > 0 && i%logInterval == 1 {
			elapsed := time.Since(windowStart).Seconds()
			perToken := 0.0
			if b.NTokens > 0 {
				perToken = loss / float64(b.NTokens)
			}
			tokensPerSec := 0.0
			if elapsed > 0 {
				tokensPerSec = float64(windowTokens) / elapsed
			}
			klog.Infof("Epoch Step: %d Loss: %f Tokens per Sec: %f", i, perToken, tokensPerSec)
			windowStart = time.Now()
			windowTokens = 0
		}
		b.Finalize()
	}

	if totalTokens == 0 {
		return 0, nil
	}
	return totalLoss / float64(totalTokens), nil
}
