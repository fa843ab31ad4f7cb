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
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"

	"github.com/amorim-cleison/sl-transformer/pkg/model"
)

// LossCompute runs the projection + criterion (+ optimizer, when training)
// for one batch. Both implementations return the un-normalized criterion sum,
// i.e. the per-batch loss multiplied back by the batch's token count.
type LossCompute interface {
	TrainStep(b *Batch) (float64, error)
	EvalStep(b *Batch) (float64, error)
}

// SimpleLossCompute projects the full decoder output to the vocabulary in one
// shot. It is the single-device strategy.
type SimpleLossCompute struct {
	trainer  *train.Trainer
	evalExec *context.Exec
	schedule *Noam
}

// NewSimpleLossCompute builds the trainer around the model's teacher-forced
// forward pass and the label-smoothing criterion. The schedule advances on
// every TrainStep, before the optimizer applies its update.
func NewSimpleLossCompute(backend backends.Backend, ctx *context.Context, m model.SequenceModel,
	criterion *LabelSmoothing, schedule *Noam) (*SimpleLossCompute, error) {
	if criterion == nil || schedule == nil {
		return nil, errors.New("criterion and schedule must be set")
	}

	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		src, trg, srcMask, trgMask := inputs[0], inputs[1], inputs[2], inputs[3]
		out := m.Forward(ctx, src, trg, srcMask, trgMask)
		return []*Node{m.Generator(ctx, out)}
	}
	trainer := train.NewTrainer(backend, ctx, modelFn, criterion.LossFn(), schedule.Optimizer(), nil, nil)

	evalFn := func(ctx *context.Context, src, trg, srcMask, trgMask, trgY, norm *Node) *Node {
		out := m.Forward(ctx, src, trg, srcMask, trgMask)
		logProbs := m.Generator(ctx, out)
		return criterion.LossFn()([]*Node{trgY, norm}, []*Node{logProbs})
	}
	evalExec, err := context.NewExecAny(backend, ctx.Checked(false), evalFn)
	if err != nil {
		return nil, errors.WithMessage(err, "building eval executor")
	}

	return &SimpleLossCompute{trainer: trainer, evalExec: evalExec, schedule: schedule}, nil
}

// TrainStep runs one optimizer update and returns the criterion sum.
func (lc *SimpleLossCompute) TrainStep(b *Batch) (float64, error) {
	lc.schedule.Step()
	norm := tensors.FromScalar(float32(b.NTokens))
	metrics, err := lc.trainer.TrainStep(nil,
		[]*tensors.Tensor{b.Src, b.Trg, b.SrcMask, b.TrgMask},
		[]*tensors.Tensor{b.TrgY, norm})
	if err != nil {
		return 0, errors.WithMessage(err, "train step failed")
	}
	loss := float64(metrics[0].Value().(float32))
	return loss * float64(b.NTokens), nil
}

// EvalStep scores the batch without touching the model parameters.
func (lc *SimpleLossCompute) EvalStep(b *Batch) (float64, error) {
	norm := tensors.FromScalar(float32(b.NTokens))
	outputs, err := lc.evalExec.Exec(b.Src, b.Trg, b.SrcMask, b.TrgMask, b.TrgY, norm)
	if err != nil {
		return 0, errors.WithMessage(err, "eval step failed")
	}
	loss := float64(outputs[0].Value().(float32))
	return loss * float64(b.NTokens), nil
}

// ShardedLossCompute is the multi-device strategy: the vocabulary projection
// and criterion are computed over time-chunks of the decoder output, and
// evaluation additionally fans the batch rows out over per-device scoring
// executors. Training gradients flow through every chunk, so the update is
// identical to the simple strategy's.
type ShardedLossCompute struct {
	trainer     *train.Trainer
	forwardExec *context.Exec
	scoreExecs  []*context.Exec
	schedule    *Noam
	devices     int
	chunkSize   int
}

// NewShardedLossCompute builds the chunked strategy for the given device
// count and time-chunk size.
func NewShardedLossCompute(backend backends.Backend, ctx *context.Context, m model.SequenceModel,
	criterion *LabelSmoothing, schedule *Noam, devices, chunkSize int) (*ShardedLossCompute, error) {
	if criterion == nil || schedule == nil {
		return nil, errors.New("criterion and schedule must be set")
	}
	if devices < 1 {
		return nil, errors.Errorf("device count must be at least 1, got %d", devices)
	}
	if chunkSize < 1 {
		return nil, errors.Errorf("chunk size must be at least 1, got %d", chunkSize)
	}

	chunkedLogProbs := func(ctx *context.Context, out *Node) []*Node {
		// The generator variables are shared across chunks.
		genCtx := ctx.Checked(false)
		seqLen := out.Shape().Dimensions[1]
		var chunks []*Node
		for start := 0; start < seqLen; start += chunkSize {
			end := min(start+chunkSize, seqLen)
			chunk := Slice(out, AxisRange(), AxisRange(start, end))
			chunks = append(chunks, m.Generator(genCtx, chunk))
		}
		return chunks
	}

	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		src, trg, srcMask, trgMask := inputs[0], inputs[1], inputs[2], inputs[3]
		out := m.Forward(ctx, src, trg, srcMask, trgMask)
		return chunkedLogProbs(ctx, out)
	}

	// Sums the per-chunk criterion, each divided by the normalization term.
	chunkedLoss := func(labels, predictions []*Node) *Node {
		target := labels[0]
		norm := ConvertDType(labels[1], predictions[0].DType())
		var total *Node
		start := 0
		for _, chunk := range predictions {
			chunkLen := chunk.Shape().Dimensions[1]
			targetChunk := Slice(target, AxisRange(), AxisRange(start, start+chunkLen))
			partial := Div(criterion.Criterion(chunk, targetChunk), norm)
			if total == nil {
				total = partial
			} else {
				total = Add(total, partial)
			}
			start += chunkLen
		}
		return total
	}

	trainer := train.NewTrainer(backend, ctx, modelFn, losses.LossFn(chunkedLoss), schedule.Optimizer(), nil, nil)

	forwardFn := func(ctx *context.Context, src, trg, srcMask, trgMask *Node) *Node {
		return m.Forward(ctx, src, trg, srcMask, trgMask)
	}
	forwardExec, err := context.NewExecAny(backend, ctx.Checked(false), forwardFn)
	if err != nil {
		return nil, errors.WithMessage(err, "building forward executor")
	}

	scoreFn := func(ctx *context.Context, out, trgY, norm *Node) *Node {
		return chunkedLoss([]*Node{trgY, norm}, chunkedLogProbs(ctx, out))
	}
	scoreExecs := make([]*context.Exec, devices)
	for d := range scoreExecs {
		scoreExecs[d], err = context.NewExecAny(backend, ctx.Checked(false), scoreFn)
		if err != nil {
			return nil, errors.WithMessagef(err, "building scoring executor for device %d", d)
		}
	}

	return &ShardedLossCompute{
		trainer:     trainer,
		forwardExec: forwardExec,
		scoreExecs:  scoreExecs,
		schedule:    schedule,
		devices:     devices,
		chunkSize:   chunkSize,
	}, nil
}

// TrainStep runs one optimizer update and returns the criterion sum.
func (lc *ShardedLossCompute) TrainStep(b *Batch) (float64, error) {
	lc.schedule.Step()
	norm := tensors.FromScalar(float32(b.NTokens))
	metrics, err := lc.trainer.TrainStep(nil,
		[]*tensors.Tensor{b.Src, b.Trg, b.SrcMask, b.TrgMask},
		[]*tensors.Tensor{b.TrgY, norm})
	if err != nil {
		return 0, errors.WithMessage(err, "train step failed")
	}
	loss := float64(metrics[0].Value().(float32))
	return loss * float64(b.NTokens), nil
}

// EvalStep materializes the decoder output once and scores row-shards of it
// concurrently, one goroutine per device. Partial losses accumulate into a
// running total of normalized chunk sums.
func (lc *ShardedLossCompute) EvalStep(b *Batch) (float64, error) {
	outputs, err := lc.forwardExec.Exec(b.Src, b.Trg, b.SrcMask, b.TrgMask)
	if err != nil {
		return 0, errors.WithMessage(err, "forward pass failed")
	}
	out := outputs[0]
	defer out.FinalizeAll()

	dims := out.Shape().Dimensions
	batchSize, seqLen, dim := dims[0], dims[1], dims[2]
	outData := tensors.MustCopyFlatData[float32](out)
	trgYData := tensors.MustCopyFlatData[int32](b.TrgY)

	perDevice := (batchSize + lc.devices - 1) / lc.devices
	norm := tensors.FromScalar(float32(b.NTokens))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		total   float64
		execErr error
	)
	for d := 0; d < lc.devices; d++ {
		lo := d * perDevice
		hi := min(lo+perDevice, batchSize)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(d, lo, hi int) {
			defer wg.Done()
			rows := hi - lo
			shard := tensors.FromFlatDataAndDimensions(
				outData[lo*seqLen*dim:hi*seqLen*dim], rows, seqLen, dim)
			trgYShard := tensors.FromFlatDataAndDimensions(
				trgYData[lo*seqLen:hi*seqLen], rows, seqLen)
			defer shard.FinalizeAll()
			defer trgYShard.FinalizeAll()

			scored, err := lc.scoreExecs[d].Exec(shard, trgYShard, norm)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if execErr == nil {
					execErr = errors.WithMessagef(err, "scoring shard on device %d", d)
				}
				return
			}
			total += float64(scored[0].Value().(float32))
		}(d, lo, hi)
	}
	wg.Wait()
	if execErr != nil {
		return 0, execErr
	}
	return total * float64(b.NTokens), nil
}
