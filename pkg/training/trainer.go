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
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/amorim-cleison/sl-transformer/pkg/model"
	"github.com/amorim-cleison/sl-transformer/pkg/phono"
)

// Config holds the knobs of a training run.
type Config struct {
	Epochs      int
	BatchSize   int
	LogInterval int

	// Devices selects the loss compute strategy: 1 uses the single-device
	// path, more shards the projection and scoring.
	Devices   int
	ChunkSize int

	Smoothing float64
	Warmup    int
	Factor    float64

	// MaxDecodeLen bounds greedy generation during accuracy evaluation.
	MaxDecodeLen int

	// CheckpointDir, when set, receives the model variables after each epoch.
	CheckpointDir string

	Seed int64
}

// Validate fails fast on nonsensical configuration.
func (c *Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Devices < 1 {
		return errors.Errorf("device count must be at least 1, got %d", c.Devices)
	}
	if c.Devices > 1 && c.ChunkSize < 1 {
		return errors.Errorf("chunk size must be at least 1 when sharding, got %d", c.ChunkSize)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return errors.Errorf("smoothing must be in [0, 1), got %g", c.Smoothing)
	}
	if c.Warmup <= 0 {
		return errors.Errorf("warmup must be positive, got %d", c.Warmup)
	}
	if c.MaxDecodeLen < 2 {
		return errors.Errorf("max decode length must be at least 2, got %d", c.MaxDecodeLen)
	}
	return nil
}

// EpochResult is the outcome of one epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	Accuracy  float64
}

// Trainer ties together the model, criterion, schedule, loss compute and
// evaluation for a full run.
type Trainer struct {
	runID string
	cfg   Config

	trainDS *phono.Dataset
	valDS   *phono.Dataset

	lossCompute LossCompute
	evaluator   *AccuracyEvaluator
	checkpoint  *checkpoints.Handler
}

// New wires up a training run on the given backend and context.
func New(backend backends.Backend, ctx *context.Context, m model.SequenceModel,
	trainDS, valDS *phono.Dataset, cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	criterion, err := NewLabelSmoothing(trainDS.Tgt.Len(), trainDS.Tgt.PadID(), cfg.Smoothing)
	if err != nil {
		return nil, err
	}

	opt := optimizers.Adam().Betas(0.9, 0.98).Epsilon(1e-9).Done()
	schedule, err := NewNoam(ctx, opt, m.ModelSize(), cfg.Warmup, cfg.Factor)
	if err != nil {
		return nil, err
	}

	var lossCompute LossCompute
	if cfg.Devices > 1 {
		lossCompute, err = NewShardedLossCompute(backend, ctx, m, criterion, schedule, cfg.Devices, cfg.ChunkSize)
	} else {
		lossCompute, err = NewSimpleLossCompute(backend, ctx, m, criterion, schedule)
	}
	if err != nil {
		return nil, err
	}

	bos, err := trainDS.Tgt.BosID()
	if err != nil {
		return nil, err
	}
	eos, err := trainDS.Tgt.EosID()
	if err != nil {
		return nil, err
	}
	decoder, err := NewGreedyDecoder(backend, ctx, m, cfg.MaxDecodeLen, bos, eos)
	if err != nil {
		return nil, err
	}
	evaluator, err := NewAccuracyEvaluator(decoder, trainDS.Src.PadID(), trainDS.Tgt.PadID(), bos, eos)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		runID:       uuid.NewString(),
		cfg:         cfg,
		trainDS:     trainDS,
		valDS:       valDS,
		lossCompute: lossCompute,
		evaluator:   evaluator,
	}
	if cfg.CheckpointDir != "" {
		t.checkpoint, err = checkpoints.Build(ctx).Dir(cfg.CheckpointDir).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "setting up checkpoints in %q", cfg.CheckpointDir)
		}
	}
	return t, nil
}

// RunID identifies this training run in logs and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// Run executes the full training: for each epoch one training pass, one
// validation loss pass and one greedy-decoding accuracy pass.
func (t *Trainer) Run() ([]EpochResult, error) {
	srcPad := t.trainDS.Src.PadID()
	trgPad := t.trainDS.Tgt.PadID()

	trainIt, err := phono.NewIterator(t.trainDS, t.cfg.BatchSize, true, t.cfg.Seed)
	if err != nil {
		return nil, err
	}
	valIt, err := phono.NewIterator(t.valDS, t.cfg.BatchSize, false, t.cfg.Seed)
	if err != nil {
		return nil, err
	}

	klog.Infof("Run %s: %d epochs, %s training samples in %d batches, %s validation samples in %d batches",
		t.runID, t.cfg.Epochs,
		humanize.Comma(int64(len(t.trainDS.Samples))), trainIt.Len(),
		humanize.Comma(int64(len(t.valDS.Samples))), valIt.Len())
	bar := progressbar.Default(int64(t.cfg.Epochs), "epochs")

	results := make([]EpochResult, 0, t.cfg.Epochs)
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		trainIt.Reset()
		trainLoss, err := RunEpoch(trainIt, srcPad, trgPad, t.lossCompute, true, t.cfg.LogInterval)
		if err != nil {
			return results, errors.WithMessagef(err, "training epoch %d", epoch)
		}

		valIt.Reset()
		valLoss, err := RunEpoch(valIt, srcPad, trgPad, t.lossCompute, false, 0)
		if err != nil {
			return results, errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}

		valIt.Reset()
		accuracy, err := t.evaluator.Evaluate(valIt)
		if err != nil {
			return results, errors.WithMessagef(err, "scoring epoch %d", epoch)
		}

		klog.Infof("Epoch %d: train loss %f, validation loss %f, accuracy %f",
			epoch, trainLoss, valLoss, accuracy)
		results = append(results, EpochResult{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			ValLoss:   valLoss,
			Accuracy:  accuracy,
		})

		if t.checkpoint != nil {
			if err := t.checkpoint.Save(); err != nil {
				return results, errors.WithMessagef(err, "saving checkpoint for epoch %d", epoch)
			}
		}
		_ = bar.Add(1)
	}
	return results, nil
}
