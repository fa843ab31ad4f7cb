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

// Command sltrain trains a sequence-to-sequence model that maps phonological
// attribute sequences of signing videos to gloss labels, and reports
// validation loss and greedy-decoding accuracy per epoch.
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/amorim-cleison/sl-transformer/pkg/model"
	"github.com/amorim-cleison/sl-transformer/pkg/phono"
	"github.com/amorim-cleison/sl-transformer/pkg/training"
)

var (
	// Dataset flags.
	flagDataset       = flag.String("dataset", "data/phono.jsonl", "JSON-lines dataset file; created from -attributes_dir if missing")
	flagAttributesDir = flag.String("attributes_dir", "", "Directory of per-sample CSV attribute records")
	flagFields        = flag.String("fields", "movement_dh_st,movement_ndh_st,orientation_dh,orientation_ndh,mouth_openness",
		"Comma-separated attribute columns composed into each phono token")
	flagSamplesMinFreq = flag.Int("samples_min_freq", 2, "Minimum samples per gloss when creating the dataset")
	flagMaxSentenceLen = flag.Int("max_sentence_len", 100, "Drop samples with longer phono sequences")
	flagVocabMinFreq   = flag.Int("vocab_min_freq", 1, "Minimum token frequency for vocabulary entries")
	flagSplitRatio     = flag.Float64("train_split_ratio", 0.8, "Fraction of samples used for training")

	// Model flags.
	flagModel     = flag.String("model", "transformer", "Model architecture: transformer or gru")
	flagEmbedDim  = flag.Int("embed_dim", 512, "Embedding / model dimensionality")
	flagNumHeads  = flag.Int("num_heads", 8, "Attention heads (transformer)")
	flagNumLayers = flag.Int("num_layers", 6, "Encoder and decoder layers")
	flagHiddenDim = flag.Int("hidden_dim", 2048, "Feed-forward dimension (transformer) or recurrent state size (gru)")
	flagDropout   = flag.Float64("dropout", 0.1, "Dropout rate (transformer)")

	// Training flags.
	flagEpochs       = flag.Int("epochs", 10, "Training epochs")
	flagBatchSize    = flag.Int("batch_size", 32, "Batch size")
	flagLogInterval  = flag.Int("log_interval", 50, "Steps between throughput log lines")
	flagDevices      = flag.Int("devices", 1, "Device count; above 1 enables the sharded loss compute")
	flagChunkSize    = flag.Int("chunk_size", 5, "Time-chunk size for the sharded loss compute")
	flagSmoothing    = flag.Float64("smoothing", 0.1, "Label smoothing mass")
	flagWarmup       = flag.Int("warm_up", 400, "Warm-up steps of the learning rate schedule")
	flagMaxDecodeLen = flag.Int("max_decode_len", 20, "Greedy decoding length bound")
	flagCheckpoint   = flag.String("checkpoint", "", "Directory to save model checkpoints, empty to disable")
	flagSeed         = flag.Int64("seed", 42, "Shuffle seed for splits and batching")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).PaddingLeft(2)
)

func buildModel(srcVocab, tgtVocab int) (model.SequenceModel, error) {
	switch *flagModel {
	case "transformer":
		return model.NewTransformer(srcVocab, tgtVocab, *flagEmbedDim, *flagNumHeads,
			*flagNumLayers, *flagHiddenDim, *flagDropout)
	case "gru":
		return model.NewGRU(srcVocab, tgtVocab, *flagEmbedDim, *flagHiddenDim, *flagNumLayers)
	default:
		return nil, fmt.Errorf("unknown model %q: want transformer or gru", *flagModel)
	}
}

func main() {
	klog.InitFlags(nil)
	ctx := context.New()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	trainDS, valDS := must.M2(phono.BuildDataset(phono.DatasetConfig{
		Path:            *flagDataset,
		AttributesDir:   *flagAttributesDir,
		Fields:          strings.Split(*flagFields, ","),
		SamplesMinFreq:  *flagSamplesMinFreq,
		MaxSentenceLen:  *flagMaxSentenceLen,
		VocabMinFreq:    *flagVocabMinFreq,
		TrainSplitRatio: *flagSplitRatio,
		Seed:            *flagSeed,
	}))

	m := must.M1(buildModel(trainDS.Src.Len(), trainDS.Tgt.Len()))
	backend := must.M1(backends.New())

	trainer := must.M1(training.New(backend, ctx, m, trainDS, valDS, training.Config{
		Epochs:        *flagEpochs,
		BatchSize:     *flagBatchSize,
		LogInterval:   *flagLogInterval,
		Devices:       *flagDevices,
		ChunkSize:     *flagChunkSize,
		Smoothing:     *flagSmoothing,
		Warmup:        *flagWarmup,
		Factor:        1,
		MaxDecodeLen:  *flagMaxDecodeLen,
		CheckpointDir: *flagCheckpoint,
		Seed:          *flagSeed,
	}))

	results := must.M1(trainer.Run())

	fmt.Println(titleStyle.Render(fmt.Sprintf("Run %s finished", trainer.RunID())))
	for _, r := range results {
		fmt.Println(summaryStyle.Render(fmt.Sprintf(
			"epoch %2d  train loss %8.4f  val loss %8.4f  accuracy %6.2f%%",
			r.Epoch, r.TrainLoss, r.ValLoss, 100*r.Accuracy)))
	}
}
