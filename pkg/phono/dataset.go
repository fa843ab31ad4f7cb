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
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample pairs one phono token sequence (one token per video frame) with its
// gloss label tokens.
type Sample struct {
	Phonos []string `json:"phonos"`
	Label  []string `json:"label"`
}

// Dataset is an in-memory collection of samples plus the vocabularies built
// over them.
type Dataset struct {
	Samples []Sample

	// Src is the phono vocabulary, Tgt the gloss vocabulary (with <bos>/<eos>).
	Src *Vocab
	Tgt *Vocab
}

// DatasetConfig configures dataset construction.
type DatasetConfig struct {
	// Path of the JSON-lines dataset file. If it does not exist and
	// AttributesDir is set, the dataset is created from the attribute records
	// and written there.
	Path string

	// AttributesDir holds per-sample CSV files of frame attributes, named
	// "<gloss>-<id>.csv".
	AttributesDir string

	// Fields are the attribute columns composed into each phono token.
	Fields []string

	// SamplesMinFreq drops glosses with fewer samples than this.
	SamplesMinFreq int

	// MaxSentenceLen drops samples whose phono sequence is longer than this.
	MaxSentenceLen int

	// VocabMinFreq is the minimum token frequency for vocabulary entries.
	VocabMinFreq int

	// TrainSplitRatio is the fraction of samples assigned to training.
	TrainSplitRatio float64

	// Seed drives the split shuffle.
	Seed int64
}

// Validate fails fast on nonsensical configuration.
func (c *DatasetConfig) Validate() error {
	if c.Path == "" {
		return errors.New("dataset path must be set")
	}
	if c.MaxSentenceLen <= 0 {
		return errors.Errorf("max sentence length must be positive, got %d", c.MaxSentenceLen)
	}
	if c.TrainSplitRatio <= 0 || c.TrainSplitRatio >= 1 {
		return errors.Errorf("train split ratio must be in (0, 1), got %g", c.TrainSplitRatio)
	}
	return nil
}

// composeToken joins the selected attribute values of one frame into a single
// phono token. Each value is left-aligned and padded to width 20; fields are
// joined with "-". Empty attributes stay as padded blanks so the token width
// is stable across frames.
func composeToken(values []string) string {
	padded := make([]string, len(values))
	for i, v := range values {
		padded[i] = fmt.Sprintf("%-20s", v)
	}
	return strings.Join(padded, "-")
}

// glossFromFilename extracts the gloss from an attribute file named
// "<gloss>-<id>.csv".
func glossFromFilename(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if idx := strings.LastIndex(base, "-"); idx > 0 {
		return base[:idx]
	}
	return base
}

// CreateDataset builds samples from the per-frame attribute records under
// attributesDir and writes them as JSON lines to path. Glosses with fewer
// than samplesMinFreq samples are dropped.
func CreateDataset(attributesDir, path string, fields []string, samplesMinFreq int) error {
	entries, err := os.ReadDir(attributesDir)
	if err != nil {
		return errors.WithMessagef(err, "reading attributes dir %q", attributesDir)
	}

	var samples []Sample
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		fullPath := filepath.Join(attributesDir, entry.Name())
		sample, err := readAttributeRecord(fullPath, fields)
		if err != nil {
			return errors.WithMessagef(err, "reading attribute record %q", fullPath)
		}
		sample.Label = strings.Fields(glossFromFilename(entry.Name()))
		samples = append(samples, sample)
	}

	if samplesMinFreq > 1 {
		samples = filterRareGlosses(samples, samplesMinFreq)
	}

	klog.V(1).Infof("Created %d samples from %q", len(samples), attributesDir)
	return writeSamples(path, samples)
}

// readAttributeRecord loads one sample's frame attributes with a gota
// dataframe and composes one phono token per frame.
func readAttributeRecord(path string, fields []string) (Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sample{}, err
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return Sample{}, errors.WithMessage(df.Err, "parsing CSV")
	}

	columns := make([][]string, len(fields))
	for i, field := range fields {
		col := df.Col(field)
		if col.Err != nil {
			return Sample{}, errors.WithMessagef(col.Err, "column %q", field)
		}
		columns[i] = col.Records()
	}

	phonos := make([]string, df.Nrow())
	values := make([]string, len(fields))
	for row := 0; row < df.Nrow(); row++ {
		for i := range fields {
			values[i] = columns[i][row]
		}
		phonos[row] = composeToken(values)
	}
	return Sample{Phonos: phonos}, nil
}

func filterRareGlosses(samples []Sample, minFreq int) []Sample {
	counts := make(map[string]int)
	for _, s := range samples {
		counts[strings.Join(s.Label, " ")]++
	}
	kept := samples[:0]
	for _, s := range samples {
		if counts[strings.Join(s.Label, " ")] >= minFreq {
			kept = append(kept, s)
		}
	}
	return kept
}

func writeSamples(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithMessagef(err, "creating dataset dir for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessagef(err, "creating dataset file %q", path)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return errors.WithMessage(err, "encoding sample")
		}
	}
	return w.Flush()
}

// LoadSamples reads a JSON-lines dataset file.
func LoadSamples(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening dataset file %q", path)
	}
	defer func() { _ = f.Close() }()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s Sample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, errors.WithMessagef(err, "parsing sample %d", len(samples))
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithMessage(err, "scanning dataset file")
	}
	return samples, nil
}

// BuildDataset loads (creating if needed) the dataset, filters over-long
// samples, builds the vocabularies over the full data and splits into
// train/validation sets.
func BuildDataset(cfg DatasetConfig) (train, val *Dataset, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
		if cfg.AttributesDir == "" {
			return nil, nil, errors.Errorf("dataset file %q does not exist and no attributes dir was given", cfg.Path)
		}
		if err = CreateDataset(cfg.AttributesDir, cfg.Path, cfg.Fields, cfg.SamplesMinFreq); err != nil {
			return nil, nil, err
		}
	}

	samples, err := LoadSamples(cfg.Path)
	if err != nil {
		return nil, nil, err
	}

	kept := samples[:0]
	for _, s := range samples {
		if len(s.Phonos) > 0 && len(s.Phonos) <= cfg.MaxSentenceLen && len(s.Label) > 0 {
			kept = append(kept, s)
		}
	}
	samples = kept
	if len(samples) == 0 {
		return nil, nil, errors.New("dataset is empty after filtering")
	}

	// Vocabularies are built over the full dataset, before the split, so
	// validation tokens are never unknown by construction.
	srcSeqs := make([][]string, len(samples))
	tgtSeqs := make([][]string, len(samples))
	for i, s := range samples {
		srcSeqs[i] = s.Phonos
		tgtSeqs[i] = s.Label
	}
	srcVocab := NewVocab(srcSeqs, WithMinFreq(cfg.VocabMinFreq))
	tgtVocab := NewVocab(tgtSeqs, WithMinFreq(cfg.VocabMinFreq), WithSequenceMarkers())

	rng := rand.New(rand.NewSource(cfg.Seed))
	shuffled := make([]Sample, len(samples))
	copy(shuffled, samples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := int(float64(len(shuffled)) * cfg.TrainSplitRatio)
	if cut < 1 {
		cut = 1
	}
	if cut > len(shuffled) {
		cut = len(shuffled)
	}

	train = &Dataset{Samples: shuffled[:cut], Src: srcVocab, Tgt: tgtVocab}
	val = &Dataset{Samples: shuffled[cut:], Src: srcVocab, Tgt: tgtVocab}
	klog.Infof("Dataset: %d train / %d validation samples, %d phono tokens, %d gloss tokens",
		len(train.Samples), len(val.Samples), srcVocab.Len(), tgtVocab.Len())
	return train, val, nil
}
