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
	"reflect"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	"github.com/amorim-cleison/sl-transformer/pkg/phono"
)

func TestMaskMarkers(t *testing.T) {
	e := &AccuracyEvaluator{trgPad: 1, bos: 2, eos: 3}

	tests := []struct {
		name string
		seq  []int32
		want []int32
	}{
		{
			name: "only begin and end markers are removed",
			seq:  []int32{2, 7, 8, 3},
			want: []int32{7, 8},
		},
		{
			name: "padding stays in the reference",
			seq:  []int32{1, 1, 2, 7, 8, 3},
			want: []int32{1, 1, 7, 8},
		},
		{
			name: "tokens decoded past the end marker stay in the hypothesis",
			seq:  []int32{2, 7, 3, 9, 9},
			want: []int32{7, 9, 9},
		},
		{
			name: "markers only",
			seq:  []int32{2, 3},
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.mask(tc.seq); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("mask(%v) = %v, expected %v", tc.seq, got, tc.want)
			}
		})
	}
}

// A hypothesis must not match a reference just because both reduce to the
// same glosses: the reference keeps its padding and the hypothesis keeps
// what it decoded past its end marker.
func TestMaskKeepsSequencesDistinct(t *testing.T) {
	e := &AccuracyEvaluator{trgPad: 1, bos: 2, eos: 3}

	hyp := e.mask([]int32{2, 7, 3, 9, 9}) // [7, 9, 9]
	ref := e.mask([]int32{1, 2, 7, 3})    // [1, 7]
	if sequencesMatch(hyp, ref) {
		t.Errorf("%v and %v must not match", hyp, ref)
	}
}

func TestSequencesMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b []int32
		want bool
	}{
		{"equal", []int32{7, 8}, []int32{7, 8}, true},
		{"both empty", nil, nil, true},
		{"different length", []int32{7}, []int32{7, 8}, false},
		{"different tokens", []int32{7, 9}, []int32{7, 8}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sequencesMatch(tc.a, tc.b); got != tc.want {
				t.Errorf("sequencesMatch(%v, %v) = %v, expected %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func newEvalDataset(labels [][]string) *phono.Dataset {
	samples := make([]phono.Sample, len(labels))
	srcSeqs := make([][]string, len(labels))
	for i, label := range labels {
		samples[i] = phono.Sample{Phonos: []string{"p1", "p2"}, Label: label}
		srcSeqs[i] = samples[i].Phonos
	}
	return &phono.Dataset{
		Samples: samples,
		Src:     phono.NewVocab(srcSeqs),
		Tgt:     phono.NewVocab(labels, phono.WithSequenceMarkers()),
	}
}

func newScriptedEvaluator(t *testing.T, ds *phono.Dataset, script []int32) *AccuracyEvaluator {
	t.Helper()
	backend := newTestBackend(t)
	ctx := context.New()

	m := &scriptedModel{vocab: ds.Tgt.Len(), script: script}
	bos, err := ds.Tgt.BosID()
	require.NoError(t, err)
	eos, err := ds.Tgt.EosID()
	require.NoError(t, err)
	decoder, err := NewGreedyDecoder(backend, ctx, m, 10, bos, eos)
	require.NoError(t, err)
	evaluator, err := NewAccuracyEvaluator(decoder, ds.Src.PadID(), ds.Tgt.PadID(), bos, eos)
	require.NoError(t, err)
	return evaluator
}

func TestEvaluateAllMatch(t *testing.T) {
	ds := newEvalDataset([][]string{{"HOUSE"}, {"HOUSE"}, {"HOUSE"}})
	house := ds.Tgt.ID("HOUSE")
	eos, _ := ds.Tgt.EosID()

	evaluator := newScriptedEvaluator(t, ds, []int32{house, eos})
	it, err := phono.NewIterator(ds, 2, false, 0)
	require.NoError(t, err)

	accuracy, err := evaluator.Evaluate(it)
	require.NoError(t, err)
	require.Equal(t, 1.0, accuracy)
}

func TestEvaluateNoMatch(t *testing.T) {
	ds := newEvalDataset([][]string{{"HOUSE"}, {"HOUSE"}})
	eos, _ := ds.Tgt.EosID()

	// The model ends every sequence immediately, so no hypothesis carries
	// the reference gloss.
	evaluator := newScriptedEvaluator(t, ds, []int32{eos})
	it, err := phono.NewIterator(ds, 2, false, 0)
	require.NoError(t, err)

	accuracy, err := evaluator.Evaluate(it)
	require.NoError(t, err)
	require.Equal(t, 0.0, accuracy)
}

func TestEvaluateEmptyIterator(t *testing.T) {
	ds := newEvalDataset(nil)
	eos, _ := ds.Tgt.EosID()

	evaluator := newScriptedEvaluator(t, ds, []int32{eos})
	it, err := phono.NewIterator(ds, 2, false, 0)
	require.NoError(t, err)

	accuracy, err := evaluator.Evaluate(it)
	require.NoError(t, err)
	require.Equal(t, 0.0, accuracy)
}

func TestNewAccuracyEvaluatorValidation(t *testing.T) {
	if _, err := NewAccuracyEvaluator(nil, 1, 1, 2, 3); err == nil {
		t.Error("NewAccuracyEvaluator() should fail without a decoder")
	}
}
