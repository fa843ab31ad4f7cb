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

// Package phono builds datasets of sign-language feature sequences
// ("phonos": one token per frame, composed from hand/arm/orientation
// attributes) paired with gloss labels, and the vocabularies and batch
// iterators the training loop consumes.
package phono

import (
	"sort"

	"github.com/pkg/errors"
)

// Reserved vocabulary tokens. Unknown and padding exist in every vocabulary;
// begin/end-of-sequence markers are added only to target vocabularies.
const (
	UnknownToken = "<unk>"
	PadToken     = "<pad>"
	BosToken     = "<bos>"
	EosToken     = "<eos>"
)

// Vocab is a bidirectional mapping between token strings and integer ids.
// It is built once from training data and read-only afterwards.
type Vocab struct {
	itos []string
	stoi map[string]int32

	hasMarkers bool
}

// VocabOption configures vocabulary construction.
type VocabOption func(*vocabOptions)

type vocabOptions struct {
	minFreq    int
	hasMarkers bool
}

// WithMinFreq drops tokens that appear fewer than minFreq times.
func WithMinFreq(minFreq int) VocabOption {
	return func(o *vocabOptions) { o.minFreq = minFreq }
}

// WithSequenceMarkers reserves begin/end-of-sequence ids (target vocabulary).
func WithSequenceMarkers() VocabOption {
	return func(o *vocabOptions) { o.hasMarkers = true }
}

// NewVocab builds a vocabulary from token sequences. Reserved ids come first
// (<unk>=0, <pad>=1, and for target vocabularies <bos>=2, <eos>=3), followed
// by data tokens ordered by descending frequency, ties broken
// lexicographically.
func NewVocab(sequences [][]string, opts ...VocabOption) *Vocab {
	options := vocabOptions{minFreq: 1}
	for _, opt := range opts {
		opt(&options)
	}
	if options.minFreq < 1 {
		options.minFreq = 1
	}

	freq := make(map[string]int)
	for _, seq := range sequences {
		for _, tok := range seq {
			freq[tok]++
		}
	}

	tokens := make([]string, 0, len(freq))
	for tok, n := range freq {
		if n >= options.minFreq {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if freq[tokens[i]] != freq[tokens[j]] {
			return freq[tokens[i]] > freq[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})

	specials := []string{UnknownToken, PadToken}
	if options.hasMarkers {
		specials = append(specials, BosToken, EosToken)
	}

	v := &Vocab{
		itos:       make([]string, 0, len(specials)+len(tokens)),
		stoi:       make(map[string]int32, len(specials)+len(tokens)),
		hasMarkers: options.hasMarkers,
	}
	for _, tok := range specials {
		v.add(tok)
	}
	for _, tok := range tokens {
		if _, found := v.stoi[tok]; !found {
			v.add(tok)
		}
	}
	return v
}

func (v *Vocab) add(tok string) {
	v.stoi[tok] = int32(len(v.itos))
	v.itos = append(v.itos, tok)
}

// Len returns the vocabulary size, reserved tokens included.
func (v *Vocab) Len() int { return len(v.itos) }

// ID returns the id for a token, or the unknown id if absent.
func (v *Vocab) ID(tok string) int32 {
	if id, found := v.stoi[tok]; found {
		return id
	}
	return v.stoi[UnknownToken]
}

// Token returns the string for an id.
func (v *Vocab) Token(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.itos) {
		return "", errors.Errorf("token id %d out of range [0, %d)", id, len(v.itos))
	}
	return v.itos[id], nil
}

// PadID returns the reserved padding id.
func (v *Vocab) PadID() int32 { return v.stoi[PadToken] }

// UnknownID returns the reserved unknown id.
func (v *Vocab) UnknownID() int32 { return v.stoi[UnknownToken] }

// BosID returns the begin-of-sequence id. Only valid for vocabularies built
// with WithSequenceMarkers.
func (v *Vocab) BosID() (int32, error) {
	if !v.hasMarkers {
		return 0, errors.New("vocabulary has no begin/end-of-sequence markers")
	}
	return v.stoi[BosToken], nil
}

// EosID returns the end-of-sequence id. Only valid for vocabularies built
// with WithSequenceMarkers.
func (v *Vocab) EosID() (int32, error) {
	if !v.hasMarkers {
		return 0, errors.New("vocabulary has no begin/end-of-sequence markers")
	}
	return v.stoi[EosToken], nil
}

// Encode maps a token sequence to ids, mapping unseen tokens to <unk>.
func (v *Vocab) Encode(tokens []string) []int32 {
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.ID(tok)
	}
	return ids
}

// Decode maps ids back to token strings.
func (v *Vocab) Decode(ids []int32) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tok, err := v.Token(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}
