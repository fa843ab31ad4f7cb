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
	"reflect"
	"testing"
)

func TestVocabReservedIDs(t *testing.T) {
	seqs := [][]string{{"a", "b"}, {"a"}}

	src := NewVocab(seqs)
	if got := src.UnknownID(); got != 0 {
		t.Errorf("UnknownID() = %d, expected 0", got)
	}
	if got := src.PadID(); got != 1 {
		t.Errorf("PadID() = %d, expected 1", got)
	}
	if _, err := src.BosID(); err == nil {
		t.Error("BosID() should fail without sequence markers")
	}

	tgt := NewVocab(seqs, WithSequenceMarkers())
	bos, err := tgt.BosID()
	if err != nil {
		t.Fatalf("BosID() failed: %v", err)
	}
	if bos != 2 {
		t.Errorf("BosID() = %d, expected 2", bos)
	}
	eos, err := tgt.EosID()
	if err != nil {
		t.Fatalf("EosID() failed: %v", err)
	}
	if eos != 3 {
		t.Errorf("EosID() = %d, expected 3", eos)
	}
}

func TestVocabOrdering(t *testing.T) {
	// "b" appears 3 times, "a" and "c" twice each; ties break
	// lexicographically.
	seqs := [][]string{{"b", "a", "c"}, {"b", "c", "a"}, {"b"}}
	v := NewVocab(seqs)

	want := []string{"b", "a", "c"}
	for i, tok := range want {
		id := v.ID(tok)
		if int(id) != 2+i {
			t.Errorf("ID(%q) = %d, expected %d", tok, id, 2+i)
		}
	}
	if v.Len() != 2+len(want) {
		t.Errorf("Len() = %d, expected %d", v.Len(), 2+len(want))
	}
}

func TestVocabMinFreq(t *testing.T) {
	seqs := [][]string{{"common", "common", "rare"}}
	v := NewVocab(seqs, WithMinFreq(2))

	if v.Len() != 3 {
		t.Errorf("Len() = %d, expected 3 (specials + common)", v.Len())
	}
	if got := v.ID("rare"); got != v.UnknownID() {
		t.Errorf("ID(rare) = %d, expected unknown id %d", got, v.UnknownID())
	}
	if got := v.ID("common"); got != 2 {
		t.Errorf("ID(common) = %d, expected 2", got)
	}
}

func TestVocabEncodeDecode(t *testing.T) {
	v := NewVocab([][]string{{"x", "y"}})

	ids := v.Encode([]string{"x", "y", "missing"})
	want := []int32{2, 3, v.UnknownID()}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Encode() = %v, expected %v", ids, want)
	}

	tokens, err := v.Decode(ids[:2])
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !reflect.DeepEqual(tokens, []string{"x", "y"}) {
		t.Errorf("Decode() = %v, expected [x y]", tokens)
	}

	if _, err := v.Decode([]int32{99}); err == nil {
		t.Error("Decode() should fail on out-of-range id")
	}
}
