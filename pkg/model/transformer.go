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

package model

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// Transformer is an encoder-decoder transformer over phono/gloss token ids.
type Transformer struct {
	SrcVocabSize int
	TgtVocabSize int
	EmbedDim     int
	NumHeads     int
	HeadDim      int
	NumLayers    int
	FFNDim       int
	Dropout      float64
	DType        dtypes.DType
}

// NewTransformer validates the architecture hyperparameters.
// hiddenDim is the feed-forward expansion dimension.
func NewTransformer(srcVocab, tgtVocab, embedDim, numHeads, numLayers, hiddenDim int, dropout float64) (*Transformer, error) {
	if srcVocab <= 0 || tgtVocab <= 0 {
		return nil, errors.Errorf("vocabulary sizes must be positive, got src=%d tgt=%d", srcVocab, tgtVocab)
	}
	if embedDim <= 0 || numHeads <= 0 || numLayers <= 0 || hiddenDim <= 0 {
		return nil, errors.Errorf("model dimensions must be positive, got embed=%d heads=%d layers=%d hidden=%d",
			embedDim, numHeads, numLayers, hiddenDim)
	}
	if embedDim%numHeads != 0 {
		return nil, errors.Errorf("embed dim %d must be divisible by num heads %d", embedDim, numHeads)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, errors.Errorf("dropout must be in [0, 1), got %g", dropout)
	}
	return &Transformer{
		SrcVocabSize: srcVocab,
		TgtVocabSize: tgtVocab,
		EmbedDim:     embedDim,
		NumHeads:     numHeads,
		HeadDim:      embedDim / numHeads,
		NumLayers:    numLayers,
		FFNDim:       hiddenDim,
		Dropout:      dropout,
		DType:        dtypes.Float32,
	}, nil
}

// ModelSize returns the embedding dimensionality.
func (m *Transformer) ModelSize() int { return m.EmbedDim }

// Encode embeds the source sequence and runs the encoder stack.
func (m *Transformer) Encode(ctx *context.Context, src, srcMask *Node) *Node {
	ctx = ctx.In("encoder")
	x := m.embed(ctx.In("embeddings"), src, m.SrcVocabSize)
	for i := 0; i < m.NumLayers; i++ {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", i))

		residual := x
		attnBuilder := attention.MultiHeadAttention(layerCtx.In("self_attention"), x, x, x, m.NumHeads, m.HeadDim)
		if srcMask != nil {
			attnBuilder = attnBuilder.WithKeyMask(srcMask)
		}
		x = layers.LayerNormalization(layerCtx.In("attention_norm"), Add(residual, attnBuilder.Done()), -1).Done()

		residual = x
		x = layers.LayerNormalization(layerCtx.In("output_norm"), Add(residual, m.feedForward(layerCtx.In("feed_forward"), x)), -1).Done()
	}
	return x
}

// Decode embeds the target prefix and runs the decoder stack against the
// encoded memory. Self-attention is causally masked; trgMask additionally
// hides target padding positions.
func (m *Transformer) Decode(ctx *context.Context, memory, srcMask, trg, trgMask *Node) *Node {
	ctx = ctx.In("decoder")
	x := m.embed(ctx.In("embeddings"), trg, m.TgtVocabSize)
	for i := 0; i < m.NumLayers; i++ {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", i))

		residual := x
		selfAttn := attention.MultiHeadAttention(layerCtx.In("self_attention"), x, x, x, m.NumHeads, m.HeadDim).
			WithCausalMask(true)
		if trgMask != nil {
			selfAttn = selfAttn.WithKeyMask(trgMask)
		}
		x = layers.LayerNormalization(layerCtx.In("self_attention_norm"), Add(residual, selfAttn.Done()), -1).Done()

		residual = x
		crossAttn := attention.MultiHeadAttention(layerCtx.In("cross_attention"), x, memory, memory, m.NumHeads, m.HeadDim)
		if srcMask != nil {
			crossAttn = crossAttn.WithKeyMask(srcMask)
		}
		x = layers.LayerNormalization(layerCtx.In("cross_attention_norm"), Add(residual, crossAttn.Done()), -1).Done()

		residual = x
		x = layers.LayerNormalization(layerCtx.In("output_norm"), Add(residual, m.feedForward(layerCtx.In("feed_forward"), x)), -1).Done()
	}
	return x
}

// Forward is the teacher-forced training pass.
func (m *Transformer) Forward(ctx *context.Context, src, trg, srcMask, trgMask *Node) *Node {
	memory := m.Encode(ctx, src, srcMask)
	return m.Decode(ctx, memory, srcMask, trg, trgMask)
}

// Generator projects decoder states to log-probabilities over the target
// vocabulary.
func (m *Transformer) Generator(ctx *context.Context, x *Node) *Node {
	logits := layers.Dense(ctx.In("generator"), x, true, m.TgtVocabSize)
	return LogSoftmax(logits)
}

// embed looks up token embeddings, scales by sqrt(d) and adds the sinusoidal
// positional encoding.
func (m *Transformer) embed(ctx *context.Context, tokens *Node, vocabSize int) *Node {
	g := tokens.Graph()
	x := layers.Embedding(ctx, tokens, m.DType, vocabSize, m.EmbedDim)
	x = Mul(x, Sqrt(Scalar(g, x.DType(), float64(m.EmbedDim))))

	seqLen := tokens.Shape().Dimensions[1]
	pos := positionalEncoding(g, seqLen, m.EmbedDim, m.DType)
	pos = BroadcastToDims(pos, x.Shape().Dimensions...)
	x = Add(x, pos)

	if m.Dropout > 0 {
		x = layers.Dropout(ctx.In("dropout"), x, Scalar(g, x.DType(), m.Dropout))
	}
	return x
}

func (m *Transformer) feedForward(ctx *context.Context, x *Node) *Node {
	x = layers.Dense(ctx.In("linear1"), x, true, m.FFNDim)
	x = activations.Gelu(x)
	if m.Dropout > 0 {
		x = layers.Dropout(ctx.In("dropout"), x, Scalar(x.Graph(), x.DType(), m.Dropout))
	}
	return layers.Dense(ctx.In("linear2"), x, true, m.EmbedDim)
}

// positionalEncoding returns sinusoidal position encodings shaped
// [1, seqLen, dim].
func positionalEncoding(g *Graph, seqLen, dim int, dtype dtypes.DType) *Node {
	positions := ConvertDType(IotaFull(g, shapes.Make(dtypes.Int32, seqLen)), dtypes.Float32)
	dimIndices := ConvertDType(IotaFull(g, shapes.Make(dtypes.Int32, dim)), dtypes.Float32)

	// Frequencies 1 / 10000^(2i/d).
	dimScale := MulScalar(DivScalar(dimIndices, float64(dim)), 2.0)
	frequencies := Inverse(Pow(ConstAs(dimScale, 10000.0), dimScale))

	angles := Mul(Reshape(positions, seqLen, 1), Reshape(frequencies, 1, dim))
	encodings := Sin(angles)
	if dtype != dtypes.Float32 {
		encodings = ConvertDType(encodings, dtype)
	}
	return Reshape(encodings, 1, seqLen, dim)
}
