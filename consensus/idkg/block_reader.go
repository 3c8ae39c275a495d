// Copyright 2025 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package idkg

import (
	"fmt"
	"slices"

	"github.com/erigontech/idkg/types"
)

// ChainSnapshot is the finalized chain projected into the fields this
// subsystem consumes. Transcripts live in a flat arena keyed by
// TranscriptId; configs and pre-signatures hold ids and refs, never owning
// pointers, which keeps the transcript/config graph acyclic.
//
// A snapshot is immutable and valid for the tick that took it.
type ChainSnapshot struct {
	Tip types.Height

	// Configs are the transcript configs active at the tip.
	Configs []*types.TranscriptParams

	// XnetReshares are configs adopting a key transcript from another
	// subnet. Their source heights are foreign and incomparable to ours.
	XnetReshares []*types.TranscriptParams

	// Active are the transcript refs still referenced by the finalized
	// chain. Key material for these must be retained.
	Active []types.TranscriptRef

	// Transcripts is the arena resolving refs and ids.
	Transcripts map[types.TranscriptId]*types.Transcript

	// EcdsaInCreation and SchnorrInCreation are the pre-signature records
	// still being built; Available are the graduated ones.
	EcdsaInCreation   []*types.EcdsaPreSigInCreation
	SchnorrInCreation []*types.SchnorrPreSigInCreation
	Available         []*types.PreSignature

	// KeyTranscripts maps each scheme to its signing key transcript.
	KeyTranscripts map[types.AlgorithmId]types.TranscriptRef
}

// BlockReader is the read-only view of the finalized chain handed to the
// sub-engines. Implementations are cheap snapshots; take one per tick.
type BlockReader interface {
	// TipHeight is the height of the latest finalized block.
	TipHeight() types.Height
	// RequestedTranscripts are the configs active at the tip, in
	// TranscriptId order.
	RequestedTranscripts() []*types.TranscriptParams
	// ActiveTranscripts are the refs still referenced by the chain.
	ActiveTranscripts() []types.TranscriptRef
	// Transcript resolves a ref against the finalized chain.
	Transcript(ref types.TranscriptRef) (*types.Transcript, error)
	// ActiveConfig looks up an active (or xnet reshare) config by id.
	ActiveConfig(id types.TranscriptId) (*types.TranscriptParams, bool)
	// AvailablePreSignature looks up a graduated pre-signature.
	AvailablePreSignature(id types.PreSigId) (*types.PreSignature, bool)
	// KeyTranscript returns the signing key transcript ref of a scheme.
	KeyTranscript(alg types.AlgorithmId) (types.TranscriptRef, bool)
}

// ChainProvider yields the current finalized chain snapshot. The consensus
// block cache implements this outside the core.
type ChainProvider interface {
	FinalizedChain() *ChainSnapshot
}

// StateReader yields the certified replicated state snapshot: the set of
// outstanding signature request contexts plus the certified height.
type StateReader interface {
	// GetCertifiedSnapshot returns false when no certified state is
	// available yet.
	GetCertifiedSnapshot() (types.Height, []*types.RequestContext, bool)
}

type blockReaderImpl struct {
	chain   *ChainSnapshot
	configs map[types.TranscriptId]*types.TranscriptParams
}

// NewBlockReader builds a reader over one chain snapshot.
func NewBlockReader(chain *ChainSnapshot) BlockReader {
	configs := make(map[types.TranscriptId]*types.TranscriptParams, len(chain.Configs)+len(chain.XnetReshares))
	for _, c := range chain.Configs {
		configs[c.TranscriptId] = c
	}
	for _, c := range chain.XnetReshares {
		configs[c.TranscriptId] = c
	}
	return &blockReaderImpl{chain: chain, configs: configs}
}

func (r *blockReaderImpl) TipHeight() types.Height { return r.chain.Tip }

func (r *blockReaderImpl) RequestedTranscripts() []*types.TranscriptParams {
	out := make([]*types.TranscriptParams, 0, len(r.chain.Configs)+len(r.chain.XnetReshares))
	out = append(out, r.chain.Configs...)
	out = append(out, r.chain.XnetReshares...)
	slices.SortFunc(out, func(a, b *types.TranscriptParams) int {
		if a.TranscriptId.Less(b.TranscriptId) {
			return -1
		}
		if b.TranscriptId.Less(a.TranscriptId) {
			return 1
		}
		return 0
	})
	return out
}

func (r *blockReaderImpl) ActiveTranscripts() []types.TranscriptRef {
	return r.chain.Active
}

func (r *blockReaderImpl) Transcript(ref types.TranscriptRef) (*types.Transcript, error) {
	t, ok := r.chain.Transcripts[ref.TranscriptId]
	if !ok {
		return nil, fmt.Errorf("transcript %s not found in finalized chain", ref)
	}
	return t, nil
}

func (r *blockReaderImpl) ActiveConfig(id types.TranscriptId) (*types.TranscriptParams, bool) {
	c, ok := r.configs[id]
	return c, ok
}

func (r *blockReaderImpl) AvailablePreSignature(id types.PreSigId) (*types.PreSignature, bool) {
	for _, p := range r.chain.Available {
		if p.PreSigId == id {
			return p, true
		}
	}
	return nil, false
}

func (r *blockReaderImpl) KeyTranscript(alg types.AlgorithmId) (types.TranscriptRef, bool) {
	ref, ok := r.chain.KeyTranscripts[alg]
	return ref, ok
}
