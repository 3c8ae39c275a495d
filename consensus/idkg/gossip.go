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
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/erigontech/idkg/types"
)

// Like consensus, we don't fetch artifacts too far ahead in the future.
const LookAhead = 10

// Priority ranks an advertised artifact.
type Priority int

const (
	// FetchNow: the replica will consume this artifact, fetch it.
	FetchNow Priority = iota
	// Stash: hold the advert without committing bandwidth; it may matter soon.
	Stash
	// Drop: the artifact will never matter, shield memory from it.
	Drop
)

func (p Priority) String() string {
	switch p {
	case FetchNow:
		return "fetch_now"
	case Stash:
		return "stash"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// PriorityArgs is the cached snapshot the priority function closes over.
// Rebuilt whenever the transport asks for a fresh priority function; pure
// data, so the resulting function is deterministic.
type PriorityArgs struct {
	FinalizedHeight      types.Height
	CertifiedHeight      types.Height
	RequestedTranscripts mapset.Set[types.TranscriptId]
	RequestedSignatures  mapset.Set[types.RequestId]
	ActiveTranscripts    mapset.Set[types.TranscriptId]
}

// NewPriorityArgs projects the block reader and certified state into the
// priority snapshot.
func NewPriorityArgs(blockReader BlockReader, stateReader StateReader) *PriorityArgs {
	args := &PriorityArgs{
		FinalizedHeight:      blockReader.TipHeight(),
		RequestedTranscripts: mapset.NewThreadUnsafeSet[types.TranscriptId](),
		RequestedSignatures:  mapset.NewThreadUnsafeSet[types.RequestId](),
		ActiveTranscripts:    mapset.NewThreadUnsafeSet[types.TranscriptId](),
	}
	for _, params := range blockReader.RequestedTranscripts() {
		args.RequestedTranscripts.Add(params.TranscriptId)
	}
	for _, ref := range blockReader.ActiveTranscripts() {
		args.ActiveTranscripts.Add(ref.TranscriptId)
	}
	if height, contexts, ok := stateReader.GetCertifiedSnapshot(); ok {
		args.CertifiedHeight = height
		for _, ctx := range contexts {
			if rid, ok := ctx.RequestId(); ok {
				args.RequestedSignatures.Add(rid)
			}
		}
	}
	return args
}

// Gossip computes per-advert priorities for the transport layer.
type Gossip struct {
	subnetId types.SubnetId
	chain    ChainProvider
	state    StateReader
	metrics  *GossipMetrics
}

func NewGossip(subnetId types.SubnetId, chain ChainProvider, state StateReader, metrics *GossipMetrics) *Gossip {
	return &Gossip{subnetId: subnetId, chain: chain, state: state, metrics: metrics}
}

// PriorityFn returns a priority function closed over the current snapshot.
// The transport calls it once and applies the returned function to a batch
// of adverts.
func (g *Gossip) PriorityFn() func(attr types.MessageAttribute) Priority {
	blockReader := NewBlockReader(g.chain.FinalizedChain())
	args := NewPriorityArgs(blockReader, g.state)
	subnetId := g.subnetId
	metrics := g.metrics
	return func(attr types.MessageAttribute) Priority {
		return ComputePriority(attr, subnetId, args, metrics)
	}
}

// ComputePriority is a pure function of (attr, subnetId, args); metrics only
// counts drops.
func ComputePriority(attr types.MessageAttribute, subnetId types.SubnetId, args *PriorityArgs, metrics *GossipMetrics) Priority {
	switch attr.Kind {
	case types.MessageDealing, types.MessageDealingSupport:
		// For xnet dealings (target side) always fetch: a source height from
		// a different subnet cannot be compared to ours.
		if attr.TranscriptId.SourceSubnet != subnetId {
			return FetchNow
		}
		return heightGatedPriority(attr, attr.TranscriptId.SourceHeight, args.FinalizedHeight,
			args.RequestedTranscripts.Contains(attr.TranscriptId), metrics)
	case types.MessageEcdsaSigShare, types.MessageSchnorrSigShare:
		return heightGatedPriority(attr, attr.RequestId.Height, args.CertifiedHeight,
			args.RequestedSignatures.Contains(attr.RequestId), metrics)
	case types.MessageComplaint, types.MessageOpening:
		// Openings are needed for transcripts already in use, so the accept
		// set also admits active transcripts.
		wanted := args.ActiveTranscripts.Contains(attr.TranscriptId) ||
			args.RequestedTranscripts.Contains(attr.TranscriptId)
		return heightGatedPriority(attr, attr.TranscriptId.SourceHeight, args.FinalizedHeight, wanted, metrics)
	default:
		metrics.DroppedAdverts.WithLabelValues(attr.Kind.String()).Inc()
		return Drop
	}
}

func heightGatedPriority(attr types.MessageAttribute, height, reference types.Height, wanted bool, metrics *GossipMetrics) Priority {
	switch {
	case height <= reference:
		if wanted {
			return FetchNow
		}
		metrics.DroppedAdverts.WithLabelValues(attr.Kind.String()).Inc()
		return Drop
	case height < reference.Add(LookAhead):
		return FetchNow
	default:
		return Stash
	}
}
