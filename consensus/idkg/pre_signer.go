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
	"go.uber.org/zap"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// PreSigner drives transcript creation: it deals for configs where this
// replica is a dealer, validates gossiped dealings, endorses dealings whose
// private part checks out, and purges what the chain no longer wants.
//
// Deterministic given the same (pool, chain, state) snapshot: configs are
// visited in TranscriptId order and pool messages in MessageId order.
type PreSigner struct {
	nodeId  types.NodeId
	chain   ChainProvider
	crypto  crypto.Oracle
	metrics *ClientMetrics
	logger  *zap.Logger
}

func NewPreSigner(nodeId types.NodeId, chain ChainProvider, oracle crypto.Oracle, metrics *ClientMetrics, logger *zap.Logger) *PreSigner {
	return &PreSigner{
		nodeId:  nodeId,
		chain:   chain,
		crypto:  oracle,
		metrics: metrics,
		logger:  logger.Named("idkg_pre_signer"),
	}
}

func (s *PreSigner) OnStateChange(p pool.IDkgPool, loader TranscriptLoader) types.ChangeSet {
	blockReader := NewBlockReader(s.chain.FinalizedChain())
	var cs types.ChangeSet
	cs = append(cs, s.createDealings(p, blockReader, loader)...)
	cs = append(cs, s.validateDealings(p, blockReader)...)
	cs = append(cs, s.sendSupports(p, blockReader)...)
	cs = append(cs, s.validateSupports(p, blockReader)...)
	cs = append(cs, s.purgeStale(p, blockReader)...)
	return cs
}

type dealingKey struct {
	tid    types.TranscriptId
	dealer types.NodeId
}

type supportKey struct {
	dealingKey
	supporter types.NodeId
}

func validatedDealingKeys(p pool.IDkgPool) map[dealingKey]*types.Dealing {
	out := make(map[dealingKey]*types.Dealing)
	for _, msg := range p.Validated() {
		if d, ok := msg.(*types.Dealing); ok {
			out[dealingKey{d.TranscriptId, d.Dealer}] = d
		}
	}
	return out
}

func validatedSupportKeys(p pool.IDkgPool) map[supportKey]*types.DealingSupport {
	out := make(map[supportKey]*types.DealingSupport)
	for _, msg := range p.Validated() {
		if su, ok := msg.(*types.DealingSupport); ok {
			out[supportKey{dealingKey{su.TranscriptId, su.Dealer}, su.Supporter}] = su
		}
	}
	return out
}

// queueComplaints appends loader complaints, respecting the complaint
// uniqueness key against both the validated pool and this tick's queue.
func queueComplaints(cs types.ChangeSet, complaints []*types.Complaint, existing map[complaintKey]*types.Complaint, metrics *ClientMetrics) types.ChangeSet {
	for _, c := range complaints {
		key := complaintKey{c.TranscriptId, c.Dealer, c.Complainer}
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = c
		metrics.ClientOps.WithLabelValues("complaint_added").Inc()
		cs = append(cs, types.AddToValidated(c))
	}
	return cs
}

func (s *PreSigner) createDealings(p pool.IDkgPool, blockReader BlockReader, loader TranscriptLoader) types.ChangeSet {
	var cs types.ChangeSet
	dealings := validatedDealingKeys(p)
	complaints := validatedComplaintKeys(p)
	for _, params := range blockReader.RequestedTranscripts() {
		if !params.IsDealer(s.nodeId) {
			continue
		}
		if _, done := dealings[dealingKey{params.TranscriptId, s.nodeId}]; done {
			continue
		}
		depsLoaded := true
		for _, ref := range params.Depends {
			result := loader.LoadTranscript(p, blockReader, ref)
			if !result.Loaded() {
				depsLoaded = false
				cs = queueComplaints(cs, result.Complaints, complaints, s.metrics)
			}
		}
		if !depsLoaded {
			// Do not deal on top of missing dependencies; the complaints
			// queued above are this tick's output for the config.
			continue
		}
		dealing, err := s.crypto.CreateDealing(params)
		if err != nil {
			if crypto.IsTransient(err) {
				s.metrics.TransientErrors.Inc()
				continue
			}
			s.logger.Warn("failed to create dealing", zap.Stringer("transcript", params.TranscriptId), zap.Error(err))
			s.metrics.ClientErrors.WithLabelValues("create_dealing").Inc()
			continue
		}
		s.metrics.ClientOps.WithLabelValues("dealing_added").Inc()
		cs = append(cs, types.AddToValidated(dealing))
	}
	return cs
}

func (s *PreSigner) validateDealings(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	existing := validatedDealingKeys(p)
	seenThisTick := make(map[dealingKey]struct{})
	for _, msg := range p.Unvalidated() {
		d, ok := msg.(*types.Dealing)
		if !ok {
			continue
		}
		params, active := blockReader.ActiveConfig(d.TranscriptId)
		if !active {
			continue
		}
		if !params.IsDealer(d.Dealer) {
			cs = append(cs, types.RemoveUnvalidated(d.MessageId()))
			continue
		}
		key := dealingKey{d.TranscriptId, d.Dealer}
		if _, dup := existing[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(d.MessageId()))
			continue
		}
		// Several unvalidated dealings from one dealer for one config:
		// the first in MessageId order wins, the rest go.
		if _, dup := seenThisTick[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(d.MessageId()))
			continue
		}
		if err := s.crypto.VerifyDealingPublic(params, d); err != nil {
			// The dealer is not sanctioned here; only the dealing goes.
			s.logger.Warn("invalid dealing", zap.Stringer("transcript", d.TranscriptId),
				zap.Stringer("dealer", d.Dealer), zap.Error(err))
			s.metrics.ClientErrors.WithLabelValues("verify_dealing_public").Inc()
			cs = append(cs, types.RemoveUnvalidated(d.MessageId()))
			continue
		}
		seenThisTick[key] = struct{}{}
		s.metrics.ClientOps.WithLabelValues("dealing_validated").Inc()
		cs = append(cs, types.MoveToValidated(d))
	}
	return cs
}

func (s *PreSigner) sendSupports(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	supports := validatedSupportKeys(p)
	complaints := validatedComplaintKeys(p)
	for _, msg := range p.Validated() {
		d, ok := msg.(*types.Dealing)
		if !ok {
			continue
		}
		params, active := blockReader.ActiveConfig(d.TranscriptId)
		if !active || !params.IsReceiver(s.nodeId) {
			continue
		}
		key := supportKey{dealingKey{d.TranscriptId, d.Dealer}, s.nodeId}
		if _, done := supports[key]; done {
			continue
		}
		if err := s.crypto.VerifyDealingPrivate(params, d); err != nil {
			// The dealing passed public verification but encrypts a bad
			// share for this replica: complain instead of supporting.
			s.logger.Warn("dealing failed private verification",
				zap.Stringer("transcript", d.TranscriptId), zap.Stringer("dealer", d.Dealer), zap.Error(err))
			complaint, cerr := s.crypto.CreateComplaint(paramsTranscript(params), d.Dealer)
			if cerr != nil {
				s.metrics.ClientErrors.WithLabelValues("create_complaint").Inc()
				continue
			}
			s.metrics.ComplaintsIssued.Inc()
			cs = queueComplaints(cs, []*types.Complaint{complaint}, complaints, s.metrics)
			continue
		}
		support, err := s.crypto.CreateSupport(params, d)
		if err != nil {
			if crypto.IsTransient(err) {
				s.metrics.TransientErrors.Inc()
				continue
			}
			s.metrics.ClientErrors.WithLabelValues("create_support").Inc()
			continue
		}
		supports[key] = support
		s.metrics.ClientOps.WithLabelValues("support_added").Inc()
		cs = append(cs, types.AddToValidated(support))
	}
	return cs
}

func (s *PreSigner) validateSupports(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	dealings := validatedDealingKeys(p)
	existing := validatedSupportKeys(p)
	seenThisTick := make(map[supportKey]struct{})
	for _, msg := range p.Unvalidated() {
		su, ok := msg.(*types.DealingSupport)
		if !ok {
			continue
		}
		params, active := blockReader.ActiveConfig(su.TranscriptId)
		if !active {
			continue
		}
		if !params.IsReceiver(su.Supporter) {
			cs = append(cs, types.RemoveUnvalidated(su.MessageId()))
			continue
		}
		if _, haveDealing := dealings[dealingKey{su.TranscriptId, su.Dealer}]; !haveDealing {
			// Support for a dealing we have not validated yet; retry later.
			continue
		}
		key := supportKey{dealingKey{su.TranscriptId, su.Dealer}, su.Supporter}
		if _, dup := existing[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(su.MessageId()))
			continue
		}
		if _, dup := seenThisTick[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(su.MessageId()))
			continue
		}
		if err := s.crypto.VerifySupport(params, su); err != nil {
			s.logger.Warn("invalid dealing support", zap.Stringer("transcript", su.TranscriptId),
				zap.Stringer("supporter", su.Supporter), zap.Error(err))
			s.metrics.ClientErrors.WithLabelValues("verify_support").Inc()
			cs = append(cs, types.RemoveUnvalidated(su.MessageId()))
			continue
		}
		seenThisTick[key] = struct{}{}
		s.metrics.ClientOps.WithLabelValues("support_validated").Inc()
		cs = append(cs, types.MoveToValidated(su))
	}
	return cs
}

func (s *PreSigner) purgeStale(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	tip := blockReader.TipHeight()
	stale := func(tid types.TranscriptId) bool {
		if _, active := blockReader.ActiveConfig(tid); active {
			return false
		}
		return tid.SourceHeight <= tip
	}
	for _, msg := range p.Unvalidated() {
		switch m := msg.(type) {
		case *types.Dealing:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveUnvalidated(m.MessageId()))
			}
		case *types.DealingSupport:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveUnvalidated(m.MessageId()))
			}
		}
	}
	for _, msg := range p.Validated() {
		switch m := msg.(type) {
		case *types.Dealing:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveValidated(m.MessageId()))
			}
		case *types.DealingSupport:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveValidated(m.MessageId()))
			}
		}
	}
	return cs
}

// paramsTranscript builds the transcript view a complaint about an
// in-creation config refers to.
func paramsTranscript(params *types.TranscriptParams) *types.Transcript {
	return &types.Transcript{
		TranscriptId:    params.TranscriptId,
		Operation:       params.Operation,
		Receivers:       params.Receivers,
		RegistryVersion: params.RegistryVersion,
		Algorithm:       params.Algorithm,
		Threshold:       params.Threshold,
	}
}
