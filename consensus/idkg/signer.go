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
	"slices"

	"go.uber.org/zap"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// Signer emits this replica's signature shares for outstanding requests and
// validates shares received from peers. Aggregation happens in the payload
// builder, not here.
type Signer struct {
	nodeId  types.NodeId
	chain   ChainProvider
	state   StateReader
	crypto  crypto.Oracle
	metrics *ClientMetrics
	logger  *zap.Logger
}

func NewSigner(nodeId types.NodeId, chain ChainProvider, state StateReader, oracle crypto.Oracle, metrics *ClientMetrics, logger *zap.Logger) *Signer {
	return &Signer{
		nodeId:  nodeId,
		chain:   chain,
		state:   state,
		crypto:  oracle,
		metrics: metrics,
		logger:  logger.Named("idkg_signer"),
	}
}

func (s *Signer) OnStateChange(p pool.IDkgPool, loader TranscriptLoader) types.ChangeSet {
	blockReader := NewBlockReader(s.chain.FinalizedChain())
	certifiedHeight, contexts, ok := s.state.GetCertifiedSnapshot()
	if !ok {
		return nil
	}
	requests := requestMap(contexts)
	var cs types.ChangeSet
	cs = append(cs, s.createShares(p, blockReader, loader, requests)...)
	cs = append(cs, s.validateShares(p, blockReader, requests)...)
	cs = append(cs, s.purgeStale(p, certifiedHeight, requests)...)
	return cs
}

type shareKey struct {
	rid    types.RequestId
	signer types.NodeId
}

// requestMap keeps only contexts already matched to a pre-signature: only
// those project to a RequestId.
func requestMap(contexts []*types.RequestContext) map[types.RequestId]*types.RequestContext {
	out := make(map[types.RequestId]*types.RequestContext, len(contexts))
	for _, ctx := range contexts {
		if rid, ok := ctx.RequestId(); ok {
			out[rid] = ctx
		}
	}
	return out
}

func sortedRequestIds(requests map[types.RequestId]*types.RequestContext) []types.RequestId {
	ids := make([]types.RequestId, 0, len(requests))
	for rid := range requests {
		ids = append(ids, rid)
	}
	slices.SortFunc(ids, func(a, b types.RequestId) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	return ids
}

func validatedShareKeys(p pool.IDkgPool) map[shareKey]types.Message {
	out := make(map[shareKey]types.Message)
	for _, msg := range p.Validated() {
		switch sh := msg.(type) {
		case *types.EcdsaSigShare:
			out[shareKey{sh.RequestId, sh.Signer}] = sh
		case *types.SchnorrSigShare:
			out[shareKey{sh.RequestId, sh.Signer}] = sh
		}
	}
	return out
}

// buildSignRequest resolves the request's pre-signature and key transcript
// into the oracle's input. Loading failures surface as complaints; an
// unavailable pre-signature means the request is simply not actionable yet.
func (s *Signer) buildSignRequest(p pool.IDkgPool, blockReader BlockReader, loader TranscriptLoader,
	rid types.RequestId, ctx *types.RequestContext, load bool) (*crypto.SignRequest, []*types.Complaint) {

	preSig, ok := blockReader.AvailablePreSignature(rid.PreSignatureId)
	if !ok {
		return nil, nil
	}
	req := &crypto.SignRequest{
		RequestId:   rid,
		Algorithm:   ctx.Algorithm,
		MessageHash: ctx.MessageHash,
		PreSigRefs:  preSig.Transcripts,
	}
	if !load {
		return req, nil
	}
	var complaints []*types.Complaint
	for _, ref := range preSig.Refs() {
		result := loader.LoadTranscript(p, blockReader, ref)
		if !result.Loaded() {
			complaints = append(complaints, result.Complaints...)
			continue
		}
		if ref == preSig.KeyTranscript {
			req.Key = result.Transcript
		} else {
			req.Transcripts = append(req.Transcripts, result.Transcript)
		}
	}
	if len(complaints) > 0 || req.Key == nil || len(req.Transcripts) < len(preSig.Transcripts) {
		return nil, complaints
	}
	return req, nil
}

func (s *Signer) createShares(p pool.IDkgPool, blockReader BlockReader, loader TranscriptLoader,
	requests map[types.RequestId]*types.RequestContext) types.ChangeSet {

	var cs types.ChangeSet
	shares := validatedShareKeys(p)
	complaints := validatedComplaintKeys(p)
	for _, rid := range sortedRequestIds(requests) {
		ctx := requests[rid]
		if !ctx.IsSigner(s.nodeId) {
			continue
		}
		if _, done := shares[shareKey{rid, s.nodeId}]; done {
			continue
		}
		req, loadComplaints := s.buildSignRequest(p, blockReader, loader, rid, ctx, true)
		if req == nil {
			cs = queueComplaints(cs, loadComplaints, complaints, s.metrics)
			continue
		}
		share, err := s.crypto.CreateSignatureShare(req)
		if err != nil {
			if crypto.IsTransient(err) {
				s.metrics.TransientErrors.Inc()
				continue
			}
			s.logger.Warn("failed to create signature share", zap.Stringer("request", rid), zap.Error(err))
			s.metrics.ClientErrors.WithLabelValues("create_sig_share").Inc()
			continue
		}
		s.metrics.ClientOps.WithLabelValues("sig_share_added").Inc()
		cs = append(cs, types.AddToValidated(share))
	}
	return cs
}

func (s *Signer) validateShares(p pool.IDkgPool, blockReader BlockReader,
	requests map[types.RequestId]*types.RequestContext) types.ChangeSet {

	var cs types.ChangeSet
	existing := validatedShareKeys(p)
	seenThisTick := make(map[shareKey]struct{})
	for _, msg := range p.Unvalidated() {
		var rid types.RequestId
		var signer types.NodeId
		switch sh := msg.(type) {
		case *types.EcdsaSigShare:
			rid, signer = sh.RequestId, sh.Signer
		case *types.SchnorrSigShare:
			rid, signer = sh.RequestId, sh.Signer
		default:
			continue
		}
		ctx, wanted := requests[rid]
		if !wanted {
			continue
		}
		if !ctx.IsSigner(signer) {
			cs = append(cs, types.RemoveUnvalidated(msg.MessageId()))
			continue
		}
		key := shareKey{rid, signer}
		if _, dup := existing[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(msg.MessageId()))
			continue
		}
		if _, dup := seenThisTick[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(msg.MessageId()))
			continue
		}
		req, _ := s.buildSignRequest(p, blockReader, nil, rid, ctx, false)
		if req == nil {
			// Request is certified but its pre-signature has not reached the
			// finalized tip yet; retry later.
			continue
		}
		if err := s.crypto.VerifySignatureShare(req, msg); err != nil {
			s.logger.Warn("invalid signature share", zap.Stringer("request", rid),
				zap.Stringer("signer", signer), zap.Error(err))
			s.metrics.ClientErrors.WithLabelValues("verify_sig_share").Inc()
			cs = append(cs, types.RemoveUnvalidated(msg.MessageId()))
			continue
		}
		seenThisTick[key] = struct{}{}
		s.metrics.ClientOps.WithLabelValues("sig_share_validated").Inc()
		cs = append(cs, types.MoveToValidated(msg))
	}
	return cs
}

func (s *Signer) purgeStale(p pool.IDkgPool, certifiedHeight types.Height,
	requests map[types.RequestId]*types.RequestContext) types.ChangeSet {

	var cs types.ChangeSet
	stale := func(rid types.RequestId) bool {
		if _, wanted := requests[rid]; wanted {
			return false
		}
		return rid.Height <= certifiedHeight
	}
	for _, msg := range p.Unvalidated() {
		switch sh := msg.(type) {
		case *types.EcdsaSigShare:
			if stale(sh.RequestId) {
				cs = append(cs, types.RemoveUnvalidated(sh.MessageId()))
			}
		case *types.SchnorrSigShare:
			if stale(sh.RequestId) {
				cs = append(cs, types.RemoveUnvalidated(sh.MessageId()))
			}
		}
	}
	for _, msg := range p.Validated() {
		switch sh := msg.(type) {
		case *types.EcdsaSigShare:
			if stale(sh.RequestId) {
				cs = append(cs, types.RemoveValidated(sh.MessageId()))
			}
		case *types.SchnorrSigShare:
			if stale(sh.RequestId) {
				cs = append(cs, types.RemoveValidated(sh.MessageId()))
			}
		}
	}
	return cs
}
