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

// Package sim runs a whole subnet in one process: N replicas with their own
// pools and crypto oracles, a shared finalized chain, and a gossip fabric
// ranked by the priority oracle. No real networking, no real cryptography;
// the consensus core under simulation is the production code.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/erigontech/idkg/config"
	"github.com/erigontech/idkg/consensus/idkg"
	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// simChain is the shared finalized chain. The simulation mutates it the way
// block finalization would; replicas only ever see snapshots.
type simChain struct {
	snap *idkg.ChainSnapshot
}

func (c *simChain) FinalizedChain() *idkg.ChainSnapshot { return c.snap }

// simState is the shared certified state.
type simState struct {
	height   types.Height
	contexts []*types.RequestContext
}

func (s *simState) GetCertifiedSnapshot() (types.Height, []*types.RequestContext, bool) {
	return s.height, s.contexts, true
}

type replica struct {
	id     types.NodeId
	oracle *crypto.SimOracle
	pool   *pool.InMemPool
	core   *idkg.IDkg
	gossip *idkg.Gossip
	// stash holds adverts ranked Stash, retried each round.
	stash map[types.MessageId]types.Message
}

// Subnet is one simulated subnet run.
type Subnet struct {
	cfg      *config.Config
	subnetId types.SubnetId
	logger   *zap.Logger
	registry *crypto.SimRegistry
	chain    *simChain
	state    *simState
	replicas []*replica

	uid    *idkg.UidGenerator
	record *types.EcdsaPreSigInCreation
	keyRef types.TranscriptRef
}

func NewSubnet(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) *Subnet {
	subnetId := types.SubnetId(cfg.SubnetId)
	s := &Subnet{
		cfg:      cfg,
		subnetId: subnetId,
		logger:   logger.Named("sim"),
		registry: crypto.NewSimRegistry(),
		chain: &simChain{snap: &idkg.ChainSnapshot{
			Tip:            1,
			Transcripts:    make(map[types.TranscriptId]*types.Transcript),
			KeyTranscripts: make(map[types.AlgorithmId]types.TranscriptRef),
		}},
		state: &simState{height: 1},
		uid:   idkg.NewUidGenerator(subnetId, 1, 1, 1),
	}
	flags := idkg.MaliciousFlags{
		CorruptDealings:  cfg.Malicious.CorruptDealings,
		WithholdDealings: cfg.Malicious.WithholdDealings,
	}
	for i, name := range cfg.Replicas {
		id := types.NodeId(name)
		oracle := crypto.NewSimOracle(id, s.registry)
		nodeFlags := idkg.MaliciousFlags{}
		if i == len(cfg.Replicas)-1 {
			// At most one adversarial replica, always the last one.
			nodeFlags = flags
		}
		var nodeReg prometheus.Registerer
		if i == 0 {
			// Only the first replica exports metrics; one process, one
			// registry.
			nodeReg = reg
		}
		r := &replica{
			id:     id,
			oracle: oracle,
			pool:   pool.NewInMemPool(logger),
			core:   idkg.New(id, s.chain, s.state, oracle, nodeReg, logger, nodeFlags),
			stash:  make(map[types.MessageId]types.Message),
		}
		var gossipMetrics *idkg.GossipMetrics
		if i == 0 {
			gossipMetrics = idkg.NewGossipMetrics(reg)
		} else {
			gossipMetrics = idkg.NewGossipMetrics(nil)
		}
		r.gossip = idkg.NewGossip(subnetId, s.chain, s.state, gossipMetrics)
		s.replicas = append(s.replicas, r)
	}
	return s
}

func (s *Subnet) nodeIds() []types.NodeId {
	out := make([]types.NodeId, 0, len(s.replicas))
	for _, r := range s.replicas {
		out = append(out, r.id)
	}
	return out
}

// bootstrap plants the signing key transcript and opens the first two
// configs of one ECDSA pre-signature.
func (s *Subnet) bootstrap() {
	nodes := s.nodeIds()
	key := &types.Transcript{
		TranscriptId:    s.uid.NextTranscriptId(),
		Operation:       types.ReshareOfMasked,
		Receivers:       nodes,
		RegistryVersion: 1,
		Algorithm:       types.ThresholdEcdsaSecp256k1,
		Threshold:       s.cfg.Threshold,
		CombinedPayload: []byte("bootstrap-key"),
	}
	s.keyRef = key.Ref(1)
	snap := s.chain.snap
	snap.Transcripts[key.TranscriptId] = key
	snap.Active = append(snap.Active, s.keyRef)
	snap.KeyTranscripts[types.ThresholdEcdsaSecp256k1] = s.keyRef

	mkConfig := func(op types.TranscriptOp) *types.TranscriptParams {
		return &types.TranscriptParams{
			TranscriptId:    s.uid.NextTranscriptId(),
			Operation:       op,
			Dealers:         nodes,
			Receivers:       nodes,
			RegistryVersion: 1,
			Algorithm:       types.ThresholdEcdsaSecp256k1,
			Threshold:       s.cfg.Threshold,
		}
	}
	s.record = &types.EcdsaPreSigInCreation{
		PreSigId:     s.uid.NextPreSigId(),
		KappaConfig:  mkConfig(types.RandomUnmasked),
		LambdaConfig: mkConfig(types.RandomMasked),
	}
	snap.Configs = append(snap.Configs, s.record.KappaConfig, s.record.LambdaConfig)
	snap.EcdsaInCreation = append(snap.EcdsaInCreation, s.record)
}

// exchange gossips every replica's validated messages to every other
// replica, ranked by the receiver's own priority function.
func (s *Subnet) exchange() {
	for _, from := range s.replicas {
		msgs := from.pool.Validated()
		for _, to := range s.replicas {
			if to == from {
				continue
			}
			priority := to.gossip.PriorityFn()
			for _, msg := range msgs {
				if to.pool.GetValidated(msg.MessageId()) != nil {
					continue
				}
				switch priority(msg.Attribute()) {
				case idkg.FetchNow:
					to.pool.Insert(msg)
					delete(to.stash, msg.MessageId())
				case idkg.Stash:
					to.stash[msg.MessageId()] = msg
				case idkg.Drop:
				}
			}
			// Re-rank earlier stashes against the fresh snapshot.
			for id, msg := range to.stash {
				if priority(msg.Attribute()) == idkg.FetchNow {
					to.pool.Insert(msg)
					delete(to.stash, id)
				}
			}
		}
	}
}

// finalize plays the block maker: it completes whatever the first replica's
// pool supports, advances the chain, and matches a signature request once
// the pre-signature graduates.
func (s *Subnet) finalize() []*types.CombinedSignature {
	maker := s.replicas[0]
	builder := idkg.NewPayloadBuilder(s.chain, s.state, maker.oracle, maker.oracle, s.logger)
	payload := builder.BuildPayload(maker.pool)
	if len(payload.CompletedTranscripts) == 0 && len(payload.CompletedSignatures) == 0 {
		return nil
	}

	snap := s.chain.snap
	snap.Tip++
	s.state.height = snap.Tip
	completed := make(map[types.TranscriptId]*types.Transcript)
	for _, t := range payload.CompletedTranscripts {
		completed[t.TranscriptId] = t
		snap.Transcripts[t.TranscriptId] = t
		snap.Active = append(snap.Active, t.Ref(snap.Tip))
		s.logger.Info("transcript completed", zap.Stringer("transcript", t.TranscriptId), zap.Stringer("height", snap.Tip))
		var kept []*types.TranscriptParams
		for _, c := range snap.Configs {
			if c.TranscriptId != t.TranscriptId {
				kept = append(kept, c)
			}
		}
		snap.Configs = kept
	}

	if s.record != nil {
		before := len(s.record.Configs())
		preSig := idkg.AdvanceEcdsaPreSignature(s.record, completed, s.keyRef, snap.Tip, s.uid)
		for _, c := range s.record.Configs()[before:] {
			snap.Configs = append(snap.Configs, c)
			s.logger.Info("config opened", zap.Stringer("transcript", c.TranscriptId), zap.Stringer("op", c.Operation))
		}
		if preSig != nil {
			snap.Available = append(snap.Available, preSig)
			snap.EcdsaInCreation = nil
			s.record = nil
			// A user canister asks for a signature as soon as the
			// pre-signature is there.
			ctx := &types.RequestContext{
				Height:          snap.Tip,
				Algorithm:       types.ThresholdEcdsaSecp256k1,
				Signers:         s.nodeIds(),
				MessageHash:     []byte("sim-message"),
				MatchedPreSigId: &preSig.PreSigId,
			}
			ctx.PseudoRandomId[0] = 0x51
			s.state.contexts = append(s.state.contexts, ctx)
			s.logger.Info("pre-signature available", zap.Uint64("pre_sig_id", uint64(preSig.PreSigId)))
		}
	}
	return payload.CompletedSignatures
}

// Run drives the subnet until one threshold signature completes or the
// round budget runs out. Rounds are paced by the configured tick interval.
func (s *Subnet) Run(ctx context.Context, maxRounds int) (*types.CombinedSignature, error) {
	s.bootstrap()
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	for round := 0; round < maxRounds; round++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		for _, r := range s.replicas {
			// One full rotation: pre-signer, signer, complaint handler.
			for i := 0; i < 3; i++ {
				r.core.Tick(r.pool)
			}
		}
		s.exchange()
		if sigs := s.finalize(); len(sigs) > 0 {
			s.logger.Info("signature completed",
				zap.Stringer("request", sigs[0].RequestId), zap.Int("round", round))
			return sigs[0], nil
		}
	}
	return nil, fmt.Errorf("no signature after %d rounds", maxRounds)
}
