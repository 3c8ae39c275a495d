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
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

const testSubnet = types.SubnetId("subnet-2")

// testChain is a mutable ChainProvider: tests adjust the snapshot between
// ticks the way finalization would.
type testChain struct {
	snap *ChainSnapshot
}

func newTestChain(tip types.Height) *testChain {
	return &testChain{snap: &ChainSnapshot{
		Tip:            tip,
		Transcripts:    make(map[types.TranscriptId]*types.Transcript),
		KeyTranscripts: make(map[types.AlgorithmId]types.TranscriptRef),
	}}
}

func (c *testChain) FinalizedChain() *ChainSnapshot { return c.snap }

func (c *testChain) addConfig(params *types.TranscriptParams) {
	c.snap.Configs = append(c.snap.Configs, params)
}

func (c *testChain) removeConfig(id types.TranscriptId) {
	var kept []*types.TranscriptParams
	for _, p := range c.snap.Configs {
		if p.TranscriptId != id {
			kept = append(kept, p)
		}
	}
	c.snap.Configs = kept
}

func (c *testChain) addTranscript(t *types.Transcript, active bool) {
	c.snap.Transcripts[t.TranscriptId] = t
	if active {
		c.snap.Active = append(c.snap.Active, t.Ref(t.TranscriptId.SourceHeight))
	}
}

// addDanglingActive registers an active ref with no transcript behind it,
// to provoke resolution failures.
func (c *testChain) addDanglingActive(tid types.TranscriptId) {
	c.snap.Active = append(c.snap.Active, types.TranscriptRef{Height: tid.SourceHeight, TranscriptId: tid})
}

// testState is a settable StateReader.
type testState struct {
	height   types.Height
	contexts []*types.RequestContext
	ok       bool
}

func (s *testState) GetCertifiedSnapshot() (types.Height, []*types.RequestContext, bool) {
	return s.height, s.contexts, s.ok
}

func testTranscriptId(serial uint64, height types.Height) types.TranscriptId {
	return types.TranscriptId{SourceSubnet: testSubnet, Serial: serial, SourceHeight: height}
}

func testParams(id types.TranscriptId, op types.TranscriptOp, nodes []types.NodeId, threshold int) *types.TranscriptParams {
	return &types.TranscriptParams{
		TranscriptId:    id,
		Operation:       op,
		Dealers:         nodes,
		Receivers:       nodes,
		RegistryVersion: 1,
		Algorithm:       types.ThresholdEcdsaSecp256k1,
		Threshold:       threshold,
	}
}

func testTranscript(id types.TranscriptId, threshold int, nodes ...types.NodeId) *types.Transcript {
	return &types.Transcript{
		TranscriptId:    id,
		Operation:       types.RandomUnmasked,
		Receivers:       nodes,
		RegistryVersion: 1,
		Algorithm:       types.ThresholdEcdsaSecp256k1,
		Threshold:       threshold,
		CombinedPayload: []byte("combined/" + id.String()),
	}
}

// testNode bundles one replica's core with its pool and sim oracle.
type testNode struct {
	id     types.NodeId
	oracle *crypto.SimOracle
	pool   *pool.InMemPool
	core   *IDkg
	logger *zap.Logger
}

func newTestNode(t *testing.T, id types.NodeId, reg *crypto.SimRegistry, chain ChainProvider, state StateReader) *testNode {
	logger := zaptest.NewLogger(t)
	oracle := crypto.NewSimOracle(id, reg)
	return &testNode{
		id:     id,
		oracle: oracle,
		pool:   pool.NewInMemPool(logger),
		core:   New(id, chain, state, oracle, nil, logger, MaliciousFlags{}),
		logger: logger,
	}
}

// tickPreSigner runs one pre-signer engine tick and applies it.
func (n *testNode) tickPreSigner() types.ChangeSet {
	cs := n.core.PreSigner.OnStateChange(n.pool, n.core.TranscriptLoader())
	n.pool.Apply(cs)
	return cs
}

func (n *testNode) tickSigner() types.ChangeSet {
	cs := n.core.signer.OnStateChange(n.pool, n.core.TranscriptLoader())
	n.pool.Apply(cs)
	return cs
}

func (n *testNode) tickComplaintHandler() types.ChangeSet {
	cs := n.core.complaintHandler.OnStateChange(n.pool)
	n.pool.Apply(cs)
	return cs
}

func validatedOfKind(p pool.IDkgPool, kind types.MessageKind) []types.Message {
	var out []types.Message
	for _, msg := range p.Validated() {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

func unvalidatedOfKind(p pool.IDkgPool, kind types.MessageKind) []types.Message {
	var out []types.Message
	for _, msg := range p.Unvalidated() {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

// peerDealing creates a dealing as another replica would and drops it into
// the unvalidated bag.
func peerDealing(reg *crypto.SimRegistry, peer types.NodeId, params *types.TranscriptParams) *types.Dealing {
	oracle := crypto.NewSimOracle(peer, reg)
	d, err := oracle.CreateDealing(params)
	if err != nil {
		panic(err)
	}
	d.Internal = false
	return d
}

func peerSupport(reg *crypto.SimRegistry, peer types.NodeId, params *types.TranscriptParams, d *types.Dealing) *types.DealingSupport {
	oracle := crypto.NewSimOracle(peer, reg)
	su, err := oracle.CreateSupport(params, d)
	if err != nil {
		panic(err)
	}
	return su
}

func peerComplaint(reg *crypto.SimRegistry, peer types.NodeId, transcript *types.Transcript, dealer types.NodeId) *types.Complaint {
	oracle := crypto.NewSimOracle(peer, reg)
	c, err := oracle.CreateComplaint(transcript, dealer)
	if err != nil {
		panic(err)
	}
	return c
}

func peerOpening(reg *crypto.SimRegistry, peer types.NodeId, transcript *types.Transcript, complaint *types.Complaint) *types.Opening {
	oracle := crypto.NewSimOracle(peer, reg)
	o, err := oracle.CreateOpening(transcript, complaint)
	if err != nil {
		panic(err)
	}
	return o
}

func matchedContext(preSig types.PreSigId, pseudoRandom byte, height types.Height, signers ...types.NodeId) *types.RequestContext {
	id := preSig
	ctx := &types.RequestContext{
		Height:          height,
		Algorithm:       types.ThresholdEcdsaSecp256k1,
		Signers:         signers,
		MessageHash:     []byte{0xab, 0xcd},
		MatchedPreSigId: &id,
	}
	ctx.PseudoRandomId[0] = pseudoRandom
	return ctx
}
