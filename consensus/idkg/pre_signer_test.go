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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/types"
)

// A replica that deals and receives for one random-unmasked config reaches a
// fixed point in two engine ticks: first the dealing, then its own support,
// then nothing.
func TestPreSignerFixedPoint(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	state := &testState{}
	node := newTestNode(t, "node-1", reg, chain, state)

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)

	cs := node.tickPreSigner()
	require.Len(t, cs, 1)
	require.Len(t, validatedOfKind(node.pool, types.MessageDealing), 1)
	require.Empty(t, validatedOfKind(node.pool, types.MessageDealingSupport))

	cs = node.tickPreSigner()
	require.Len(t, cs, 1)
	require.Len(t, validatedOfKind(node.pool, types.MessageDealingSupport), 1)

	cs = node.tickPreSigner()
	assert.Empty(t, cs, "pool must be a fixed point")
}

func TestPreSignerValidatesPeerDealing(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1", "node-2"}, 1)
	chain.addConfig(cfg)

	node.pool.Insert(peerDealing(reg, "node-2", cfg))
	node.tickPreSigner()

	dealings := validatedOfKind(node.pool, types.MessageDealing)
	var dealers []types.NodeId
	for _, msg := range dealings {
		dealers = append(dealers, msg.(*types.Dealing).Dealer)
	}
	assert.ElementsMatch(t, []types.NodeId{"node-1", "node-2"}, dealers)
	assert.Empty(t, unvalidatedOfKind(node.pool, types.MessageDealing))
}

func TestPreSignerRemovesMalformedDealing(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-2", "node-3"}, 1)
	cfg.Receivers = []types.NodeId{"node-1"}
	chain.addConfig(cfg)

	bad := peerDealing(reg, "node-2", cfg)
	node.oracle.BreakPublic(cfg.TranscriptId, "node-2")
	node.pool.Insert(bad)
	// A second dealer stays unaffected: the malformed dealing goes, the
	// dealer is not banned.
	node.pool.Insert(peerDealing(reg, "node-3", cfg))

	node.tickPreSigner()

	require.Empty(t, unvalidatedOfKind(node.pool, types.MessageDealing))
	dealings := validatedOfKind(node.pool, types.MessageDealing)
	require.Len(t, dealings, 1)
	assert.Equal(t, types.NodeId("node-3"), dealings[0].(*types.Dealing).Dealer)
}

func TestPreSignerDedupsDealingsPerDealer(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-2"}, 1)
	cfg.Receivers = []types.NodeId{"node-1"}
	chain.addConfig(cfg)

	first := peerDealing(reg, "node-2", cfg)
	second := *first
	second.Payload = append([]byte(nil), first.Payload...)
	second.Payload[0] ^= 1 // different id, same (config, dealer)
	node.pool.Insert(first)
	node.pool.Insert(&second)

	node.tickPreSigner()

	assert.Len(t, validatedOfKind(node.pool, types.MessageDealing), 1)
	assert.Empty(t, unvalidatedOfKind(node.pool, types.MessageDealing))
}

func TestPreSignerPurgesStaleDealing(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 50), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)
	node.tickPreSigner()
	require.Len(t, validatedOfKind(node.pool, types.MessageDealing), 1)

	chain.removeConfig(cfg.TranscriptId)
	chain.snap.Tip = 200
	node.tickPreSigner()

	assert.Empty(t, validatedOfKind(node.pool, types.MessageDealing))
}

// A future config's artifacts survive the purge: staleness needs the tip to
// have passed the source height.
func TestPreSignerKeepsFutureDealing(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	futureCfg := testParams(testTranscriptId(1, 105), types.RandomUnmasked, []types.NodeId{"node-2"}, 1)
	node.pool.Insert(peerDealing(reg, "node-2", futureCfg))

	node.tickPreSigner()

	assert.Len(t, unvalidatedOfKind(node.pool, types.MessageDealing), 1)
}

func TestPreSignerComplainsOnDependencyLoadFailure(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	dep := testTranscript(testTranscriptId(5, 40), 1, "node-1", "node-2")
	chain.addTranscript(dep, true)

	cfg := testParams(testTranscriptId(1, 90), types.ReshareOfMasked, []types.NodeId{"node-1", "node-2"}, 1)
	cfg.Depends = []types.TranscriptRef{dep.Ref(40)}
	chain.addConfig(cfg)

	node.oracle.BreakLoad(dep.TranscriptId, "node-2")
	node.tickPreSigner()

	require.Empty(t, validatedOfKind(node.pool, types.MessageDealing), "no dealing on top of missing deps")
	complaints := validatedOfKind(node.pool, types.MessageComplaint)
	require.Len(t, complaints, 1)
	c := complaints[0].(*types.Complaint)
	assert.Equal(t, dep.TranscriptId, c.TranscriptId)
	assert.Equal(t, types.NodeId("node-2"), c.Dealer)
	assert.Equal(t, types.NodeId("node-1"), c.Complainer)

	// Re-running does not duplicate the complaint.
	cs := node.tickPreSigner()
	assert.Empty(t, cs)
}

func TestPreSignerComplainsOnPrivateVerificationFailure(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-2"}, 1)
	cfg.Receivers = []types.NodeId{"node-1"}
	chain.addConfig(cfg)

	node.pool.Insert(peerDealing(reg, "node-2", cfg))
	node.oracle.BreakPrivate(cfg.TranscriptId, "node-2")

	node.tickPreSigner() // validates the dealing
	node.tickPreSigner() // private verification fails, complaint instead of support

	assert.Empty(t, validatedOfKind(node.pool, types.MessageDealingSupport))
	complaints := validatedOfKind(node.pool, types.MessageComplaint)
	require.Len(t, complaints, 1)
	assert.Equal(t, types.NodeId("node-2"), complaints[0].(*types.Complaint).Dealer)
}

func TestPreSignerValidatesPeerSupport(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1", "node-2"}, 1)
	chain.addConfig(cfg)

	dealing := peerDealing(reg, "node-2", cfg)
	node.pool.Insert(dealing)
	node.pool.Insert(peerSupport(reg, "node-2", cfg, dealing))

	node.tickPreSigner() // validates the dealing; support waits for it
	node.tickPreSigner()

	supports := validatedOfKind(node.pool, types.MessageDealingSupport)
	var supporters []types.NodeId
	for _, msg := range supports {
		supporters = append(supporters, msg.(*types.DealingSupport).Supporter)
	}
	assert.Contains(t, supporters, types.NodeId("node-2"))
	assert.Empty(t, unvalidatedOfKind(node.pool, types.MessageDealingSupport))
}
