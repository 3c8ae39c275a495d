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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// The driver runs exactly one sub-engine per tick, in rotation.
func TestDriverRoundRobin(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)

	node.core.Tick(node.pool) // pre-signer: emits the dealing
	require.Len(t, validatedOfKind(node.pool, types.MessageDealing), 1)
	require.Empty(t, validatedOfKind(node.pool, types.MessageDealingSupport))

	node.core.Tick(node.pool) // signer: no certified state, no-op
	node.core.Tick(node.pool) // complaint handler: no-op
	require.Empty(t, validatedOfKind(node.pool, types.MessageDealingSupport))

	node.core.Tick(node.pool) // pre-signer again: endorses its own dealing
	assert.Len(t, validatedOfKind(node.pool, types.MessageDealingSupport), 1)
}

func TestRetentionPassesActiveSet(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	t1 := testTranscript(testTranscriptId(1, 10), 1, "node-1")
	t2 := testTranscript(testTranscriptId(2, 20), 1, "node-1")
	chain.addTranscript(t1, true)
	chain.addTranscript(t2, true)

	node.core.lastPurge = time.Now().Add(-2 * InactiveTranscriptPurgePeriod)
	node.core.Tick(node.pool)

	retained, calls := node.oracle.LastRetained()
	require.Equal(t, 1, calls)
	assert.Contains(t, retained, t1.TranscriptId)
	assert.Contains(t, retained, t2.TranscriptId)
}

// A single unresolvable ref aborts retention: never under-retain keys.
func TestRetentionAbortsOnResolutionFailure(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	chain.addTranscript(testTranscript(testTranscriptId(1, 10), 1, "node-1"), true)
	chain.addDanglingActive(testTranscriptId(2, 20))

	before := testutil.ToFloat64(node.core.metrics.ClientErrors.WithLabelValues("resolve_active_transcript_refs"))
	node.core.lastPurge = time.Now().Add(-2 * InactiveTranscriptPurgePeriod)
	node.core.Tick(node.pool)

	_, calls := node.oracle.LastRetained()
	assert.Equal(t, 0, calls, "retain_active_transcripts must not be called")
	after := testutil.ToFloat64(node.core.metrics.ClientErrors.WithLabelValues("resolve_active_transcript_refs"))
	assert.Equal(t, before+1, after)
}

func TestRetentionTransientVsFatal(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	node.oracle.SetRetainErr(fmt.Errorf("keystore busy: %w", crypto.ErrTransient))
	node.core.lastPurge = time.Now().Add(-2 * InactiveTranscriptPurgePeriod)
	node.core.Tick(node.pool)
	assert.Equal(t, float64(0), testutil.ToFloat64(node.core.metrics.CriticalRetainErrors))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(node.core.metrics.ClientErrors.WithLabelValues("retain_active_transcripts_transient")))

	node.oracle.SetRetainErr(fmt.Errorf("keystore inconsistent: %w", crypto.ErrFatal))
	node.core.lastPurge = time.Now().Add(-2 * InactiveTranscriptPurgePeriod)
	node.core.Tick(node.pool)
	assert.Equal(t, float64(1), testutil.ToFloat64(node.core.metrics.CriticalRetainErrors))
}

// The retention timer is a periodic deadline: it does not fire again until
// the period elapses anew.
func TestRetentionTimer(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	now := time.Unix(1000, 0)
	node.core.now = func() time.Time { return now }
	node.core.lastPurge = now

	node.core.Tick(node.pool)
	_, calls := node.oracle.LastRetained()
	assert.Equal(t, 0, calls)

	now = now.Add(InactiveTranscriptPurgePeriod)
	node.core.Tick(node.pool)
	_, calls = node.oracle.LastRetained()
	assert.Equal(t, 1, calls)

	// Immediately after, the timer has been reset.
	node.core.Tick(node.pool)
	_, calls = node.oracle.LastRetained()
	assert.Equal(t, 1, calls)
}

func TestMaliciousWithholdDealings(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	logger := zaptest.NewLogger(t)
	oracle := crypto.NewSimOracle("node-1", reg)
	core := New("node-1", chain, &testState{}, oracle, nil, logger, MaliciousFlags{WithholdDealings: true})
	p := pool.NewInMemPool(logger)

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)

	core.Tick(p)
	assert.Empty(t, validatedOfKind(p, types.MessageDealing))
}

func TestMaliciousCorruptDealings(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	logger := zaptest.NewLogger(t)
	oracle := crypto.NewSimOracle("node-1", reg)
	core := New("node-1", chain, &testState{}, oracle, nil, logger, MaliciousFlags{CorruptDealings: true})
	p := pool.NewInMemPool(logger)

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)

	core.Tick(p)
	dealings := validatedOfKind(p, types.MessageDealing)
	require.Len(t, dealings, 1)
	corrupted := dealings[0].(*types.Dealing)

	honest, err := oracle.CreateDealing(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, honest.Payload, corrupted.Payload)
	// A peer doing public verification rejects the tampered dealing.
	peer := crypto.NewSimOracle("node-2", reg)
	assert.Error(t, peer.VerifyDealingPublic(cfg, corrupted))
}

// With a fixed intent, repeated driver ticks drive the pool to a fixed
// point.
func TestDriverFixedPoint(t *testing.T) {
	reg := crypto.NewSimRegistry()
	chain := newTestChain(100)
	node := newTestNode(t, "node-1", reg, chain, &testState{})

	cfg := testParams(testTranscriptId(1, 90), types.RandomUnmasked, []types.NodeId{"node-1"}, 1)
	chain.addConfig(cfg)

	for i := 0; i < 9; i++ {
		node.core.Tick(node.pool)
	}
	unvalidatedBefore, validatedBefore := node.pool.Counts()
	for i := 0; i < 6; i++ {
		cs := node.core.OnStateChange(node.pool)
		assert.Empty(t, cs)
		node.pool.Apply(cs)
	}
	unvalidatedAfter, validatedAfter := node.pool.Counts()
	assert.Equal(t, unvalidatedBefore, unvalidatedAfter)
	assert.Equal(t, validatedBefore, validatedAfter)
}
