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

// Package idkg coordinates a subnet's replicas so they can jointly generate
// the transcripts backing threshold ECDSA and Schnorr keys, and produce
// signatures with them, without any replica ever holding a signing key.
//
// The core is a pool-driven state machine: each tick one sub-engine compares
// the intent (finalized chain + certified state) against the observed world
// (the artifact pool) and emits a change set, which is applied atomically.
package idkg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// InactiveTranscriptPurgePeriod is how often key material for transcripts no
// longer referenced by the finalized chain is dropped.
const InactiveTranscriptPurgePeriod = 60 * time.Second

// roundRobin hands out the sub-engines one per tick: each tick runs exactly
// one engine to bound per-tick latency, and the outer consensus loop
// re-invokes the driver quickly.
type roundRobin struct {
	next int
}

func (r *roundRobin) callNext(calls []func() types.ChangeSet) types.ChangeSet {
	call := calls[r.next%len(calls)]
	r.next++
	return call()
}

// IDkg is the top-level driver: it owns the three sub-engines, the retention
// timer and the malicious-mode interposer.
type IDkg struct {
	PreSigner        *PreSigner
	signer           *Signer
	complaintHandler *ComplaintHandler

	chain   ChainProvider
	crypto  crypto.Oracle
	metrics *ClientMetrics
	logger  *zap.Logger

	schedule  roundRobin
	lastPurge time.Time
	// now is the driver's clock. Only the tick thread touches lastPurge.
	now func() time.Time

	malicious MaliciousFlags
}

func New(nodeId types.NodeId, chain ChainProvider, state StateReader, oracle crypto.Oracle,
	reg prometheus.Registerer, logger *zap.Logger, malicious MaliciousFlags) *IDkg {

	metrics := NewClientMetrics(reg)
	complaintHandler := NewComplaintHandler(nodeId, chain, oracle, metrics, logger)
	return &IDkg{
		PreSigner:        NewPreSigner(nodeId, chain, oracle, metrics, logger),
		signer:           NewSigner(nodeId, chain, state, oracle, metrics, logger),
		complaintHandler: complaintHandler,
		chain:            chain,
		crypto:           oracle,
		metrics:          metrics,
		logger:           logger.Named("idkg"),
		now:              time.Now,
		lastPurge:        time.Now(),
		malicious:        malicious,
	}
}

// TranscriptLoader exposes the complaint handler's loader capability.
func (c *IDkg) TranscriptLoader() TranscriptLoader { return c.complaintHandler }

// OnStateChange runs the next sub-engine in rotation and returns its change
// set. The caller applies it to the pool. Never panics; a failing tick
// returns an empty change set.
func (c *IDkg) OnStateChange(p pool.IDkgPool) types.ChangeSet {
	preSigner := func() types.ChangeSet {
		cs := timedCall(c.metrics, "pre_signer", func() types.ChangeSet {
			return c.PreSigner.OnStateChange(p, c.complaintHandler)
		})
		if c.malicious.Enabled() {
			cs = maliciouslyAlterChangeSet(cs, c.malicious, c.logger)
		}
		return cs
	}
	signer := func() types.ChangeSet {
		return timedCall(c.metrics, "signer", func() types.ChangeSet {
			return c.signer.OnStateChange(p, c.complaintHandler)
		})
	}
	complaintHandler := func() types.ChangeSet {
		return timedCall(c.metrics, "complaint_handler", func() types.ChangeSet {
			return c.complaintHandler.OnStateChange(p)
		})
	}

	ret := c.schedule.callNext([]func() types.ChangeSet{preSigner, signer, complaintHandler})

	if c.now().Sub(c.lastPurge) >= InactiveTranscriptPurgePeriod {
		blockReader := NewBlockReader(c.chain.FinalizedChain())
		timedCall(c.metrics, "purge_inactive_transcripts", func() struct{} {
			c.purgeInactiveTranscripts(blockReader)
			return struct{}{}
		})
		c.lastPurge = c.now()
	}
	return ret
}

// Tick runs one driver invocation and applies the result atomically.
func (c *IDkg) Tick(p pool.IDkgPool) {
	if cs := c.OnStateChange(p); len(cs) > 0 {
		p.Apply(cs)
	}
}

// purgeInactiveTranscripts resolves every active transcript ref and hands
// the resulting set to the crypto oracle. Any resolution failure aborts the
// attempt: retention must never run on a narrowed set.
func (c *IDkg) purgeInactiveTranscripts(blockReader BlockReader) {
	active := make(map[types.TranscriptId]*types.Transcript)
	errorCount := 0
	for _, ref := range blockReader.ActiveTranscripts() {
		transcript, err := blockReader.Transcript(ref)
		if err != nil {
			c.logger.Warn("purge_inactive_transcripts: failed to resolve transcript ref",
				zap.Stringer("ref", ref), zap.Error(err))
			c.metrics.ClientErrors.WithLabelValues("resolve_active_transcript_refs").Inc()
			errorCount++
			continue
		}
		c.metrics.ClientOps.WithLabelValues("resolve_active_transcript_refs").Inc()
		active[transcript.TranscriptId] = transcript
	}
	if errorCount > 0 {
		c.logger.Warn("purge_inactive_transcripts: abort", zap.Int("errors", errorCount))
		return
	}

	err := c.crypto.RetainActiveTranscripts(active)
	switch {
	case err == nil:
		c.metrics.ClientOps.WithLabelValues("retain_active_transcripts").Inc()
	case crypto.IsTransient(err):
		c.logger.Warn("purge_inactive_transcripts: transient failure", zap.Error(err))
		c.metrics.ClientErrors.WithLabelValues("retain_active_transcripts_transient").Inc()
	default:
		c.logger.Error("critical: retain_active_transcripts failed", zap.Error(err))
		c.metrics.CriticalRetainErrors.Inc()
	}
}
