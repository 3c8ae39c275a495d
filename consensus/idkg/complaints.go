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
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// loadedTranscriptCacheSize bounds the dedup cache of transcripts already
// loaded into the crypto oracle. Eviction only costs a redundant load call.
const loadedTranscriptCacheSize = 512

// TranscriptLoadResult is the outcome of one load attempt: either the loaded
// transcript, or the complaints to publish.
type TranscriptLoadResult struct {
	Transcript *types.Transcript
	Complaints []*types.Complaint
}

func (r TranscriptLoadResult) Loaded() bool { return r.Transcript != nil }

// TranscriptLoader makes a transcript's key material available locally.
// The pre-signer and signer use it for their dependency transcripts.
type TranscriptLoader interface {
	LoadTranscript(p pool.IDkgPool, blockReader BlockReader, ref types.TranscriptRef) TranscriptLoadResult
}

// ComplaintHandler validates complaints, answers them with openings, and
// implements TranscriptLoader with opening-based share recovery.
type ComplaintHandler struct {
	nodeId  types.NodeId
	chain   ChainProvider
	crypto  crypto.Oracle
	loaded  *lru.Cache[types.TranscriptId, struct{}]
	metrics *ClientMetrics
	logger  *zap.Logger
}

func NewComplaintHandler(nodeId types.NodeId, chain ChainProvider, oracle crypto.Oracle, metrics *ClientMetrics, logger *zap.Logger) *ComplaintHandler {
	loaded, _ := lru.New[types.TranscriptId, struct{}](loadedTranscriptCacheSize)
	return &ComplaintHandler{
		nodeId:  nodeId,
		chain:   chain,
		crypto:  oracle,
		loaded:  loaded,
		metrics: metrics,
		logger:  logger.Named("idkg_complaint_handler"),
	}
}

func (h *ComplaintHandler) OnStateChange(p pool.IDkgPool) types.ChangeSet {
	blockReader := NewBlockReader(h.chain.FinalizedChain())
	var cs types.ChangeSet
	cs = append(cs, h.validateComplaints(p, blockReader)...)
	cs = append(cs, h.sendOpenings(p, blockReader)...)
	cs = append(cs, h.validateOpenings(p, blockReader)...)
	cs = append(cs, h.purgeStale(p, blockReader)...)
	return cs
}

type complaintKey struct {
	tid        types.TranscriptId
	dealer     types.NodeId
	complainer types.NodeId
}

type openingKey struct {
	complaintKey
	opener types.NodeId
}

// validatedComplaintKeys indexes the validated complaints by uniqueness key.
func validatedComplaintKeys(p pool.IDkgPool) map[complaintKey]*types.Complaint {
	out := make(map[complaintKey]*types.Complaint)
	for _, msg := range p.Validated() {
		if c, ok := msg.(*types.Complaint); ok {
			out[complaintKey{c.TranscriptId, c.Dealer, c.Complainer}] = c
		}
	}
	return out
}

func validatedOpeningKeys(p pool.IDkgPool) map[openingKey]*types.Opening {
	out := make(map[openingKey]*types.Opening)
	for _, msg := range p.Validated() {
		if o, ok := msg.(*types.Opening); ok {
			out[openingKey{complaintKey{o.TranscriptId, o.Dealer, o.Complainer}, o.Opener}] = o
		}
	}
	return out
}

func (h *ComplaintHandler) resolveById(blockReader BlockReader, tid types.TranscriptId) (*types.Transcript, bool) {
	t, err := blockReader.Transcript(types.TranscriptRef{Height: tid.SourceHeight, TranscriptId: tid})
	if err != nil {
		return nil, false
	}
	return t, true
}

func (h *ComplaintHandler) validateComplaints(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	existing := validatedComplaintKeys(p)
	seenThisTick := make(map[complaintKey]struct{})
	for _, msg := range p.Unvalidated() {
		c, ok := msg.(*types.Complaint)
		if !ok {
			continue
		}
		if _, active := blockReader.ActiveConfig(c.TranscriptId); !active {
			// Not in the intent. Either stale (purge handles it) or unknown.
			continue
		}
		key := complaintKey{c.TranscriptId, c.Dealer, c.Complainer}
		if _, dup := existing[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(c.MessageId()))
			continue
		}
		if _, dup := seenThisTick[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(c.MessageId()))
			continue
		}
		transcript, ok := h.resolveById(blockReader, c.TranscriptId)
		if !ok {
			// Config is active but its transcript is not resolvable yet;
			// retry on a later tick.
			continue
		}
		if err := h.crypto.VerifyComplaint(transcript, c); err != nil {
			h.logger.Warn("invalid complaint", zap.Stringer("transcript", c.TranscriptId),
				zap.Stringer("complainer", c.Complainer), zap.Error(err))
			h.metrics.ClientErrors.WithLabelValues("verify_complaint").Inc()
			cs = append(cs, types.RemoveUnvalidated(c.MessageId()))
			continue
		}
		seenThisTick[key] = struct{}{}
		h.metrics.ClientOps.WithLabelValues("complaint_validated").Inc()
		cs = append(cs, types.MoveToValidated(c))
	}
	return cs
}

func (h *ComplaintHandler) sendOpenings(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	openings := validatedOpeningKeys(p)
	for _, msg := range p.Validated() {
		c, ok := msg.(*types.Complaint)
		if !ok {
			continue
		}
		if _, active := blockReader.ActiveConfig(c.TranscriptId); !active {
			continue
		}
		key := openingKey{complaintKey{c.TranscriptId, c.Dealer, c.Complainer}, h.nodeId}
		if _, sent := openings[key]; sent {
			continue
		}
		transcript, ok := h.resolveById(blockReader, c.TranscriptId)
		if !ok {
			continue
		}
		opening, err := h.crypto.CreateOpening(transcript, c)
		if err != nil {
			if crypto.IsTransient(err) {
				h.metrics.TransientErrors.Inc()
				continue
			}
			h.logger.Warn("failed to create opening", zap.Stringer("transcript", c.TranscriptId), zap.Error(err))
			h.metrics.ClientErrors.WithLabelValues("create_opening").Inc()
			continue
		}
		openings[key] = opening
		h.metrics.ClientOps.WithLabelValues("opening_sent").Inc()
		cs = append(cs, types.AddToValidated(opening))
	}
	return cs
}

func (h *ComplaintHandler) validateOpenings(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
	var cs types.ChangeSet
	complaints := validatedComplaintKeys(p)
	existing := validatedOpeningKeys(p)
	seenThisTick := make(map[openingKey]struct{})
	for _, msg := range p.Unvalidated() {
		o, ok := msg.(*types.Opening)
		if !ok {
			continue
		}
		if _, active := blockReader.ActiveConfig(o.TranscriptId); !active {
			continue
		}
		ck := complaintKey{o.TranscriptId, o.Dealer, o.Complainer}
		complaint, haveComplaint := complaints[ck]
		if !haveComplaint {
			// An opening without its complaint is premature, not invalid.
			continue
		}
		key := openingKey{ck, o.Opener}
		if _, dup := existing[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(o.MessageId()))
			continue
		}
		if _, dup := seenThisTick[key]; dup {
			cs = append(cs, types.RemoveUnvalidated(o.MessageId()))
			continue
		}
		transcript, ok := h.resolveById(blockReader, o.TranscriptId)
		if !ok {
			continue
		}
		if err := h.crypto.VerifyOpening(transcript, o, complaint); err != nil {
			h.logger.Warn("invalid opening", zap.Stringer("transcript", o.TranscriptId),
				zap.Stringer("opener", o.Opener), zap.Error(err))
			h.metrics.ClientErrors.WithLabelValues("verify_opening").Inc()
			cs = append(cs, types.RemoveUnvalidated(o.MessageId()))
			continue
		}
		seenThisTick[key] = struct{}{}
		h.metrics.ClientOps.WithLabelValues("opening_validated").Inc()
		cs = append(cs, types.MoveToValidated(o))
	}
	return cs
}

func (h *ComplaintHandler) purgeStale(p pool.IDkgPool, blockReader BlockReader) types.ChangeSet {
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
		case *types.Complaint:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveUnvalidated(m.MessageId()))
			}
		case *types.Opening:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveUnvalidated(m.MessageId()))
			}
		}
	}
	for _, msg := range p.Validated() {
		switch m := msg.(type) {
		case *types.Complaint:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveValidated(m.MessageId()))
			}
		case *types.Opening:
			if stale(m.TranscriptId) {
				cs = append(cs, types.RemoveValidated(m.MessageId()))
			}
		}
	}
	return cs
}

// LoadTranscript implements TranscriptLoader.
//
// The per-(transcript, replica) recovery state machine:
//
//	Absent -> load fails  -> ComplaintEmitted
//	ComplaintEmitted -> enough openings validated -> Recovered
//	Absent -> load succeeds -> Loaded
//
// Absent/Loaded live in the crypto oracle plus the dedup cache; the emitted
// complaint and the openings answering it live in the validated pool.
func (h *ComplaintHandler) LoadTranscript(p pool.IDkgPool, blockReader BlockReader, ref types.TranscriptRef) TranscriptLoadResult {
	transcript, err := blockReader.Transcript(ref)
	if err != nil {
		h.logger.Warn("failed to resolve transcript ref", zap.Stringer("ref", ref), zap.Error(err))
		h.metrics.ClientErrors.WithLabelValues("resolve_transcript_ref").Inc()
		return TranscriptLoadResult{}
	}
	if _, ok := h.loaded.Get(transcript.TranscriptId); ok {
		return TranscriptLoadResult{Transcript: transcript}
	}
	complaints, err := h.crypto.LoadTranscript(transcript)
	if err != nil {
		if crypto.IsTransient(err) {
			h.metrics.TransientErrors.Inc()
		} else {
			h.metrics.ClientErrors.WithLabelValues("load_transcript").Inc()
		}
		return TranscriptLoadResult{}
	}
	if len(complaints) == 0 {
		h.loaded.Add(transcript.TranscriptId, struct{}{})
		return TranscriptLoadResult{Transcript: transcript}
	}

	// The transcript does not load cleanly. If a quorum of validated
	// openings answers every complaint, recover the share; otherwise hand
	// the complaints back for publication.
	openings := validatedOpeningKeys(p)
	recovery := make(map[types.NodeId]*types.Opening)
	recoverable := true
	for _, c := range complaints {
		count := 0
		for key, o := range openings {
			if key.tid == c.TranscriptId && key.dealer == c.Dealer && key.complainer == h.nodeId {
				recovery[key.opener] = o
				count++
			}
		}
		if count < transcript.Threshold {
			recoverable = false
		}
	}
	if recoverable {
		if err := h.crypto.LoadTranscriptWithOpenings(transcript, recovery); err == nil {
			h.loaded.Add(transcript.TranscriptId, struct{}{})
			h.metrics.ClientOps.WithLabelValues("transcript_recovered").Inc()
			return TranscriptLoadResult{Transcript: transcript}
		}
	}
	h.metrics.ComplaintsIssued.Add(float64(len(complaints)))
	return TranscriptLoadResult{Complaints: complaints}
}
