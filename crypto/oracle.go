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

// Package crypto defines the oracle through which the consensus core consumes
// the threshold cryptography. The core never inspects key material; it only
// calls the oracle and reacts to the error taxonomy below.
package crypto

import (
	"errors"

	"github.com/erigontech/idkg/types"
)

// ErrTransient marks a recoverable oracle failure: skip the call this tick
// and retry on a later one.
var ErrTransient = errors.New("transient crypto error")

// ErrFatal marks an unrecoverable oracle failure, e.g. an inconsistent
// keystore. The tick continues; operator intervention is required.
var ErrFatal = errors.New("fatal crypto error")

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool     { return errors.Is(err, ErrFatal) }

// SignRequest bundles the resolved inputs of one signature request: the
// request itself plus the pre-signature and key transcripts it consumes.
type SignRequest struct {
	RequestId   types.RequestId
	Algorithm   types.AlgorithmId
	MessageHash []byte

	Key         *types.Transcript
	PreSigRefs  []types.TranscriptRef
	Transcripts []*types.Transcript
}

// Oracle is the crypto surface of the IDKG core. Implementations are
// thread-safe; the core only calls them from the tick thread. Calls may be
// CPU-heavy and are allowed to block the tick.
type Oracle interface {
	// CreateDealing produces this replica's dealing for the config. The
	// config's dependency transcripts must have been loaded first.
	CreateDealing(params *types.TranscriptParams) (*types.Dealing, error)
	// VerifyDealingPublic runs the public verification: anyone can do it,
	// it does not consult this replica's decryption key.
	VerifyDealingPublic(params *types.TranscriptParams, dealing *types.Dealing) error
	// VerifyDealingPrivate checks that the dealing encrypts a well-formed
	// share for this replica.
	VerifyDealingPrivate(params *types.TranscriptParams, dealing *types.Dealing) error

	CreateSupport(params *types.TranscriptParams, dealing *types.Dealing) (*types.DealingSupport, error)
	VerifySupport(params *types.TranscriptParams, support *types.DealingSupport) error

	CreateSignatureShare(req *SignRequest) (types.Message, error)
	VerifySignatureShare(req *SignRequest, share types.Message) error
	CombineSignatureShares(req *SignRequest, shares []types.Message) (*types.CombinedSignature, error)

	CreateComplaint(transcript *types.Transcript, dealer types.NodeId) (*types.Complaint, error)
	VerifyComplaint(transcript *types.Transcript, complaint *types.Complaint) error
	CreateOpening(transcript *types.Transcript, complaint *types.Complaint) (*types.Opening, error)
	VerifyOpening(transcript *types.Transcript, opening *types.Opening, complaint *types.Complaint) error

	// LoadTranscript makes the transcript's key material available locally.
	// On failure it returns the complaints to publish, one per undecryptable
	// dealing.
	LoadTranscript(transcript *types.Transcript) ([]*types.Complaint, error)
	// LoadTranscriptWithOpenings recovers this replica's share from a quorum
	// of openings and loads the transcript.
	LoadTranscriptWithOpenings(transcript *types.Transcript, openings map[types.NodeId]*types.Opening) error

	// RetainActiveTranscripts drops key material for every transcript not in
	// the given set. The set must cover everything the finalized chain still
	// references; the caller aborts rather than passing a narrowed set.
	RetainActiveTranscripts(active map[types.TranscriptId]*types.Transcript) error
}

// CombineDealings completes a transcript from a set of supported dealings.
// Split from Oracle so the payload builder can depend on just this.
type DealingCombiner interface {
	CombineDealings(params *types.TranscriptParams, dealings []*types.Dealing) (*types.Transcript, error)
}
