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

package types

import (
	"fmt"
	"slices"
)

// TranscriptId names one transcript to be built. SourceHeight is the height
// of the block that introduced the config; Serial disambiguates configs
// introduced at the same height.
type TranscriptId struct {
	SourceSubnet SubnetId
	Serial       uint64
	SourceHeight Height
}

func (id TranscriptId) String() string {
	return fmt.Sprintf("%s/%d@%s", id.SourceSubnet, id.Serial, id.SourceHeight)
}

// Less orders TranscriptIds by (subnet, serial, height). Used wherever a
// deterministic iteration order over configs is needed.
func (id TranscriptId) Less(other TranscriptId) bool {
	if id.SourceSubnet != other.SourceSubnet {
		return id.SourceSubnet < other.SourceSubnet
	}
	if id.Serial != other.Serial {
		return id.Serial < other.Serial
	}
	return id.SourceHeight < other.SourceHeight
}

// PreSigId identifies one pre-signature within a subnet.
type PreSigId uint64

// RequestId identifies one outstanding signature request.
type RequestId struct {
	PreSignatureId PreSigId
	PseudoRandomId [32]byte
	Height         Height
}

func (r RequestId) String() string {
	return fmt.Sprintf("req(%d, %x..., %s)", r.PreSignatureId, r.PseudoRandomId[:4], r.Height)
}

func (r RequestId) Less(other RequestId) bool {
	if r.PreSignatureId != other.PreSignatureId {
		return r.PreSignatureId < other.PreSignatureId
	}
	if c := slices.Compare(r.PseudoRandomId[:], other.PseudoRandomId[:]); c != 0 {
		return c < 0
	}
	return r.Height < other.Height
}

// AlgorithmId selects the threshold signature scheme of a transcript.
type AlgorithmId int

const (
	ThresholdEcdsaSecp256k1 AlgorithmId = iota
	ThresholdSchnorrBip340
)

func (a AlgorithmId) String() string {
	switch a {
	case ThresholdEcdsaSecp256k1:
		return "ecdsa_secp256k1"
	case ThresholdSchnorrBip340:
		return "schnorr_bip340"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// TranscriptOp is the kind of secret a transcript shares.
type TranscriptOp int

const (
	// RandomMasked shares a fresh random value in masked form.
	RandomMasked TranscriptOp = iota
	// RandomUnmasked shares a fresh random value in unmasked form.
	RandomUnmasked
	// UnmaskedTimesMasked shares the product of two prior transcripts.
	UnmaskedTimesMasked
	// ReshareOfMasked turns a prior masked transcript into an unmasked one.
	ReshareOfMasked
)

func (op TranscriptOp) String() string {
	switch op {
	case RandomMasked:
		return "random_masked"
	case RandomUnmasked:
		return "random_unmasked"
	case UnmaskedTimesMasked:
		return "unmasked_times_masked"
	case ReshareOfMasked:
		return "reshare_of_masked"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// TranscriptRef points at a transcript through the block that carries it.
// Refs are resolved against the finalized chain by the block reader; configs
// hold refs, never transcripts, to keep the config graph acyclic.
type TranscriptRef struct {
	Height       Height
	TranscriptId TranscriptId
}

func (r TranscriptRef) String() string {
	return fmt.Sprintf("ref(%s, %s)", r.Height, r.TranscriptId)
}

// TranscriptParams (a.k.a. config) declares one transcript to be built.
type TranscriptParams struct {
	TranscriptId    TranscriptId
	Operation       TranscriptOp
	Dealers         []NodeId
	Receivers       []NodeId
	RegistryVersion uint64
	Algorithm       AlgorithmId

	// Depends are the refs of the transcripts this operation consumes:
	// both factors for UnmaskedTimesMasked, the masked input for
	// ReshareOfMasked, empty for the random operations.
	Depends []TranscriptRef

	// Threshold is the reconstruction threshold of the transcript: the number
	// of supported dealings required to complete it, and the number of
	// validated openings required to recover a share under complaint.
	Threshold int
}

func (p *TranscriptParams) IsDealer(node NodeId) bool {
	return slices.Contains(p.Dealers, node)
}

func (p *TranscriptParams) IsReceiver(node NodeId) bool {
	return slices.Contains(p.Receivers, node)
}

// Transcript is a completed transcript: the combined dealings distributing
// shares of one secret among the receivers.
type Transcript struct {
	TranscriptId    TranscriptId
	Operation       TranscriptOp
	Receivers       []NodeId
	RegistryVersion uint64
	Algorithm       AlgorithmId
	Threshold       int

	// CombinedPayload is the opaque combined dealing material.
	CombinedPayload []byte
}

func (t *Transcript) Ref(height Height) TranscriptRef {
	return TranscriptRef{Height: height, TranscriptId: t.TranscriptId}
}

// EcdsaPreSigInCreation tracks the four linked transcripts of one ECDSA
// pre-signature while they are being built.
//
// Linkage invariants, enforced by idkg.AdvanceEcdsaPreSignature (the payload
// verifier does not check them):
//   - KeyTimesLambdaConfig is set only once LambdaMasked is present.
//   - KappaTimesLambdaConfig is set only once both KappaUnmasked and
//     LambdaMasked are present.
type EcdsaPreSigInCreation struct {
	PreSigId PreSigId

	KappaConfig   *TranscriptParams
	KappaUnmasked *TranscriptRef

	LambdaConfig *TranscriptParams
	LambdaMasked *TranscriptRef

	KeyTimesLambdaConfig *TranscriptParams
	KeyTimesLambda       *TranscriptRef

	KappaTimesLambdaConfig *TranscriptParams
	KappaTimesLambda       *TranscriptRef
}

// Complete reports whether all four transcripts are present, i.e. the record
// may graduate to an available pre-signature.
func (q *EcdsaPreSigInCreation) Complete() bool {
	return q.KappaUnmasked != nil && q.LambdaMasked != nil &&
		q.KeyTimesLambda != nil && q.KappaTimesLambda != nil
}

// Configs returns the configs currently open for this record, in creation
// order.
func (q *EcdsaPreSigInCreation) Configs() []*TranscriptParams {
	var out []*TranscriptParams
	for _, c := range []*TranscriptParams{q.KappaConfig, q.LambdaConfig, q.KeyTimesLambdaConfig, q.KappaTimesLambdaConfig} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// SchnorrPreSigInCreation tracks the single blinder transcript of one Schnorr
// pre-signature. It graduates as soon as the transcript completes.
type SchnorrPreSigInCreation struct {
	PreSigId PreSigId

	BlinderConfig   *TranscriptParams
	BlinderUnmasked *TranscriptRef
}

func (q *SchnorrPreSigInCreation) Complete() bool { return q.BlinderUnmasked != nil }

func (q *SchnorrPreSigInCreation) Configs() []*TranscriptParams {
	if q.BlinderConfig != nil {
		return []*TranscriptParams{q.BlinderConfig}
	}
	return nil
}

// PreSignature is an available pre-signature: every transcript it needs is
// present in the finalized chain.
type PreSignature struct {
	PreSigId  PreSigId
	Algorithm AlgorithmId

	// KeyTranscript is the long-lived signing key transcript of the scheme.
	KeyTranscript TranscriptRef

	// Transcripts are the ephemeral transcripts, in scheme order:
	// ECDSA kappa_unmasked, lambda_masked, key_times_lambda,
	// kappa_times_lambda; Schnorr blinder_unmasked.
	Transcripts []TranscriptRef
}

func (p *PreSignature) Refs() []TranscriptRef {
	refs := make([]TranscriptRef, 0, len(p.Transcripts)+1)
	refs = append(refs, p.KeyTranscript)
	refs = append(refs, p.Transcripts...)
	return refs
}

// RequestContext is one outstanding signature request in the certified state.
type RequestContext struct {
	PseudoRandomId [32]byte
	Height         Height
	Algorithm      AlgorithmId
	Signers        []NodeId
	MessageHash    []byte

	// MatchedPreSigId is set once the deterministic state machine has matched
	// the context with an available pre-signature. Only matched contexts
	// project to a RequestId.
	MatchedPreSigId *PreSigId
}

// RequestId projects the context to its RequestId, or false if the context
// has not been matched with a pre-signature yet.
func (c *RequestContext) RequestId() (RequestId, bool) {
	if c.MatchedPreSigId == nil {
		return RequestId{}, false
	}
	return RequestId{
		PreSignatureId: *c.MatchedPreSigId,
		PseudoRandomId: c.PseudoRandomId,
		Height:         c.Height,
	}, true
}

func (c *RequestContext) IsSigner(node NodeId) bool {
	return slices.Contains(c.Signers, node)
}

// CombinedSignature is a finished threshold signature ready to be delivered
// in a block payload.
type CombinedSignature struct {
	RequestId RequestId
	Algorithm AlgorithmId
	Signature []byte
}
