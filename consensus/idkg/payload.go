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
	"bytes"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/erigontech/idkg/crypto"
	"github.com/erigontech/idkg/pool"
	"github.com/erigontech/idkg/types"
)

// Payload is the IDKG portion of one block: transcripts completed from
// supported dealings, and signatures aggregated from shares.
type Payload struct {
	CompletedTranscripts []*types.Transcript
	CompletedSignatures  []*types.CombinedSignature
}

// PayloadBuilder snapshots the pool and splices finished work into the next
// block. It obeys the same gates as the sub-engines and is deterministic
// given the same (pool, chain, state) snapshot.
type PayloadBuilder struct {
	chain    ChainProvider
	state    StateReader
	crypto   crypto.Oracle
	combiner crypto.DealingCombiner
	logger   *zap.Logger
}

func NewPayloadBuilder(chain ChainProvider, state StateReader, oracle crypto.Oracle, combiner crypto.DealingCombiner, logger *zap.Logger) *PayloadBuilder {
	return &PayloadBuilder{
		chain:    chain,
		state:    state,
		crypto:   oracle,
		combiner: combiner,
		logger:   logger.Named("idkg_payload_builder"),
	}
}

// supportedDealings returns the validated dealings of a config endorsed by
// at least Threshold distinct receivers, in dealer order.
func supportedDealings(p pool.IDkgPool, params *types.TranscriptParams) []*types.Dealing {
	supporters := make(map[dealingKey]map[types.NodeId]struct{})
	for _, msg := range p.Validated() {
		if su, ok := msg.(*types.DealingSupport); ok && su.TranscriptId == params.TranscriptId {
			key := dealingKey{su.TranscriptId, su.Dealer}
			if supporters[key] == nil {
				supporters[key] = make(map[types.NodeId]struct{})
			}
			supporters[key][su.Supporter] = struct{}{}
		}
	}
	var out []*types.Dealing
	for _, msg := range p.Validated() {
		if d, ok := msg.(*types.Dealing); ok && d.TranscriptId == params.TranscriptId {
			if len(supporters[dealingKey{d.TranscriptId, d.Dealer}]) >= params.Threshold {
				out = append(out, d)
			}
		}
	}
	slices.SortFunc(out, func(a, b *types.Dealing) int {
		return bytes.Compare([]byte(a.Dealer), []byte(b.Dealer))
	})
	return out
}

// BuildPayload assembles everything the pool can currently complete.
func (b *PayloadBuilder) BuildPayload(p pool.IDkgPool) *Payload {
	blockReader := NewBlockReader(b.chain.FinalizedChain())
	payload := &Payload{}

	for _, params := range blockReader.RequestedTranscripts() {
		dealings := supportedDealings(p, params)
		if len(dealings) < params.Threshold {
			continue
		}
		transcript, err := b.combiner.CombineDealings(params, dealings)
		if err != nil {
			b.logger.Warn("failed to combine dealings", zap.Stringer("transcript", params.TranscriptId), zap.Error(err))
			continue
		}
		payload.CompletedTranscripts = append(payload.CompletedTranscripts, transcript)
	}

	_, contexts, ok := b.state.GetCertifiedSnapshot()
	if !ok {
		return payload
	}
	requests := requestMap(contexts)
	shares := collectShares(p)
	for _, rid := range sortedRequestIds(requests) {
		ctx := requests[rid]
		preSig, ok := blockReader.AvailablePreSignature(rid.PreSignatureId)
		if !ok {
			continue
		}
		key, err := blockReader.Transcript(preSig.KeyTranscript)
		if err != nil {
			continue
		}
		ridShares := shares[rid]
		if len(ridShares) < key.Threshold {
			continue
		}
		req := &crypto.SignRequest{
			RequestId:   rid,
			Algorithm:   ctx.Algorithm,
			MessageHash: ctx.MessageHash,
			Key:         key,
			PreSigRefs:  preSig.Transcripts,
		}
		sig, err := b.crypto.CombineSignatureShares(req, ridShares)
		if err != nil {
			b.logger.Warn("failed to combine signature shares", zap.Stringer("request", rid), zap.Error(err))
			continue
		}
		payload.CompletedSignatures = append(payload.CompletedSignatures, sig)
	}
	return payload
}

// collectShares groups validated shares by request, in MessageId order.
func collectShares(p pool.IDkgPool) map[types.RequestId][]types.Message {
	out := make(map[types.RequestId][]types.Message)
	for _, msg := range p.Validated() {
		switch sh := msg.(type) {
		case *types.EcdsaSigShare:
			out[sh.RequestId] = append(out[sh.RequestId], sh)
		case *types.SchnorrSigShare:
			out[sh.RequestId] = append(out[sh.RequestId], sh)
		}
	}
	return out
}

var (
	errUnknownTranscript = errors.New("payload transcript not buildable from the local pool")
	errUnknownSignature  = errors.New("payload signature not buildable from the local pool")
)

// PayloadVerifier re-runs the builder's logic against a received payload.
type PayloadVerifier struct {
	builder *PayloadBuilder
}

func NewPayloadVerifier(builder *PayloadBuilder) *PayloadVerifier {
	return &PayloadVerifier{builder: builder}
}

// ValidatePayload accepts the payload iff every item in it is one this
// replica's pool and chain view can reproduce bit-for-bit.
func (v *PayloadVerifier) ValidatePayload(p pool.IDkgPool, payload *Payload) error {
	expected := v.builder.BuildPayload(p)

	transcripts := make(map[types.TranscriptId]*types.Transcript, len(expected.CompletedTranscripts))
	for _, t := range expected.CompletedTranscripts {
		transcripts[t.TranscriptId] = t
	}
	for _, t := range payload.CompletedTranscripts {
		want, ok := transcripts[t.TranscriptId]
		if !ok {
			return fmt.Errorf("%w: %s", errUnknownTranscript, t.TranscriptId)
		}
		if !bytes.Equal(want.CombinedPayload, t.CombinedPayload) {
			return fmt.Errorf("transcript %s: combined payload mismatch", t.TranscriptId)
		}
	}

	signatures := make(map[types.RequestId]*types.CombinedSignature, len(expected.CompletedSignatures))
	for _, s := range expected.CompletedSignatures {
		signatures[s.RequestId] = s
	}
	for _, s := range payload.CompletedSignatures {
		want, ok := signatures[s.RequestId]
		if !ok {
			return fmt.Errorf("%w: %s", errUnknownSignature, s.RequestId)
		}
		if !bytes.Equal(want.Signature, s.Signature) {
			return fmt.Errorf("signature %s: mismatch", s.RequestId)
		}
	}
	return nil
}

// UidGenerator mints fresh transcript and pre-signature ids at a given
// height. One per payload build.
type UidGenerator struct {
	subnet     types.SubnetId
	height     types.Height
	nextSerial uint64
	nextPreSig types.PreSigId
}

func NewUidGenerator(subnet types.SubnetId, height types.Height, nextSerial uint64, nextPreSig types.PreSigId) *UidGenerator {
	return &UidGenerator{subnet: subnet, height: height, nextSerial: nextSerial, nextPreSig: nextPreSig}
}

func (g *UidGenerator) NextTranscriptId() types.TranscriptId {
	id := types.TranscriptId{SourceSubnet: g.subnet, Serial: g.nextSerial, SourceHeight: g.height}
	g.nextSerial++
	return id
}

func (g *UidGenerator) NextPreSigId() types.PreSigId {
	id := g.nextPreSig
	g.nextPreSig++
	return id
}

// AdvanceEcdsaPreSignature folds newly completed transcripts into one ECDSA
// pre-signature record and opens the successor configs its linkage
// invariants allow:
//
//	key_times_lambda   needs lambda_masked
//	kappa_times_lambda needs kappa_unmasked and lambda_masked
//
// Returns the graduated pre-signature once all four transcripts are in.
func AdvanceEcdsaPreSignature(q *types.EcdsaPreSigInCreation, completed map[types.TranscriptId]*types.Transcript,
	keyRef types.TranscriptRef, height types.Height, uid *UidGenerator) *types.PreSignature {

	adopt := func(cfg *types.TranscriptParams, slot **types.TranscriptRef) {
		if cfg == nil || *slot != nil {
			return
		}
		if _, ok := completed[cfg.TranscriptId]; ok {
			*slot = &types.TranscriptRef{Height: height, TranscriptId: cfg.TranscriptId}
		}
	}
	adopt(q.KappaConfig, &q.KappaUnmasked)
	adopt(q.LambdaConfig, &q.LambdaMasked)
	adopt(q.KeyTimesLambdaConfig, &q.KeyTimesLambda)
	adopt(q.KappaTimesLambdaConfig, &q.KappaTimesLambda)

	product := func(deps []types.TranscriptRef, model *types.TranscriptParams) *types.TranscriptParams {
		return &types.TranscriptParams{
			TranscriptId:    uid.NextTranscriptId(),
			Operation:       types.UnmaskedTimesMasked,
			Dealers:         model.Dealers,
			Receivers:       model.Receivers,
			RegistryVersion: model.RegistryVersion,
			Algorithm:       model.Algorithm,
			Depends:         deps,
			Threshold:       model.Threshold,
		}
	}
	if q.LambdaMasked != nil && q.KeyTimesLambdaConfig == nil {
		q.KeyTimesLambdaConfig = product([]types.TranscriptRef{keyRef, *q.LambdaMasked}, q.LambdaConfig)
	}
	if q.KappaUnmasked != nil && q.LambdaMasked != nil && q.KappaTimesLambdaConfig == nil {
		q.KappaTimesLambdaConfig = product([]types.TranscriptRef{*q.KappaUnmasked, *q.LambdaMasked}, q.LambdaConfig)
	}

	if !q.Complete() {
		return nil
	}
	return &types.PreSignature{
		PreSigId:      q.PreSigId,
		Algorithm:     types.ThresholdEcdsaSecp256k1,
		KeyTranscript: keyRef,
		Transcripts: []types.TranscriptRef{
			*q.KappaUnmasked, *q.LambdaMasked, *q.KeyTimesLambda, *q.KappaTimesLambda,
		},
	}
}

// AdvanceSchnorrPreSignature graduates a Schnorr record as soon as its
// blinder transcript completes.
func AdvanceSchnorrPreSignature(q *types.SchnorrPreSigInCreation, completed map[types.TranscriptId]*types.Transcript,
	keyRef types.TranscriptRef, height types.Height) *types.PreSignature {

	if q.BlinderUnmasked == nil && q.BlinderConfig != nil {
		if _, ok := completed[q.BlinderConfig.TranscriptId]; ok {
			q.BlinderUnmasked = &types.TranscriptRef{Height: height, TranscriptId: q.BlinderConfig.TranscriptId}
		}
	}
	if !q.Complete() {
		return nil
	}
	return &types.PreSignature{
		PreSigId:      q.PreSigId,
		Algorithm:     types.ThresholdSchnorrBip340,
		KeyTranscript: keyRef,
		Transcripts:   []types.TranscriptRef{*q.BlinderUnmasked},
	}
}
