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

package crypto

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/erigontech/idkg/types"
)

// SimRegistry holds the signing keys of a simulated subnet. Keys are derived
// deterministically from the node id, so every replica in a test or a
// simulation run agrees on the key of every other replica.
type SimRegistry struct {
	mu   sync.Mutex
	keys map[types.NodeId]*secp256k1.PrivateKey
}

func NewSimRegistry() *SimRegistry {
	return &SimRegistry{keys: make(map[types.NodeId]*secp256k1.PrivateKey)}
}

func (r *SimRegistry) key(node types.NodeId) *secp256k1.PrivateKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[node]; ok {
		return k
	}
	seed := sha3.Sum256([]byte("idkg-sim-key/" + node))
	k := secp256k1.PrivKeyFromBytes(seed[:])
	r.keys[node] = k
	return k
}

func (r *SimRegistry) sign(node types.NodeId, digest []byte) []byte {
	return secpecdsa.Sign(r.key(node), digest).Serialize()
}

func (r *SimRegistry) verify(node types.NodeId, digest, sig []byte) error {
	parsed, err := secpecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parse signature of %s: %w", node, err)
	}
	if !parsed.Verify(digest, r.key(node).PubKey()) {
		return fmt.Errorf("bad signature from %s", node)
	}
	return nil
}

type dealerKey struct {
	tid    types.TranscriptId
	dealer types.NodeId
}

// SimOracle is a deterministic stand-in for the real threshold cryptography.
// Payloads are digests, signatures are real secp256k1 signatures over them.
// Injectable faults: failed public or private dealing verification, failed
// transcript loads, and errors from dealing creation, share creation and
// retention. Support, complaint and opening creation never fail.
type SimOracle struct {
	node types.NodeId
	reg  *SimRegistry

	mu            sync.Mutex
	loaded        map[types.TranscriptId]struct{}
	badPublic     map[dealerKey]struct{}
	badPrivate    map[dealerKey]struct{}
	failLoad      map[types.TranscriptId][]types.NodeId
	dealingErr    error
	shareErr      error
	retainErr     error
	lastRetained  map[types.TranscriptId]*types.Transcript
	retainedCalls int
}

func NewSimOracle(node types.NodeId, reg *SimRegistry) *SimOracle {
	return &SimOracle{
		node:       node,
		reg:        reg,
		loaded:     make(map[types.TranscriptId]struct{}),
		badPublic:  make(map[dealerKey]struct{}),
		badPrivate: make(map[dealerKey]struct{}),
		failLoad:   make(map[types.TranscriptId][]types.NodeId),
	}
}

// Fault injection. All no-ops unless a test or simulation sets them.

func (o *SimOracle) BreakPublic(tid types.TranscriptId, dealer types.NodeId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.badPublic[dealerKey{tid, dealer}] = struct{}{}
}

func (o *SimOracle) BreakPrivate(tid types.TranscriptId, dealer types.NodeId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.badPrivate[dealerKey{tid, dealer}] = struct{}{}
}

func (o *SimOracle) BreakLoad(tid types.TranscriptId, dealers ...types.NodeId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failLoad[tid] = dealers
}

func (o *SimOracle) SetDealingErr(err error) { o.mu.Lock(); o.dealingErr = err; o.mu.Unlock() }
func (o *SimOracle) SetShareErr(err error)   { o.mu.Lock(); o.shareErr = err; o.mu.Unlock() }
func (o *SimOracle) SetRetainErr(err error)  { o.mu.Lock(); o.retainErr = err; o.mu.Unlock() }

// LastRetained returns the set passed to the most recent successful retain
// call and the total number of calls.
func (o *SimOracle) LastRetained() (map[types.TranscriptId]*types.Transcript, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRetained, o.retainedCalls
}

func dealingDigest(tid types.TranscriptId, dealer types.NodeId, payload []byte) []byte {
	h := sha3.Sum256([]byte(fmt.Sprintf("dealing/%s/%s/%x", tid, dealer, payload)))
	return h[:]
}

func (o *SimOracle) CreateDealing(params *types.TranscriptParams) (*types.Dealing, error) {
	o.mu.Lock()
	err := o.dealingErr
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	payload := sha3.Sum256([]byte(fmt.Sprintf("payload/%s/%s/%s", params.TranscriptId, params.Operation, o.node)))
	d := &types.Dealing{
		TranscriptId: params.TranscriptId,
		Dealer:       o.node,
		Payload:      payload[:],
		Internal:     true,
	}
	d.Signature = o.reg.sign(o.node, dealingDigest(d.TranscriptId, d.Dealer, d.Payload))
	return d, nil
}

func (o *SimOracle) VerifyDealingPublic(params *types.TranscriptParams, dealing *types.Dealing) error {
	o.mu.Lock()
	_, bad := o.badPublic[dealerKey{dealing.TranscriptId, dealing.Dealer}]
	o.mu.Unlock()
	if bad {
		return fmt.Errorf("dealing by %s for %s fails public verification", dealing.Dealer, dealing.TranscriptId)
	}
	return o.reg.verify(dealing.Dealer, dealingDigest(dealing.TranscriptId, dealing.Dealer, dealing.Payload), dealing.Signature)
}

func (o *SimOracle) VerifyDealingPrivate(params *types.TranscriptParams, dealing *types.Dealing) error {
	o.mu.Lock()
	_, bad := o.badPrivate[dealerKey{dealing.TranscriptId, dealing.Dealer}]
	o.mu.Unlock()
	if bad {
		return fmt.Errorf("dealing by %s for %s encrypts a bad share for %s", dealing.Dealer, dealing.TranscriptId, o.node)
	}
	return nil
}

func supportDigest(s *types.DealingSupport) []byte {
	h := sha3.Sum256([]byte(fmt.Sprintf("support/%s/%s/%s", s.TranscriptId, s.Dealer, s.Supporter)))
	return h[:]
}

func (o *SimOracle) CreateSupport(params *types.TranscriptParams, dealing *types.Dealing) (*types.DealingSupport, error) {
	s := &types.DealingSupport{
		TranscriptId: dealing.TranscriptId,
		Dealer:       dealing.Dealer,
		Supporter:    o.node,
	}
	s.Signature = o.reg.sign(o.node, supportDigest(s))
	return s, nil
}

func (o *SimOracle) VerifySupport(params *types.TranscriptParams, support *types.DealingSupport) error {
	return o.reg.verify(support.Supporter, supportDigest(support), support.Signature)
}

func shareDigest(req *SignRequest, signer types.NodeId) []byte {
	h := sha3.Sum256([]byte(fmt.Sprintf("share/%s/%s/%x", req.RequestId, signer, req.MessageHash)))
	return h[:]
}

func (o *SimOracle) CreateSignatureShare(req *SignRequest) (types.Message, error) {
	o.mu.Lock()
	err := o.shareErr
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	share := o.reg.sign(o.node, shareDigest(req, o.node))
	switch req.Algorithm {
	case types.ThresholdSchnorrBip340:
		return &types.SchnorrSigShare{RequestId: req.RequestId, Signer: o.node, Share: share}, nil
	default:
		return &types.EcdsaSigShare{RequestId: req.RequestId, Signer: o.node, Share: share}, nil
	}
}

func (o *SimOracle) VerifySignatureShare(req *SignRequest, share types.Message) error {
	switch s := share.(type) {
	case *types.EcdsaSigShare:
		return o.reg.verify(s.Signer, shareDigest(req, s.Signer), s.Share)
	case *types.SchnorrSigShare:
		return o.reg.verify(s.Signer, shareDigest(req, s.Signer), s.Share)
	default:
		return fmt.Errorf("not a signature share: %T", share)
	}
}

func (o *SimOracle) CombineSignatureShares(req *SignRequest, shares []types.Message) (*types.CombinedSignature, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("combine %s: no shares", req.RequestId)
	}
	h := sha3.New256()
	fmt.Fprintf(h, "signature/%s", req.RequestId)
	for _, s := range shares {
		if err := o.VerifySignatureShare(req, s); err != nil {
			return nil, err
		}
		h.Write([]byte(s.MessageId()))
	}
	return &types.CombinedSignature{
		RequestId: req.RequestId,
		Algorithm: req.Algorithm,
		Signature: h.Sum(nil),
	}, nil
}

func complaintDigest(c *types.Complaint) []byte {
	h := sha3.Sum256([]byte(fmt.Sprintf("complaint/%s/%s/%s/%x", c.TranscriptId, c.Dealer, c.Complainer, c.Payload)))
	return h[:]
}

func (o *SimOracle) CreateComplaint(transcript *types.Transcript, dealer types.NodeId) (*types.Complaint, error) {
	payload := sha3.Sum256([]byte(fmt.Sprintf("complaint-proof/%s/%s/%s", transcript.TranscriptId, dealer, o.node)))
	c := &types.Complaint{
		TranscriptId: transcript.TranscriptId,
		Dealer:       dealer,
		Complainer:   o.node,
		Payload:      payload[:],
	}
	c.Signature = o.reg.sign(o.node, complaintDigest(c))
	return c, nil
}

func (o *SimOracle) VerifyComplaint(transcript *types.Transcript, complaint *types.Complaint) error {
	want := sha3.Sum256([]byte(fmt.Sprintf("complaint-proof/%s/%s/%s", complaint.TranscriptId, complaint.Dealer, complaint.Complainer)))
	if !bytes.Equal(want[:], complaint.Payload) {
		return fmt.Errorf("malformed complaint by %s for %s", complaint.Complainer, complaint.TranscriptId)
	}
	return o.reg.verify(complaint.Complainer, complaintDigest(complaint), complaint.Signature)
}

func openingDigest(op *types.Opening) []byte {
	h := sha3.Sum256([]byte(fmt.Sprintf("opening/%s/%s/%s/%s/%x", op.TranscriptId, op.Dealer, op.Complainer, op.Opener, op.Payload)))
	return h[:]
}

func (o *SimOracle) CreateOpening(transcript *types.Transcript, complaint *types.Complaint) (*types.Opening, error) {
	payload := sha3.Sum256([]byte(fmt.Sprintf("opening-share/%s/%s/%s", transcript.TranscriptId, complaint.Dealer, o.node)))
	op := &types.Opening{
		TranscriptId: transcript.TranscriptId,
		Dealer:       complaint.Dealer,
		Complainer:   complaint.Complainer,
		Opener:       o.node,
		Payload:      payload[:],
	}
	op.Signature = o.reg.sign(o.node, openingDigest(op))
	return op, nil
}

func (o *SimOracle) VerifyOpening(transcript *types.Transcript, opening *types.Opening, complaint *types.Complaint) error {
	want := sha3.Sum256([]byte(fmt.Sprintf("opening-share/%s/%s/%s", opening.TranscriptId, opening.Dealer, opening.Opener)))
	if !bytes.Equal(want[:], opening.Payload) {
		return fmt.Errorf("malformed opening by %s for %s", opening.Opener, opening.TranscriptId)
	}
	return o.reg.verify(opening.Opener, openingDigest(opening), opening.Signature)
}

func (o *SimOracle) LoadTranscript(transcript *types.Transcript) ([]*types.Complaint, error) {
	o.mu.Lock()
	if _, ok := o.loaded[transcript.TranscriptId]; ok {
		o.mu.Unlock()
		return nil, nil
	}
	dealers := o.failLoad[transcript.TranscriptId]
	o.mu.Unlock()
	if len(dealers) == 0 {
		o.mu.Lock()
		o.loaded[transcript.TranscriptId] = struct{}{}
		o.mu.Unlock()
		return nil, nil
	}
	var complaints []*types.Complaint
	for _, dealer := range dealers {
		c, err := o.CreateComplaint(transcript, dealer)
		if err != nil {
			return nil, err
		}
		complaints = append(complaints, c)
	}
	return complaints, nil
}

func (o *SimOracle) LoadTranscriptWithOpenings(transcript *types.Transcript, openings map[types.NodeId]*types.Opening) error {
	if len(openings) < transcript.Threshold {
		return fmt.Errorf("load %s: %d openings, need %d", transcript.TranscriptId, len(openings), transcript.Threshold)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded[transcript.TranscriptId] = struct{}{}
	delete(o.failLoad, transcript.TranscriptId)
	return nil
}

func (o *SimOracle) RetainActiveTranscripts(active map[types.TranscriptId]*types.Transcript) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retainedCalls++
	if o.retainErr != nil {
		return o.retainErr
	}
	o.lastRetained = active
	for id := range o.loaded {
		if _, ok := active[id]; !ok {
			delete(o.loaded, id)
		}
	}
	return nil
}

// CombineDealings implements DealingCombiner.
func (o *SimOracle) CombineDealings(params *types.TranscriptParams, dealings []*types.Dealing) (*types.Transcript, error) {
	if len(dealings) < params.Threshold {
		return nil, fmt.Errorf("combine %s: %d dealings, need %d", params.TranscriptId, len(dealings), params.Threshold)
	}
	h := sha3.New256()
	fmt.Fprintf(h, "transcript/%s", params.TranscriptId)
	for _, d := range dealings {
		h.Write(d.Payload)
	}
	return &types.Transcript{
		TranscriptId:    params.TranscriptId,
		Operation:       params.Operation,
		Receivers:       params.Receivers,
		RegistryVersion: params.RegistryVersion,
		Algorithm:       params.Algorithm,
		Threshold:       params.Threshold,
		CombinedPayload: h.Sum(nil),
	}, nil
}
