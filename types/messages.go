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
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// MessageKind enumerates the element types of the IDKG artifact pool.
// The string forms are stable: they are used as metrics labels and in logs.
type MessageKind int

const (
	MessageDealing MessageKind = iota
	MessageDealingSupport
	MessageEcdsaSigShare
	MessageSchnorrSigShare
	MessageComplaint
	MessageOpening
)

func (k MessageKind) String() string {
	switch k {
	case MessageDealing:
		return "dealing"
	case MessageDealingSupport:
		return "dealing_support"
	case MessageEcdsaSigShare:
		return "ecdsa_sig_share"
	case MessageSchnorrSigShare:
		return "schnorr_sig_share"
	case MessageComplaint:
		return "complaint"
	case MessageOpening:
		return "opening"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MessageId is the content hash of a pool message, hex-encoded. Ids are
// stable across replicas so the same artifact hashes to the same id
// everywhere.
type MessageId string

// MessageAttribute is the advertised projection of a message: enough for the
// gossip priority function, nothing more. Exactly one of TranscriptId and
// RequestId is meaningful, selected by Kind.
type MessageAttribute struct {
	Kind         MessageKind
	TranscriptId TranscriptId
	RequestId    RequestId
}

// Message is the element type of the pool.
type Message interface {
	MessageId() MessageId
	Kind() MessageKind
	Attribute() MessageAttribute
	// Author is the replica whose signature authenticates the message.
	Author() NodeId
}

// Dealing is one dealer's contribution toward a transcript.
type Dealing struct {
	TranscriptId TranscriptId
	Dealer       NodeId
	Payload      []byte
	Signature    []byte

	// Internal marks a dealing created by this replica: it skips the public
	// verification it would anyway pass.
	Internal bool
}

func (d *Dealing) Kind() MessageKind { return MessageDealing }
func (d *Dealing) Author() NodeId    { return d.Dealer }
func (d *Dealing) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageDealing, TranscriptId: d.TranscriptId}
}

func (d *Dealing) MessageId() MessageId {
	return hashMessage(MessageDealing, d.TranscriptId, nil, string(d.Dealer), "", d.Payload)
}

// DealingSupport is a receiver's attestation that a dealing's private part is
// well-formed for it.
type DealingSupport struct {
	TranscriptId TranscriptId
	Dealer       NodeId
	Supporter    NodeId
	Signature    []byte
}

func (s *DealingSupport) Kind() MessageKind { return MessageDealingSupport }
func (s *DealingSupport) Author() NodeId    { return s.Supporter }
func (s *DealingSupport) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageDealingSupport, TranscriptId: s.TranscriptId}
}

func (s *DealingSupport) MessageId() MessageId {
	return hashMessage(MessageDealingSupport, s.TranscriptId, nil, string(s.Dealer), string(s.Supporter), nil)
}

// EcdsaSigShare is one signer's share of a threshold ECDSA signature.
type EcdsaSigShare struct {
	RequestId RequestId
	Signer    NodeId
	Share     []byte
}

func (s *EcdsaSigShare) Kind() MessageKind { return MessageEcdsaSigShare }
func (s *EcdsaSigShare) Author() NodeId    { return s.Signer }
func (s *EcdsaSigShare) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageEcdsaSigShare, RequestId: s.RequestId}
}

func (s *EcdsaSigShare) MessageId() MessageId {
	return hashMessage(MessageEcdsaSigShare, TranscriptId{}, &s.RequestId, string(s.Signer), "", s.Share)
}

// SchnorrSigShare is one signer's share of a threshold Schnorr signature.
type SchnorrSigShare struct {
	RequestId RequestId
	Signer    NodeId
	Share     []byte
}

func (s *SchnorrSigShare) Kind() MessageKind { return MessageSchnorrSigShare }
func (s *SchnorrSigShare) Author() NodeId    { return s.Signer }
func (s *SchnorrSigShare) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageSchnorrSigShare, RequestId: s.RequestId}
}

func (s *SchnorrSigShare) MessageId() MessageId {
	return hashMessage(MessageSchnorrSigShare, TranscriptId{}, &s.RequestId, string(s.Signer), "", s.Share)
}

// Complaint says "I could not decrypt dealer Dealer's share in transcript
// TranscriptId". It triggers openings from the other receivers.
type Complaint struct {
	TranscriptId TranscriptId
	Dealer       NodeId
	Complainer   NodeId
	Payload      []byte
	Signature    []byte
}

func (c *Complaint) Kind() MessageKind { return MessageComplaint }
func (c *Complaint) Author() NodeId    { return c.Complainer }
func (c *Complaint) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageComplaint, TranscriptId: c.TranscriptId}
}

func (c *Complaint) MessageId() MessageId {
	return hashMessage(MessageComplaint, c.TranscriptId, nil, string(c.Dealer), string(c.Complainer), c.Payload)
}

// Opening is a peer's response to a validated complaint: it reveals enough
// for the complainer to recover its share.
type Opening struct {
	TranscriptId TranscriptId
	Dealer       NodeId
	Complainer   NodeId
	Opener       NodeId
	Payload      []byte
	Signature    []byte
}

func (o *Opening) Kind() MessageKind { return MessageOpening }
func (o *Opening) Author() NodeId    { return o.Opener }
func (o *Opening) Attribute() MessageAttribute {
	return MessageAttribute{Kind: MessageOpening, TranscriptId: o.TranscriptId}
}

func (o *Opening) MessageId() MessageId {
	return hashMessage(MessageOpening, o.TranscriptId, nil, string(o.Dealer), string(o.Complainer)+"/"+string(o.Opener), o.Payload)
}

func hashMessage(kind MessageKind, tid TranscriptId, rid *RequestId, a, b string, payload []byte) MessageId {
	h := sha3.New256()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(kind))
	h.Write(buf[:])
	h.Write([]byte(tid.SourceSubnet))
	binary.BigEndian.PutUint64(buf[:], tid.Serial)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(tid.SourceHeight))
	h.Write(buf[:])
	if rid != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(rid.PreSignatureId))
		h.Write(buf[:])
		h.Write(rid.PseudoRandomId[:])
		binary.BigEndian.PutUint64(buf[:], uint64(rid.Height))
		h.Write(buf[:])
	}
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	h.Write([]byte{0})
	h.Write(payload)
	return MessageId(hex.EncodeToString(h.Sum(nil)))
}
