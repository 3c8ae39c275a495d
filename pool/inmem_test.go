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

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erigontech/idkg/types"
)

func testDealing(serial uint64, dealer types.NodeId) *types.Dealing {
	return &types.Dealing{
		TranscriptId: types.TranscriptId{SourceSubnet: "subnet-1", Serial: serial, SourceHeight: 10},
		Dealer:       dealer,
		Payload:      []byte{byte(serial)},
	}
}

func TestPoolInsertAndMove(t *testing.T) {
	p := NewInMemPool(zaptest.NewLogger(t))
	d := testDealing(1, "node-1")
	p.Insert(d)

	unvalidated, validated := p.Counts()
	require.Equal(t, 1, unvalidated)
	require.Equal(t, 0, validated)

	p.Apply(types.ChangeSet{types.MoveToValidated(d)})
	unvalidated, validated = p.Counts()
	assert.Equal(t, 0, unvalidated)
	assert.Equal(t, 1, validated)
	assert.NotNil(t, p.GetValidated(d.MessageId()))
}

func TestPoolInsertIsIdempotent(t *testing.T) {
	p := NewInMemPool(zaptest.NewLogger(t))
	d := testDealing(1, "node-1")
	p.Insert(d)
	p.Insert(d)
	unvalidated, _ := p.Counts()
	assert.Equal(t, 1, unvalidated)
}

func TestPoolMoveOfPurgedMessageIsSkipped(t *testing.T) {
	p := NewInMemPool(zaptest.NewLogger(t))
	d := testDealing(1, "node-1")
	p.Insert(d)
	p.Apply(types.ChangeSet{types.RemoveUnvalidated(d.MessageId())})

	// The engine computed a move from a pre-purge snapshot; nothing to do.
	p.Apply(types.ChangeSet{types.MoveToValidated(d)})
	unvalidated, validated := p.Counts()
	assert.Equal(t, 0, unvalidated)
	assert.Equal(t, 0, validated)
}

func TestPoolRemoveValidated(t *testing.T) {
	p := NewInMemPool(zaptest.NewLogger(t))
	d := testDealing(1, "node-1")
	p.Apply(types.ChangeSet{types.AddToValidated(d)})
	require.NotNil(t, p.GetValidated(d.MessageId()))

	p.Apply(types.ChangeSet{types.RemoveValidated(d.MessageId())})
	assert.Nil(t, p.GetValidated(d.MessageId()))
}

// Iteration order is the MessageId order, independent of insertion order, so
// every replica scans identical pool content identically.
func TestPoolDeterministicIteration(t *testing.T) {
	a := NewInMemPool(zaptest.NewLogger(t))
	b := NewInMemPool(zaptest.NewLogger(t))
	msgs := []*types.Dealing{
		testDealing(1, "node-1"),
		testDealing(2, "node-2"),
		testDealing(3, "node-3"),
	}
	for _, m := range msgs {
		a.Insert(m)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		b.Insert(msgs[i])
	}

	fromA := a.Unvalidated()
	fromB := b.Unvalidated()
	require.Equal(t, len(fromA), len(fromB))
	for i := range fromA {
		assert.Equal(t, fromA[i].MessageId(), fromB[i].MessageId())
	}
	for i := 1; i < len(fromA); i++ {
		assert.Less(t, fromA[i-1].MessageId(), fromA[i].MessageId())
	}
}

func TestPoolApplyIsAtomicBatch(t *testing.T) {
	p := NewInMemPool(zaptest.NewLogger(t))
	d1 := testDealing(1, "node-1")
	d2 := testDealing(2, "node-2")
	p.Insert(d1)

	p.Apply(types.ChangeSet{
		types.MoveToValidated(d1),
		types.AddToValidated(d2),
		types.RemoveValidated(d1.MessageId()),
	})
	unvalidated, validated := p.Counts()
	assert.Equal(t, 0, unvalidated)
	assert.Equal(t, 1, validated)
	assert.Nil(t, p.GetValidated(d1.MessageId()))
	assert.NotNil(t, p.GetValidated(d2.MessageId()))
}
