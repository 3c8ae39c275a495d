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
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/erigontech/idkg/types"
)

type entry struct {
	id  types.MessageId
	msg types.Message
}

func lessEntry(a, b entry) bool { return a.id < b.id }

// InMemPool is the in-memory pool implementation. The driver serializes all
// writes; reads may come from other goroutines (gossip, payload builder), so
// the two bags sit behind one mutex.
type InMemPool struct {
	mu          sync.RWMutex
	unvalidated *btree.BTreeG[entry]
	validated   *btree.BTreeG[entry]
	logger      *zap.Logger
}

func NewInMemPool(logger *zap.Logger) *InMemPool {
	return &InMemPool{
		unvalidated: btree.NewG(32, lessEntry),
		validated:   btree.NewG(32, lessEntry),
		logger:      logger.Named("idkg_pool"),
	}
}

// Insert adds a gossiped message to the unvalidated bag. Duplicates are
// no-ops: the id is a content hash, so the payload is identical.
func (p *InMemPool) Insert(msg types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unvalidated.ReplaceOrInsert(entry{id: msg.MessageId(), msg: msg})
}

func (p *InMemPool) Unvalidated() []types.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return collect(p.unvalidated)
}

func (p *InMemPool) Validated() []types.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return collect(p.validated)
}

func (p *InMemPool) GetValidated(id types.MessageId) types.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.validated.Get(entry{id: id}); ok {
		return e.msg
	}
	return nil
}

func collect(t *btree.BTreeG[entry]) []types.Message {
	out := make([]types.Message, 0, t.Len())
	t.Ascend(func(e entry) bool {
		out = append(out, e.msg)
		return true
	})
	return out
}

// Apply applies the change set under one lock acquisition. A move whose id
// is no longer in the unvalidated bag is skipped: the artifact was purged
// between the engine's read snapshot and the apply.
func (p *InMemPool) Apply(cs types.ChangeSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, action := range cs {
		switch action.Op {
		case types.OpMoveToValidated:
			if _, ok := p.unvalidated.Delete(entry{id: action.Id}); !ok {
				p.logger.Debug("move of missing unvalidated message", zap.String("id", string(action.Id)))
				continue
			}
			p.validated.ReplaceOrInsert(entry{id: action.Id, msg: action.Msg})
		case types.OpAddToValidated:
			p.validated.ReplaceOrInsert(entry{id: action.Id, msg: action.Msg})
		case types.OpRemoveUnvalidated:
			p.unvalidated.Delete(entry{id: action.Id})
		case types.OpRemoveValidated:
			p.validated.Delete(entry{id: action.Id})
		}
	}
}

// Counts returns the bag sizes, for metrics and tests.
func (p *InMemPool) Counts() (unvalidated, validated int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unvalidated.Len(), p.validated.Len()
}
