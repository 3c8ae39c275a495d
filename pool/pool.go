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

// Package pool holds the local store of IDKG artifacts, split into an
// unvalidated bag (gossip input, no guarantees) and a validated bag (every
// message's signature has been verified and its uniqueness key is free).
package pool

import "github.com/erigontech/idkg/types"

// IDkgPool is the read/apply surface the sub-engines see. Reads return
// messages in MessageId order so that every replica iterates the same pool
// content in the same order.
type IDkgPool interface {
	// Unvalidated returns the unvalidated bag in MessageId order.
	Unvalidated() []types.Message
	// Validated returns the validated bag in MessageId order.
	Validated() []types.Message
	// GetValidated returns a validated message by id, or nil.
	GetValidated(id types.MessageId) types.Message
	// Apply applies a change set atomically: observers see either none or
	// all of its actions.
	Apply(cs types.ChangeSet)
}
