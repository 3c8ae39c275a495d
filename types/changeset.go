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

import "fmt"

// ChangeOp is one kind of pool mutation.
type ChangeOp int

const (
	// OpMoveToValidated promotes an unvalidated message to the validated bag.
	OpMoveToValidated ChangeOp = iota
	// OpAddToValidated inserts a locally created message directly into the
	// validated bag.
	OpAddToValidated
	// OpRemoveUnvalidated drops a message from the unvalidated bag.
	OpRemoveUnvalidated
	// OpRemoveValidated drops a message from the validated bag.
	OpRemoveValidated
)

func (op ChangeOp) String() string {
	switch op {
	case OpMoveToValidated:
		return "move_to_validated"
	case OpAddToValidated:
		return "add_to_validated"
	case OpRemoveUnvalidated:
		return "remove_unvalidated"
	case OpRemoveValidated:
		return "remove_validated"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ChangeAction is one pool mutation. Msg is set for moves and adds, Id for
// removes (and redundantly for moves).
type ChangeAction struct {
	Op  ChangeOp
	Id  MessageId
	Msg Message
}

// ChangeSet is the batch of mutations one sub-engine invocation produces.
// It is applied to the pool atomically, after the sub-engine returns.
type ChangeSet []ChangeAction

func MoveToValidated(msg Message) ChangeAction {
	return ChangeAction{Op: OpMoveToValidated, Id: msg.MessageId(), Msg: msg}
}

func AddToValidated(msg Message) ChangeAction {
	return ChangeAction{Op: OpAddToValidated, Id: msg.MessageId(), Msg: msg}
}

func RemoveUnvalidated(id MessageId) ChangeAction {
	return ChangeAction{Op: OpRemoveUnvalidated, Id: id}
}

func RemoveValidated(id MessageId) ChangeAction {
	return ChangeAction{Op: OpRemoveValidated, Id: id}
}
