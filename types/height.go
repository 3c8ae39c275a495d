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
	"math"
	"strconv"
)

// Height is the position of a block in the finalized chain. Heights are
// monotone and never reused.
type Height uint64

const MaxHeight = Height(math.MaxUint64)

func (h Height) String() string { return strconv.FormatUint(uint64(h), 10) }

// Add saturates instead of wrapping. Look-ahead windows near MaxHeight must
// not wrap around to 0.
func (h Height) Add(delta uint64) Height {
	if uint64(h) > math.MaxUint64-delta {
		return MaxHeight
	}
	return h + Height(delta)
}

// NodeId identifies one replica. Opaque, only compared for equality and used
// as a map/ordering key.
type NodeId string

func (n NodeId) String() string { return string(n) }

// SubnetId identifies one subnet.
type SubnetId string

func (s SubnetId) String() string { return string(s) }
