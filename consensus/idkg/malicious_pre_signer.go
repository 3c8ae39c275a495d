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
	"go.uber.org/zap"

	"github.com/erigontech/idkg/types"
)

// MaliciousFlags configures the adversarial interposer used in Byzantine
// tests. All flags default to off; the daemon config's [malicious] table can
// turn them on.
type MaliciousFlags struct {
	// CorruptDealings flips a byte in every dealing the pre-signer emits.
	CorruptDealings bool
	// WithholdDealings drops every dealing the pre-signer emits.
	WithholdDealings bool
}

func (f MaliciousFlags) Enabled() bool {
	return f.CorruptDealings || f.WithholdDealings
}

// maliciouslyAlterChangeSet tampers with the pre-signer's change set before
// it is applied. It is a post-processor: the honest engine stays untouched.
func maliciouslyAlterChangeSet(cs types.ChangeSet, flags MaliciousFlags, logger *zap.Logger) types.ChangeSet {
	out := make(types.ChangeSet, 0, len(cs))
	for _, action := range cs {
		dealing, ok := action.Msg.(*types.Dealing)
		if !ok || action.Op != types.OpAddToValidated {
			out = append(out, action)
			continue
		}
		if flags.WithholdDealings {
			logger.Warn("maliciously withholding dealing", zap.Stringer("transcript", dealing.TranscriptId))
			continue
		}
		if flags.CorruptDealings && len(dealing.Payload) > 0 {
			corrupted := *dealing
			corrupted.Payload = append([]byte(nil), dealing.Payload...)
			corrupted.Payload[0] ^= 0xff
			logger.Warn("maliciously corrupting dealing", zap.Stringer("transcript", dealing.TranscriptId))
			out = append(out, types.AddToValidated(&corrupted))
			continue
		}
		out = append(out, action)
	}
	return out
}
