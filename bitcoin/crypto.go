// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoin

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/TheNavigator22/serai/frost"
)

// evenTag is the prefix of a compressed point whose y coordinate is even.
const evenTag = 0x02

// TweakKeys offsets the keys, incrementing the group key by the generator
// until it has an even y coordinate, as BIP-340 requires of keys used
// directly as taproot output keys.  Keys which already have an even y
// coordinate are returned unchanged; otherwise each increment has about even
// odds of yielding an even y, so the number of increments varies.
func TweakKeys(keys *frost.ThresholdKeys) *frost.ThresholdKeys {
	one := new(secp256k1.ModNScalar).SetInt(1)
	tweaked := keys
	for !hasEvenY(tweaked.GroupKey()) {
		tweaked = tweaked.Offset(one)
	}
	return tweaked
}

// hasEvenY reports whether the key's y coordinate is even.
func hasEvenY(key *btcec.PublicKey) bool {
	return key.SerializeCompressed()[0] == evenTag
}
