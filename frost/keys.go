// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package frost implements threshold Schnorr signing for secp256k1 in the
// style of FROST.  A t-of-n multisig, rooted at a single group key, produces
// 64-byte BIP-340 signatures over a three round protocol: preprocess (nonce
// commitments), sign (signature shares), and complete (aggregation).
//
// Every round consumes its machine.  Reusing a consumed machine panics, and
// the secret material a machine held is wiped when it transitions.
package frost

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Participant is the one-based index of a multisig participant.
type Participant uint16

// NewParticipant validates and returns a participant index.  Participant
// indexes are one-based; zero is rejected.
func NewParticipant(i uint16) (Participant, error) {
	if i == 0 {
		return 0, ErrInvalidParticipant
	}
	return Participant(i), nil
}

// scalar returns the participant index as a scalar, for use as the x
// coordinate of its secret share.
func (p Participant) scalar() *secp256k1.ModNScalar {
	return new(secp256k1.ModNScalar).SetInt(uint32(p))
}

// ThresholdParams are the parameters of a t-of-n multisig, along with the
// index of the local participant.
type ThresholdParams struct {
	t uint16
	n uint16
	i Participant
}

// NewThresholdParams validates and returns threshold parameters.
func NewThresholdParams(t, n uint16, i Participant) (ThresholdParams, error) {
	if t == 0 || t > n {
		return ThresholdParams{}, ErrInsufficientParticipants
	}
	if i == 0 || uint16(i) > n {
		return ThresholdParams{}, ErrInvalidParticipant
	}
	return ThresholdParams{t: t, n: n, i: i}, nil
}

// T returns the threshold required to sign.
func (p ThresholdParams) T() uint16 { return p.t }

// N returns the number of participants.
func (p ThresholdParams) N() uint16 { return p.n }

// I returns the index of the local participant.
func (p ThresholdParams) I() Participant { return p.i }

// ThresholdKeys are a participant's view of a multisig: its secret share, the
// group key, and the verification shares of every participant.
//
// An offset may be accumulated onto the keys with Offset.  The offset shifts
// the group secret (and so the group key) without re-running key generation,
// which is how per-output child keys are derived.
type ThresholdKeys struct {
	params             ThresholdParams
	secretShare        secp256k1.ModNScalar
	groupKey           secp256k1.JacobianPoint
	verificationShares map[Participant]*secp256k1.JacobianPoint
	offset             secp256k1.ModNScalar
}

// Params returns the multisig's threshold parameters.
func (k *ThresholdKeys) Params() ThresholdParams { return k.params }

// GroupKey returns the group key with any accumulated offset applied.
func (k *ThresholdKeys) GroupKey() *secp256k1.PublicKey {
	var point secp256k1.JacobianPoint
	k.groupKeyPoint(&point)
	point.ToAffine()
	return secp256k1.NewPublicKey(&point.X, &point.Y)
}

// groupKeyPoint writes the offset-adjusted group key to result.
func (k *ThresholdKeys) groupKeyPoint(result *secp256k1.JacobianPoint) {
	if k.offset.IsZero() {
		*result = k.groupKey
		return
	}
	var offsetPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k.offset, &offsetPoint)
	secp256k1.AddNonConst(&k.groupKey, &offsetPoint, result)
}

// clone returns an independent copy of the keys, so the holder can wipe its
// copy without affecting the source.  The verification shares are public and
// immutable, and stay shared.
func (k *ThresholdKeys) clone() *ThresholdKeys {
	cloned := &ThresholdKeys{
		params:             k.params,
		groupKey:           k.groupKey,
		verificationShares: k.verificationShares,
	}
	cloned.secretShare.Set(&k.secretShare)
	cloned.offset.Set(&k.offset)
	return cloned
}

// Offset returns a copy of the keys with the given scalar added to the
// accumulated offset.  The receiver is untouched, letting one set of keys
// derive many children.
func (k *ThresholdKeys) Offset(offset *secp256k1.ModNScalar) *ThresholdKeys {
	derived := k.clone()
	derived.offset.Add(offset)
	return derived
}

// Zeroize wipes the secret share and accumulated offset.  The keys must not
// be used afterwards.
func (k *ThresholdKeys) Zeroize() {
	k.secretShare.Zero()
	k.offset.Zero()
}

// lagrange computes the Lagrange coefficient for the given participant,
// interpolating at zero over the included set.
func lagrange(i Participant, included []Participant) *secp256k1.ModNScalar {
	num := new(secp256k1.ModNScalar).SetInt(1)
	den := new(secp256k1.ModNScalar).SetInt(1)
	iScalar := i.scalar()
	for _, j := range included {
		if j == i {
			continue
		}
		jScalar := j.scalar()
		num.Mul(jScalar)

		diff := new(secp256k1.ModNScalar).Set(iScalar)
		diff.Negate().Add(jScalar)
		den.Mul(diff)
	}
	return num.Mul(den.InverseNonConst())
}
