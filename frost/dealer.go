// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package frost

import (
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// randomScalar draws a uniformly random non-zero scalar from rng, which must
// be cryptographically secure.  Values at or above the group order are
// rejected and redrawn rather than reduced, avoiding bias.
func randomScalar(rng io.Reader) (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: unable to read entropy", err)
		}
		s := new(secp256k1.ModNScalar)
		if overflow := s.SetBytes(&buf); overflow != 0 {
			continue
		}
		if s.IsZero() {
			continue
		}
		for i := range buf {
			buf[i] = 0
		}
		return s, nil
	}
}

// GenerateKeys performs trusted-dealer key generation for a t-of-n multisig,
// returning every participant's keys.  The dealer (the caller) sees all
// secret material, so this is only appropriate when a single operator runs
// every signer, and for tests.  Distributed key generation lives outside this
// package.
func GenerateKeys(t, n uint16, rng io.Reader) (map[Participant]*ThresholdKeys, error) {
	if t == 0 || t > n {
		return nil, ErrInsufficientParticipants
	}

	// Random degree t-1 polynomial. The constant term is the group secret.
	coefficients := make([]*secp256k1.ModNScalar, t)
	for i := range coefficients {
		coefficient, err := randomScalar(rng)
		if err != nil {
			return nil, err
		}
		coefficients[i] = coefficient
	}
	defer func() {
		for _, coefficient := range coefficients {
			coefficient.Zero()
		}
	}()

	var groupKey secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(coefficients[0], &groupKey)
	groupKey.ToAffine()

	// Evaluate the polynomial at each participant's index for their share,
	// and publish the corresponding verification shares.
	shares := make(map[Participant]*secp256k1.ModNScalar, n)
	verificationShares := make(map[Participant]*secp256k1.JacobianPoint, n)
	for i := uint16(1); i <= n; i++ {
		participant := Participant(i)
		x := participant.scalar()

		share := new(secp256k1.ModNScalar)
		for c := len(coefficients) - 1; c >= 0; c-- {
			share.Mul(x)
			share.Add(coefficients[c])
		}
		shares[participant] = share

		verificationShare := new(secp256k1.JacobianPoint)
		secp256k1.ScalarBaseMultNonConst(share, verificationShare)
		verificationShare.ToAffine()
		verificationShares[participant] = verificationShare
	}

	keys := make(map[Participant]*ThresholdKeys, n)
	for i := uint16(1); i <= n; i++ {
		participant := Participant(i)
		params, err := NewThresholdParams(t, n, participant)
		if err != nil {
			return nil, err
		}
		these := &ThresholdKeys{
			params:             params,
			groupKey:           groupKey,
			verificationShares: verificationShares,
		}
		these.secretShare.Set(shares[participant])
		shares[participant].Zero()
		keys[participant] = these
	}

	return keys, nil
}
