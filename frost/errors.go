// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package frost

import (
	"errors"
	"fmt"
)

// Errors returned while assembling a signing set or running a round.
var (
	// ErrInvalidParticipant is returned when a participant index is zero or
	// exceeds the number of participants in the multisig.  On completion it
	// is also returned, possibly wrapped, for a share from a participant
	// outside the signing set or a missing share from one inside it.
	ErrInvalidParticipant = errors.New("participant is not part of this multisig")

	// ErrDuplicatedParticipant is returned when the local participant appears
	// in a set of messages it should have been excluded from.
	ErrDuplicatedParticipant = errors.New("participant appeared multiple times in the signing set")

	// ErrInsufficientParticipants is returned when fewer participants than the
	// threshold contributed to a round.  NewThresholdParams and GenerateKeys
	// also return it for a threshold of zero or above the participant count.
	ErrInsufficientParticipants = errors.New("signing set is smaller than the threshold")

	// ErrInvalidCommitments is returned when the contributed nonce commitments
	// sum to the point at infinity, which cannot be attributed to a single
	// participant.
	ErrInvalidCommitments = errors.New("nonce commitments summed to the point at infinity")
)

// ShareError identifies a participant whose signature share failed
// verification against their nonce commitments and verification share.
type ShareError struct {
	Participant Participant
}

// Error implements the error interface.
func (e *ShareError) Error() string {
	return fmt.Sprintf("invalid signature share from participant %d", e.Participant)
}
