// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package frost

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/TheNavigator22/serai/transcript"
)

// SignatureSize is the length of a finished BIP-340 signature.
const SignatureSize = 64

// compressedPointSize is the length of a serialized nonce commitment.
const compressedPointSize = 33

// Preprocess is a participant's first round message: commitments to the two
// nonces drawn for this signature.
type Preprocess struct {
	D *secp256k1.PublicKey
	E *secp256k1.PublicKey
}

// Write serializes the preprocess to w.
func (p *Preprocess) Write(w io.Writer) error {
	if _, err := w.Write(p.D.SerializeCompressed()); err != nil {
		return err
	}
	_, err := w.Write(p.E.SerializeCompressed())
	return err
}

// ReadPreprocess deserializes a preprocess from r, rejecting commitments
// which are not valid curve points.
func ReadPreprocess(r io.Reader) (*Preprocess, error) {
	points := make([]*secp256k1.PublicKey, 2)
	var buf [compressedPointSize]byte
	for i := range points {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		point, err := secp256k1.ParsePubKey(buf[:])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid nonce commitment", err)
		}
		points[i] = point
	}
	return &Preprocess{D: points[0], E: points[1]}, nil
}

// SignatureShare is a participant's second round message: its additive share
// of the signature scalar.
type SignatureShare struct {
	share secp256k1.ModNScalar
}

// Write serializes the share to w.
func (s *SignatureShare) Write(w io.Writer) error {
	bytes := s.share.Bytes()
	_, err := w.Write(bytes[:])
	return err
}

// ReadSignatureShare deserializes a signature share from r, rejecting
// non-canonical scalars.
func ReadSignatureShare(r io.Reader) (*SignatureShare, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	share := &SignatureShare{}
	if overflow := share.share.SetBytes(&buf); overflow != 0 {
		return nil, errors.New("signature share is not a canonical scalar")
	}
	return share, nil
}

// Machine is the initial state of one threshold signature, bound to a set of
// keys and a transcript carrying everything the signature must commit to.
type Machine struct {
	keys       *ThresholdKeys
	transcript *transcript.Transcript
}

// NewMachine creates a signing machine over the given keys and transcript.
// The transcript must already contain whatever context the signature is
// expected to bind; the machine appends the message and the signing set's
// nonce commitments on top of it.
//
// The machine works on its own copy of the keys, zeroized when the machine
// producing the signature share is consumed.  The caller's keys are
// untouched and remain usable for further sessions.
func NewMachine(keys *ThresholdKeys, tr *transcript.Transcript) *Machine {
	return &Machine{keys: keys.clone(), transcript: tr}
}

// SignMachine is a signing machine which has committed to its nonces and is
// waiting on the other participants' commitments.
type SignMachine struct {
	keys       *ThresholdKeys
	transcript *transcript.Transcript
	nonceD     *secp256k1.ModNScalar
	nonceE     *secp256k1.ModNScalar
	preprocess *Preprocess
}

// SignatureMachine is a signing machine which has produced its share and is
// waiting on the other participants' shares.
type SignatureMachine struct {
	self     Participant
	included []Participant
	share    secp256k1.ModNScalar
	sigR     [32]byte
	// expected maps each participant to the point their share must multiply
	// out to, enabling blame on an invalid aggregate.
	expected map[Participant]*secp256k1.JacobianPoint
	sum      secp256k1.JacobianPoint
	used     bool
}

// pointForScalar returns the public key for the given scalar.
func pointForScalar(scalar *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(scalar, &point)
	point.ToAffine()
	return secp256k1.NewPublicKey(&point.X, &point.Y)
}

// scalarFromBytes interprets 32 bytes as a scalar, reducing mod the group
// order.
func scalarFromBytes(b []byte) *secp256k1.ModNScalar {
	var buf [32]byte
	copy(buf[:], b)
	s := new(secp256k1.ModNScalar)
	s.SetBytes(&buf)
	return s
}

// participantBytes returns the participant index as 2 little-endian bytes.
func participantBytes(p Participant) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(p))
	return buf[:]
}

// negateAffine negates a normalized affine point in place.
func negateAffine(point *secp256k1.JacobianPoint) {
	point.Y.Negate(1).Normalize()
}

// Preprocess draws the machine's nonces from rng, which must be
// cryptographically secure, and returns the commitments to broadcast.  The
// machine is consumed.
func (m *Machine) Preprocess(rng io.Reader) (*SignMachine, *Preprocess, error) {
	if m.keys == nil {
		panic("preprocess called on a consumed machine")
	}

	nonceD, err := randomScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	nonceE, err := randomScalar(rng)
	if err != nil {
		nonceD.Zero()
		return nil, nil, err
	}

	preprocess := &Preprocess{D: pointForScalar(nonceD), E: pointForScalar(nonceE)}
	signMachine := &SignMachine{
		keys:       m.keys,
		transcript: m.transcript,
		nonceD:     nonceD,
		nonceE:     nonceE,
		preprocess: preprocess,
	}
	m.keys = nil
	m.transcript = nil
	return signMachine, preprocess, nil
}

// Sign produces this participant's signature share over msg, given the other
// included participants' preprocesses.  The local participant's preprocess is
// supplied by the machine and must not appear in commitments.  The machine is
// consumed and its nonces are wiped.
func (m *SignMachine) Sign(
	commitments map[Participant]*Preprocess, msg []byte,
) (*SignatureMachine, *SignatureShare, error) {
	if m.keys == nil {
		panic("sign called on a consumed machine")
	}

	params := m.keys.params
	self := params.i
	if _, ok := commitments[self]; ok {
		return nil, nil, ErrDuplicatedParticipant
	}

	included := make([]Participant, 0, len(commitments)+1)
	included = append(included, self)
	for participant := range commitments {
		if participant == 0 || uint16(participant) > params.n {
			return nil, nil, ErrInvalidParticipant
		}
		included = append(included, participant)
	}
	sort.Slice(included, func(a, b int) bool { return included[a] < included[b] })
	if len(included) < int(params.t) {
		return nil, nil, ErrInsufficientParticipants
	}

	preprocesses := make(map[Participant]*Preprocess, len(included))
	for participant, preprocess := range commitments {
		preprocesses[participant] = preprocess
	}
	preprocesses[self] = m.preprocess

	// Bind the message and the full commitment set, then derive a binding
	// factor per participant.
	tr := m.transcript
	tr.DomainSeparate("signing")
	tr.AppendMessage("message", msg)
	for _, participant := range included {
		preprocess := preprocesses[participant]
		tr.AppendMessage("participant", participantBytes(participant))
		tr.AppendMessage("commitment_d", preprocess.D.SerializeCompressed())
		tr.AppendMessage("commitment_e", preprocess.E.SerializeCompressed())
	}
	binding := make(map[Participant]*secp256k1.ModNScalar, len(included))
	for _, participant := range included {
		branch := tr.Clone()
		branch.AppendMessage("binding_participant", participantBytes(participant))
		challenge := branch.Challenge("binding_factor")
		binding[participant] = scalarFromBytes(challenge[:32])
	}

	// R = sum over the signing set of D + binding * E.
	commitmentPoints := make(map[Participant]*secp256k1.JacobianPoint, len(included))
	var nonceSum secp256k1.JacobianPoint
	for _, participant := range included {
		preprocess := preprocesses[participant]
		var d, e, bound, combined secp256k1.JacobianPoint
		preprocess.D.AsJacobian(&d)
		preprocess.E.AsJacobian(&e)
		secp256k1.ScalarMultNonConst(binding[participant], &e, &bound)
		secp256k1.AddNonConst(&d, &bound, &combined)
		combined.ToAffine()

		point := new(secp256k1.JacobianPoint)
		*point = combined
		commitmentPoints[participant] = point

		var sum secp256k1.JacobianPoint
		secp256k1.AddNonConst(&nonceSum, &combined, &sum)
		nonceSum = sum
	}
	nonceSum.ToAffine()
	if nonceSum.X.IsZero() && nonceSum.Y.IsZero() {
		return nil, nil, ErrInvalidCommitments
	}

	var groupPoint secp256k1.JacobianPoint
	m.keys.groupKeyPoint(&groupPoint)
	groupPoint.ToAffine()

	// BIP-340 commits to x coordinates only. If R or the group key have odd
	// y, the corresponding secrets are negated so the signature verifies
	// against the even-y lift.
	rOdd := nonceSum.Y.IsOdd()
	groupOdd := groupPoint.Y.IsOdd()
	sigR := *nonceSum.X.Bytes()
	groupX := *groupPoint.X.Bytes()

	challengeHash := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, sigR[:], groupX[:], msg)
	challenge := scalarFromBytes(challengeHash[:])

	// The accumulated offset is split evenly across the signing set.
	countInverse := new(secp256k1.ModNScalar).SetInt(uint32(len(included)))
	countInverse.InverseNonConst()
	offsetShare := new(secp256k1.ModNScalar).Set(&m.keys.offset)
	offsetShare.Mul(countInverse)

	secret := lagrange(self, included)
	secret.Mul(&m.keys.secretShare)
	secret.Add(offsetShare)
	if groupOdd {
		secret.Negate()
	}

	nonce := new(secp256k1.ModNScalar).Set(binding[self])
	nonce.Mul(m.nonceE)
	nonce.Add(m.nonceD)
	if rOdd {
		nonce.Negate()
	}

	share := &SignatureShare{}
	share.share.Set(challenge)
	share.share.Mul(secret)
	share.share.Add(nonce)

	secret.Zero()
	nonce.Zero()
	m.nonceD.Zero()
	m.nonceE.Zero()

	// Precompute, per participant, the point their share must equal when
	// multiplied by G, so a bad aggregate can be blamed.
	var offsetPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(offsetShare, &offsetPoint)
	expected := make(map[Participant]*secp256k1.JacobianPoint, len(included))
	var expectedSum secp256k1.JacobianPoint
	for _, participant := range included {
		var effectiveShare secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(
			lagrange(participant, included), m.keys.verificationShares[participant],
			&effectiveShare,
		)
		var withOffset secp256k1.JacobianPoint
		secp256k1.AddNonConst(&effectiveShare, &offsetPoint, &withOffset)
		withOffset.ToAffine()
		if groupOdd {
			negateAffine(&withOffset)
		}

		var scaled secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(challenge, &withOffset, &scaled)

		commitment := *commitmentPoints[participant]
		if rOdd {
			negateAffine(&commitment)
		}

		point := new(secp256k1.JacobianPoint)
		secp256k1.AddNonConst(&commitment, &scaled, point)
		point.ToAffine()
		expected[participant] = point

		var sum secp256k1.JacobianPoint
		secp256k1.AddNonConst(&expectedSum, point, &sum)
		expectedSum = sum
	}
	expectedSum.ToAffine()

	signatureMachine := &SignatureMachine{
		self:     self,
		included: included,
		sigR:     sigR,
		expected: expected,
		sum:      expectedSum,
	}
	signatureMachine.share.Set(&share.share)

	m.keys.Zeroize()
	m.keys = nil
	m.transcript = nil
	m.nonceD = nil
	m.nonceE = nil
	m.preprocess = nil

	return signatureMachine, share, nil
}

// Complete aggregates the signing set's shares into a finished 64-byte
// BIP-340 signature.  The local participant's share is supplied by the
// machine and must not appear in shares.  If the aggregate does not verify,
// the misbehaving participant is identified with a ShareError.  The machine
// is consumed.
func (m *SignatureMachine) Complete(
	shares map[Participant]*SignatureShare,
) ([SignatureSize]byte, error) {
	if m.used {
		panic("complete called on a consumed machine")
	}
	m.used = true

	var signature [SignatureSize]byte
	if _, ok := shares[m.self]; ok {
		return signature, ErrDuplicatedParticipant
	}
	for participant := range shares {
		if m.expected[participant] == nil {
			return signature, ErrInvalidParticipant
		}
	}

	s := new(secp256k1.ModNScalar).Set(&m.share)
	for _, participant := range m.included {
		if participant == m.self {
			continue
		}
		share, ok := shares[participant]
		if !ok {
			return signature, fmt.Errorf(
				"%w: no share from participant %d", ErrInvalidParticipant, participant,
			)
		}
		s.Add(&share.share)
	}

	var sG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &sG)
	sG.ToAffine()
	if !(sG.X.Equals(&m.sum.X) && sG.Y.Equals(&m.sum.Y) && sG.Z.Equals(&m.sum.Z)) {
		// Find who to blame.
		for _, participant := range m.included {
			if participant == m.self {
				continue
			}
			var shareG secp256k1.JacobianPoint
			secp256k1.ScalarBaseMultNonConst(&shares[participant].share, &shareG)
			shareG.ToAffine()
			point := m.expected[participant]
			if !(shareG.X.Equals(&point.X) && shareG.Y.Equals(&point.Y)) {
				return signature, &ShareError{Participant: participant}
			}
		}
		return signature, errors.New("aggregate signature invalid despite valid shares")
	}

	copy(signature[:32], m.sigR[:])
	sBytes := s.Bytes()
	copy(signature[32:], sBytes[:])
	return signature, nil
}
