// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package frost_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheNavigator22/serai/frost"
	"github.com/TheNavigator22/serai/transcript"
)

// testMessage returns a 32-byte message, the shape of a sighash.
func testMessage(s string) []byte {
	hash := sha256.Sum256([]byte(s))
	return hash[:]
}

// randomScalarForTest returns a fresh random scalar.
func randomScalarForTest(t *testing.T) *secp256k1.ModNScalar {
	var buf [32]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	scalar := new(secp256k1.ModNScalar)
	scalar.SetBytes(&buf)
	return scalar
}

// runPreprocess runs the first round for every signer.
func runPreprocess(
	t *testing.T, keys map[frost.Participant]*frost.ThresholdKeys, signers []frost.Participant,
) (map[frost.Participant]*frost.SignMachine, map[frost.Participant]*frost.Preprocess) {
	machines := make(map[frost.Participant]*frost.SignMachine)
	preprocesses := make(map[frost.Participant]*frost.Preprocess)
	for _, i := range signers {
		signMachine, preprocess, err := frost.NewMachine(
			keys[i], transcript.New("frost test"),
		).Preprocess(rand.Reader)
		require.NoError(t, err)
		machines[i] = signMachine
		preprocesses[i] = preprocess
	}
	return machines, preprocesses
}

// cloneWithout copies a map, skipping one key.
func cloneWithout[V any](
	all map[frost.Participant]V, without frost.Participant,
) map[frost.Participant]V {
	cloned := make(map[frost.Participant]V, len(all)-1)
	for participant, value := range all {
		if participant != without {
			cloned[participant] = value
		}
	}
	return cloned
}

// testSign runs a full signing session and requires every signer to complete
// with the same signature.
func testSign(
	t *testing.T,
	keys map[frost.Participant]*frost.ThresholdKeys,
	signers []frost.Participant,
	msg []byte,
) [frost.SignatureSize]byte {
	machines, preprocesses := runPreprocess(t, keys, signers)

	sigMachines := make(map[frost.Participant]*frost.SignatureMachine)
	shares := make(map[frost.Participant]*frost.SignatureShare)
	for _, i := range signers {
		sigMachine, share, err := machines[i].Sign(cloneWithout(preprocesses, i), msg)
		require.NoError(t, err)
		sigMachines[i] = sigMachine
		shares[i] = share
	}

	var signature [frost.SignatureSize]byte
	for s, i := range signers {
		completed, err := sigMachines[i].Complete(cloneWithout(shares, i))
		require.NoError(t, err)
		if s == 0 {
			signature = completed
		} else {
			require.Equal(t, signature, completed)
		}
	}
	return signature
}

// verifySignature checks the signature against the x-only form of the group
// key with the reference verifier.
func verifySignature(
	t *testing.T, groupKey *secp256k1.PublicKey, msg []byte, sig [frost.SignatureSize]byte,
) {
	parsed, err := schnorr.ParseSignature(sig[:])
	require.NoError(t, err)
	xOnly, err := schnorr.ParsePubKey(schnorr.SerializePubKey(groupKey))
	require.NoError(t, err)
	assert.True(t, parsed.Verify(msg, xOnly))
}

func TestGenerateKeys(t *testing.T) {
	keys, err := frost.GenerateKeys(3, 5, rand.Reader)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	groupKey := keys[1].GroupKey().SerializeCompressed()
	for i := frost.Participant(1); i <= 5; i++ {
		require.Equal(t, groupKey, keys[i].GroupKey().SerializeCompressed())
		require.Equal(t, uint16(3), keys[i].Params().T())
		require.Equal(t, uint16(5), keys[i].Params().N())
		require.Equal(t, i, keys[i].Params().I())
	}

	_, err = frost.GenerateKeys(6, 5, rand.Reader)
	require.ErrorIs(t, err, frost.ErrInsufficientParticipants)
	_, err = frost.GenerateKeys(0, 5, rand.Reader)
	require.ErrorIs(t, err, frost.ErrInsufficientParticipants)
}

func TestThresholdSign(t *testing.T) {
	keys, err := frost.GenerateKeys(3, 5, rand.Reader)
	require.NoError(t, err)

	msg := testMessage("hello")
	sig := testSign(t, keys, []frost.Participant{1, 3, 5}, msg)
	verifySignature(t, keys[1].GroupKey(), msg, sig)

	// A different subset signs for the same key.
	sig = testSign(t, keys, []frost.Participant{2, 3, 4, 5}, msg)
	verifySignature(t, keys[1].GroupKey(), msg, sig)
}

func TestOffsetSign(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 3, rand.Reader)
	require.NoError(t, err)

	offset := randomScalarForTest(t)
	offsetKeys := make(map[frost.Participant]*frost.ThresholdKeys)
	for participant, these := range keys {
		offsetKeys[participant] = these.Offset(offset)
	}
	require.NotEqual(t,
		keys[1].GroupKey().SerializeCompressed(), offsetKeys[1].GroupKey().SerializeCompressed())

	msg := testMessage("offset")
	sig := testSign(t, offsetKeys, []frost.Participant{1, 2}, msg)
	verifySignature(t, offsetKeys[1].GroupKey(), msg, sig)
}

func TestPreprocessSerialization(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 2, rand.Reader)
	require.NoError(t, err)

	_, preprocess, err := frost.NewMachine(
		keys[1], transcript.New("frost test"),
	).Preprocess(rand.Reader)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, preprocess.Write(&buf))
	read, err := frost.ReadPreprocess(&buf)
	require.NoError(t, err)
	require.Equal(t, preprocess.D.SerializeCompressed(), read.D.SerializeCompressed())
	require.Equal(t, preprocess.E.SerializeCompressed(), read.E.SerializeCompressed())

	_, err = frost.ReadPreprocess(bytes.NewReader(make([]byte, 66)))
	require.Error(t, err)
}

func TestInvalidShare(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 3, rand.Reader)
	require.NoError(t, err)

	signers := []frost.Participant{1, 2}
	machines, preprocesses := runPreprocess(t, keys, signers)

	msg := testMessage("blame")
	sigMachines := make(map[frost.Participant]*frost.SignatureMachine)
	shares := make(map[frost.Participant]*frost.SignatureShare)
	for _, i := range signers {
		sigMachine, share, err := machines[i].Sign(cloneWithout(preprocesses, i), msg)
		require.NoError(t, err)
		sigMachines[i] = sigMachine
		shares[i] = share
	}

	// Corrupt participant 2's share before it reaches participant 1.
	var buf bytes.Buffer
	require.NoError(t, shares[2].Write(&buf))
	serialized := buf.Bytes()
	serialized[31] ^= 1
	tampered, err := frost.ReadSignatureShare(bytes.NewReader(serialized))
	require.NoError(t, err)

	_, err = sigMachines[1].Complete(map[frost.Participant]*frost.SignatureShare{2: tampered})
	var shareErr *frost.ShareError
	require.ErrorAs(t, err, &shareErr)
	require.Equal(t, frost.Participant(2), shareErr.Participant)
}

func TestSigningSetErrors(t *testing.T) {
	keys, err := frost.GenerateKeys(3, 5, rand.Reader)
	require.NoError(t, err)

	// Fewer signers than the threshold.
	machines, preprocesses := runPreprocess(t, keys, []frost.Participant{1, 2})
	_, _, err = machines[1].Sign(
		map[frost.Participant]*frost.Preprocess{2: preprocesses[2]}, testMessage("short"),
	)
	require.ErrorIs(t, err, frost.ErrInsufficientParticipants)

	// The local participant's preprocess must not be passed back in.
	machines, preprocesses = runPreprocess(t, keys, []frost.Participant{1, 2, 3})
	_, _, err = machines[1].Sign(preprocesses, testMessage("dup"))
	require.ErrorIs(t, err, frost.ErrDuplicatedParticipant)

	// A participant outside the multisig.
	machines, preprocesses = runPreprocess(t, keys, []frost.Participant{1, 2, 3})
	commitments := cloneWithout(preprocesses, 1)
	commitments[9] = preprocesses[2]
	_, _, err = machines[1].Sign(commitments, testMessage("stranger"))
	require.ErrorIs(t, err, frost.ErrInvalidParticipant)
}

func TestCompleteErrors(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 3, rand.Reader)
	require.NoError(t, err)

	signers := []frost.Participant{1, 3}
	machines, preprocesses := runPreprocess(t, keys, signers)

	msg := testMessage("complete")
	sigMachines := make(map[frost.Participant]*frost.SignatureMachine)
	shares := make(map[frost.Participant]*frost.SignatureShare)
	for _, i := range signers {
		sigMachine, share, err := machines[i].Sign(cloneWithout(preprocesses, i), msg)
		require.NoError(t, err)
		sigMachines[i] = sigMachine
		shares[i] = share
	}

	// Missing a share.
	_, err = sigMachines[1].Complete(map[frost.Participant]*frost.SignatureShare{})
	require.ErrorIs(t, err, frost.ErrInvalidParticipant)

	// The local participant's share must not be passed back in.
	_, err = sigMachines[3].Complete(shares)
	require.ErrorIs(t, err, frost.ErrDuplicatedParticipant)
}

func TestMachineConsumption(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 2, rand.Reader)
	require.NoError(t, err)

	machine := frost.NewMachine(keys[1], transcript.New("frost test"))
	_, _, err = machine.Preprocess(rand.Reader)
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _, _ = machine.Preprocess(rand.Reader)
	})
}

func TestZeroize(t *testing.T) {
	keys, err := frost.GenerateKeys(2, 3, rand.Reader)
	require.NoError(t, err)
	base := keys[1].GroupKey().SerializeCompressed()

	offsetKeys := keys[1].Offset(randomScalarForTest(t))
	require.NotEqual(t, base, offsetKeys.GroupKey().SerializeCompressed())

	// Wiping the derived keys erases their offset, without touching the
	// keys they were derived from.
	offsetKeys.Zeroize()
	require.Equal(t, base, offsetKeys.GroupKey().SerializeCompressed())
	require.Equal(t, base, keys[1].GroupKey().SerializeCompressed())

	// A machine's consumption doesn't wipe the caller's keys; the same set
	// keeps signing.
	msg := testMessage("reuse")
	sig := testSign(t, keys, []frost.Participant{1, 2}, msg)
	verifySignature(t, keys[1].GroupKey(), msg, sig)
	sig = testSign(t, keys, []frost.Participant{1, 2}, msg)
	verifySignature(t, keys[1].GroupKey(), msg, sig)
}

func TestNewParticipant(t *testing.T) {
	_, err := frost.NewParticipant(0)
	require.ErrorIs(t, err, frost.ErrInvalidParticipant)
	participant, err := frost.NewParticipant(2)
	require.NoError(t, err)
	require.Equal(t, frost.Participant(2), participant)
}
