// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bitcoin implements the Bitcoin signing core: deterministic
// construction of a taproot spend from a set of received outputs, and a
// threshold Schnorr signing session producing a BIP-341 key-path witness for
// every input.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/TheNavigator22/serai/frost"
	"github.com/TheNavigator22/serai/transcript"
)

const (
	// MaxStandardTxWeight is the highest weight relayed by default.
	// https://github.com/bitcoin/bitcoin/blob/306ccd4927a2efe325c8d84be1bdb79edeb29b04/src/policy/policy.h#L27
	MaxStandardTxWeight = 400_000

	// Dust is the minimum value of a standard taproot output.
	// https://github.com/bitcoin/bitcoin/blob/a245429d680eb95cf4c0c78e58e63e3f0f5d979a/src/test/transaction_tests.cpp#L815-L816
	Dust = 674

	// maxOpReturnData is the most data a standard OP_RETURN output carries.
	maxOpReturnData = 80

	// schnorrSignatureSize is the size of the single witness element of a
	// key-path spend signed with the default sighash type.
	schnorrSignatureSize = 64
)

// Errors returned by transaction construction, all recoverable by the caller.
var (
	ErrNoInputs            = errors.New("no inputs were specified")
	ErrNoOutputs           = errors.New("no outputs were created")
	ErrDustPayment         = errors.New("a payment's amount was less than bitcoin's required minimum")
	ErrTooMuchData         = errors.New("too much data was specified")
	ErrNotEnoughFunds      = errors.New("not enough funds for these payments")
	ErrTooLargeTransaction = errors.New("transaction was too large")
)

// ErrWrongKeys is returned by Multisig when the supplied keys, offset per
// input, do not reproduce the scripts of the outputs being spent.  Retrying
// with the same keys cannot succeed.
var ErrWrongKeys = errors.New("keys do not match the transaction's inputs")

// Payment is an amount, in satoshis, to send to an address.
type Payment struct {
	Address btcutil.Address
	Amount  int64
}

// SignableTransaction is a transaction with everything needed to sign it:
// the per-input offsets off the group key and the outputs being spent.  It
// may back any number of signing attempts; each Multisig call works on its
// own copy.
type SignableTransaction struct {
	tx        *wire.MsgTx
	offsets   []*secp256k1.ModNScalar
	prevouts  []*wire.TxOut
	neededFee int64
}

// NeededFee returns the fee necessary for this transaction to achieve the
// fee rate specified at construction.
//
// The actual fee this transaction will pay is sum(inputs) - sum(outputs).
func (s *SignableTransaction) NeededFee() int64 {
	return s.neededFee
}

// Tx returns a copy of the unsigned transaction.
func (s *SignableTransaction) Tx() *wire.MsgTx {
	return s.tx.Copy()
}

// calculateWeight expands a placeholder transaction with the given shape in
// order to use the standard weight formula.  Each input carries a 64-byte
// witness element, the one a finished key-path spend will carry.
func calculateWeight(inputs int, payments []Payment, change btcutil.Address) (int64, error) {
	tx := wire.NewMsgTx(2)
	for i := 0; i < inputs; i++ {
		// The outpoint is a fixed size, so a zero value is as good as the
		// real one.  The sequence is fixed too, yet is the final sequence.
		txIn := wire.NewTxIn(
			&wire.OutPoint{}, nil, wire.TxWitness{make([]byte, schnorrSignatureSize)},
		)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
	}
	for _, payment := range payments {
		// The value is a fixed size, unlike the script, which must be the
		// script actually paid to.
		script, err := txscript.PayToAddrScript(payment.Address)
		if err != nil {
			return 0, fmt.Errorf("%w: unable to generate payment script", err)
		}
		tx.AddTxOut(wire.NewTxOut(payment.Amount, script))
	}
	if change != nil {
		// A zero value is used since the change amount isn't yet known, and
		// the value is a fixed size regardless.
		script, err := txscript.PayToAddrScript(change)
		if err != nil {
			return 0, fmt.Errorf("%w: unable to generate change script", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, script))
	}
	weight := int64(tx.SerializeSizeStripped())*3 + int64(tx.SerializeSize())
	return weight, nil
}

// NewSignableTransaction creates a transaction spending the given inputs to
// the given payments.
//
// If a change address is specified, leftover funds are sent to it when they
// reach at least the minimum output amount; otherwise all leftover funds become part
// of the paid fee.  If data is specified, an OP_RETURN output carrying it is
// added.
func NewSignableTransaction(
	inputs []*ReceivedOutput,
	payments []Payment,
	change btcutil.Address,
	data []byte,
	feePerWeight int64,
) (*SignableTransaction, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	if (len(payments) == 0) && (change == nil) {
		return nil, ErrNoOutputs
	}
	for _, payment := range payments {
		if payment.Amount < Dust {
			return nil, ErrDustPayment
		}
	}
	if len(data) > maxOpReturnData {
		return nil, ErrTooMuchData
	}

	var inputSat int64
	offsets := make([]*secp256k1.ModNScalar, 0, len(inputs))
	txIns := make([]*wire.TxIn, 0, len(inputs))
	prevouts := make([]*wire.TxOut, 0, len(inputs))
	for _, input := range inputs {
		inputSat += input.Value()
		offset := new(secp256k1.ModNScalar).Set(&input.Offset)
		offsets = append(offsets, offset)

		outpoint := input.Outpoint
		txIn := wire.NewTxIn(&outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		txIns = append(txIns, txIn)

		prevout := input.Output
		prevouts = append(prevouts, &prevout)
	}

	var paymentSat int64
	txOuts := make([]*wire.TxOut, 0, len(payments)+2)
	for _, payment := range payments {
		paymentSat += payment.Amount
		script, err := txscript.PayToAddrScript(payment.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to generate payment script", err)
		}
		txOuts = append(txOuts, wire.NewTxOut(payment.Amount, script))
	}

	if data != nil {
		script, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_RETURN).AddData(data).Script()
		if err != nil {
			return nil, fmt.Errorf("%w: unable to generate data script", err)
		}
		txOuts = append(txOuts, wire.NewTxOut(0, script))
	}

	weight, err := calculateWeight(len(txIns), payments, nil)
	if err != nil {
		return nil, err
	}
	neededFee := feePerWeight * weight
	if inputSat < (paymentSat + neededFee) {
		return nil, ErrNotEnoughFunds
	}

	// If there's a change address, check if there's change to give it.
	if change != nil {
		weightWithChange, err := calculateWeight(len(txIns), payments, change)
		if err != nil {
			return nil, err
		}
		feeWithChange := feePerWeight * weightWithChange
		if value := inputSat - paymentSat - feeWithChange; value >= Dust {
			script, err := txscript.PayToAddrScript(change)
			if err != nil {
				return nil, fmt.Errorf("%w: unable to generate change script", err)
			}
			txOuts = append(txOuts, wire.NewTxOut(value, script))
			weight = weightWithChange
			neededFee = feeWithChange
			log.Debug("change output added",
				zap.Int64("value", value), zap.Int64("fee", neededFee))
		} else {
			log.Debug("leftover below dust, absorbed into fee",
				zap.Int64("leftover", inputSat-paymentSat-neededFee))
		}
	}

	if len(txOuts) == 0 {
		return nil, ErrNoOutputs
	}
	if weight > MaxStandardTxWeight {
		return nil, ErrTooLargeTransaction
	}

	tx := wire.NewMsgTx(2)
	tx.TxIn = txIns
	tx.TxOut = txOuts
	return &SignableTransaction{
		tx:        tx,
		offsets:   offsets,
		prevouts:  prevouts,
		neededFee: neededFee,
	}, nil
}

// inputIndexBytes returns the input index as 4 little-endian bytes.
func inputIndexBytes(i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return buf[:]
}

// Multisig creates a signing machine for this transaction.
//
// The transcript is extended with the group key and the full transaction
// before any nonce is drawn, binding every signature to this exact spend.
// ErrWrongKeys is returned if the keys, offset per input, do not reproduce
// the scripts of the outputs being spent; signing would produce witnesses
// which cannot authorize this transaction, so nothing is signed.
//
// The receiver is not consumed; every call starts an independent attempt
// with its own copy of the transaction.
func (s *SignableTransaction) Multisig(
	keys *frost.ThresholdKeys, tr *transcript.Transcript,
) (*TransactionMachine, error) {
	tr.DomainSeparate("bitcoin_transaction")
	tr.AppendMessage("root_key", keys.GroupKey().SerializeCompressed())

	// Transcript the inputs and outputs.
	for _, txIn := range s.tx.TxIn {
		tr.AppendMessage("input_hash", txIn.PreviousOutPoint.Hash[:])
		tr.AppendMessage("input_output_index", inputIndexBytes(int(txIn.PreviousOutPoint.Index)))
	}
	for _, txOut := range s.tx.TxOut {
		tr.AppendMessage("output_script", txOut.PkScript)
		tr.AppendMessage("output_amount", amountBytes(txOut.Value))
	}

	sigs := make([]*frost.Machine, 0, len(s.tx.TxIn))
	for i := range s.tx.TxIn {
		inputTr := tr.Clone()
		inputTr.AppendMessage("signing_input", inputIndexBytes(i))

		offsetKeys := keys.Offset(s.offsets[i])
		address, err := Address(&chaincfg.MainNetParams, offsetKeys.GroupKey())
		if err != nil {
			return nil, fmt.Errorf("%w: unable to derive input address", err)
		}
		script, err := txscript.PayToAddrScript(address)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to generate input script", err)
		}
		if !bytes.Equal(script, s.prevouts[i].PkScript) {
			log.Warn("refusing to sign an input whose script the keys cannot satisfy",
				zap.Int("input", i))
			return nil, ErrWrongKeys
		}

		sigs = append(sigs, frost.NewMachine(offsetKeys, inputTr))
	}

	return &TransactionMachine{
		tx:       s.tx.Copy(),
		prevouts: clonePrevouts(s.prevouts),
		sigs:     sigs,
	}, nil
}

// amountBytes returns an output value as 8 little-endian bytes.
func amountBytes(value int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	return buf[:]
}

// clonePrevouts deep copies a set of previous outputs.
func clonePrevouts(prevouts []*wire.TxOut) []*wire.TxOut {
	cloned := make([]*wire.TxOut, len(prevouts))
	for i, prevout := range prevouts {
		out := *prevout
		out.PkScript = append([]byte(nil), prevout.PkScript...)
		cloned[i] = &out
	}
	return cloned
}

// TransactionMachine is a threshold signing session for one transaction,
// holding one signing machine per input.  It does not support caching its
// preprocess; every session commits to fresh nonces.
type TransactionMachine struct {
	tx       *wire.MsgTx
	prevouts []*wire.TxOut
	sigs     []*frost.Machine
}

// Preprocess draws nonces for every input from rng, which must be
// cryptographically secure, and returns the commitments to broadcast, one
// per input.  The machine is consumed.
func (m *TransactionMachine) Preprocess(
	rng io.Reader,
) (*TransactionSignMachine, []*frost.Preprocess, error) {
	if m.sigs == nil {
		panic("preprocess called on a consumed transaction machine")
	}

	preprocesses := make([]*frost.Preprocess, 0, len(m.sigs))
	sigs := make([]*frost.SignMachine, 0, len(m.sigs))
	for _, sig := range m.sigs {
		signMachine, preprocess, err := sig.Preprocess(rng)
		if err != nil {
			return nil, nil, err
		}
		sigs = append(sigs, signMachine)
		preprocesses = append(preprocesses, preprocess)
	}

	signMachine := &TransactionSignMachine{tx: m.tx, prevouts: m.prevouts, sigs: sigs}
	m.tx = nil
	m.prevouts = nil
	m.sigs = nil
	return signMachine, preprocesses, nil
}

// TransactionSignMachine is a signing session which has committed to its
// nonces and is waiting on the other participants' commitments.
type TransactionSignMachine struct {
	tx       *wire.MsgTx
	prevouts []*wire.TxOut
	sigs     []*frost.SignMachine
}

// Cache panics.  A cached preprocess could be replayed against a different
// transaction, while these nonces are already bound to one.
func (m *TransactionSignMachine) Cache() {
	panic("bitcoin transaction machines cannot cache their preprocesses")
}

// TransactionSignMachineFromCache panics.  See Cache.
func TransactionSignMachineFromCache(_ []byte) *TransactionSignMachine {
	panic("bitcoin transaction machines cannot be restored from a cached preprocess")
}

// ReadPreprocess deserializes a co-signer's preprocesses from r, one per
// input.
func (m *TransactionSignMachine) ReadPreprocess(r io.Reader) ([]*frost.Preprocess, error) {
	preprocesses := make([]*frost.Preprocess, 0, len(m.sigs))
	for range m.sigs {
		preprocess, err := frost.ReadPreprocess(r)
		if err != nil {
			return nil, err
		}
		preprocesses = append(preprocesses, preprocess)
	}
	return preprocesses, nil
}

// Sign produces this participant's signature shares, one per input, given
// every other included participant's preprocesses.
//
// The machine generates its own messages: the taproot key-spend sighash of
// each input, committing to all previous outputs with the default sighash
// type.  msg exists to mirror the shape of a generic signing machine and
// must be empty; passing a message is a caller bug and panics.  The machine
// is consumed.
func (m *TransactionSignMachine) Sign(
	commitments map[frost.Participant][]*frost.Preprocess, msg []byte,
) (*TransactionSignatureMachine, []*frost.SignatureShare, error) {
	if m.sigs == nil {
		panic("sign called on a consumed transaction machine")
	}
	if len(msg) != 0 {
		panic("message was passed to a transaction machine which generates its own")
	}

	// Transpose the preprocesses from per-participant vectors to
	// per-input maps.
	transposed := make([]map[frost.Participant]*frost.Preprocess, len(m.sigs))
	for i := range transposed {
		transposed[i] = make(map[frost.Participant]*frost.Preprocess, len(commitments))
	}
	for participant, preprocesses := range commitments {
		if len(preprocesses) != len(m.sigs) {
			return nil, nil, fmt.Errorf(
				"participant %d supplied %d preprocesses for %d inputs",
				participant, len(preprocesses), len(m.sigs),
			)
		}
		for i, preprocess := range preprocesses {
			transposed[i][participant] = preprocess
		}
	}

	// Sign committing to all previous outputs.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range m.tx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, m.prevouts[i])
	}
	hashes := txscript.NewTxSigHashes(m.tx, fetcher)

	shares := make([]*frost.SignatureShare, 0, len(m.sigs))
	sigs := make([]*frost.SignatureMachine, 0, len(m.sigs))
	for i, sig := range m.sigs {
		sighash, err := txscript.CalcTaprootSignatureHash(
			hashes, txscript.SigHashDefault, m.tx, i, fetcher,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: unable to compute sighash", err)
		}

		signatureMachine, share, err := sig.Sign(transposed[i], sighash)
		if err != nil {
			return nil, nil, err
		}
		sigs = append(sigs, signatureMachine)
		shares = append(shares, share)
	}

	signatureMachine := &TransactionSignatureMachine{tx: m.tx, sigs: sigs}
	m.tx = nil
	m.prevouts = nil
	m.sigs = nil
	return signatureMachine, shares, nil
}

// TransactionSignatureMachine is a signing session which has produced its
// shares and is waiting on the other participants' shares.
type TransactionSignatureMachine struct {
	tx   *wire.MsgTx
	sigs []*frost.SignatureMachine
}

// ReadShare deserializes a co-signer's signature shares from r, one per
// input.
func (m *TransactionSignatureMachine) ReadShare(r io.Reader) ([]*frost.SignatureShare, error) {
	shares := make([]*frost.SignatureShare, 0, len(m.sigs))
	for range m.sigs {
		share, err := frost.ReadSignatureShare(r)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	return shares, nil
}

// Complete aggregates every participant's shares and returns the signed
// transaction.  Each input's witness is the single 64-byte signature of a
// key-path spend; the default sighash type is implicit and no sighash byte
// is appended.  The machine is consumed.
func (m *TransactionSignatureMachine) Complete(
	shares map[frost.Participant][]*frost.SignatureShare,
) (*wire.MsgTx, error) {
	if m.sigs == nil {
		panic("complete called on a consumed transaction machine")
	}

	for participant, theirShares := range shares {
		if len(theirShares) != len(m.sigs) {
			return nil, fmt.Errorf(
				"participant %d supplied %d shares for %d inputs",
				participant, len(theirShares), len(m.sigs),
			)
		}
	}

	for i, sig := range m.sigs {
		inputShares := make(map[frost.Participant]*frost.SignatureShare, len(shares))
		for participant, theirShares := range shares {
			inputShares[participant] = theirShares[i]
		}

		signature, err := sig.Complete(inputShares)
		if err != nil {
			return nil, err
		}
		m.tx.TxIn[i].Witness = wire.TxWitness{signature[:]}
	}

	tx := m.tx
	m.tx = nil
	m.sigs = nil
	return tx, nil
}
