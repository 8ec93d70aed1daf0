// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoin

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// maxScriptSize bounds the previous output script read back off a stream.
const maxScriptSize = 10_000

// ReceivedOutput is an output received to an address derived from the group
// key by the given offset, spendable by offsetting the group's keys the same
// way.
type ReceivedOutput struct {
	// Outpoint is the transaction output this represents.
	Outpoint wire.OutPoint

	// Output is the previous output itself: its value and script.
	Output wire.TxOut

	// Offset is the scalar the group key was offset by to derive the address
	// this output was received on.
	Offset secp256k1.ModNScalar
}

// Value returns the value of the received output, in satoshis.
func (o *ReceivedOutput) Value() int64 {
	return o.Output.Value
}

// Write serializes the received output to w.
func (o *ReceivedOutput) Write(w io.Writer) error {
	if _, err := w.Write(o.Outpoint.Hash[:]); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], o.Outpoint.Index)
	if _, err := w.Write(buf[:4]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(o.Output.Value))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, o.Output.PkScript); err != nil {
		return err
	}
	offset := o.Offset.Bytes()
	_, err := w.Write(offset[:])
	return err
}

// ReadReceivedOutput deserializes a received output from r.
func ReadReceivedOutput(r io.Reader) (*ReceivedOutput, error) {
	output := &ReceivedOutput{}

	var hash chainhash.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return nil, err
	}
	output.Outpoint.Hash = hash

	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return nil, err
	}
	output.Outpoint.Index = binary.LittleEndian.Uint32(buf[:4])

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	output.Output.Value = int64(binary.LittleEndian.Uint64(buf[:]))

	script, err := wire.ReadVarBytes(r, 0, maxScriptSize, "previous output script")
	if err != nil {
		return nil, err
	}
	output.Output.PkScript = script

	var offset [32]byte
	if _, err := io.ReadFull(r, offset[:]); err != nil {
		return nil, err
	}
	if overflow := output.Offset.SetBytes(&offset); overflow != 0 {
		return nil, errors.New("offset is not a canonical scalar")
	}

	return output, nil
}
