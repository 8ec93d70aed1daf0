// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transcript implements a domain-separated, append-only transcript.
//
// A transcript is a byte log of labeled messages.  Challenges are derived by
// hashing the log with BLAKE2b-512, so any two transcripts which were fed the
// same labels and messages in the same order produce the same challenges, and
// any divergence produces unrelated ones.  Labels and messages are framed with
// their lengths, preventing distinct append sequences from encoding to the
// same log.  A label's length is written as a single byte, so this holds for
// labels of up to 255 bytes; longer labels have their length truncated.
package transcript

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Event prefixes, distinguishing what each log entry is.
const (
	domainTag    = 0
	messageTag   = 1
	challengeTag = 2
)

// Transcript is an append-only log of domain-separated messages.
//
// The zero value is not usable; call New.
type Transcript struct {
	log []byte
}

// New creates a transcript seeded with the given protocol name.
func New(name string) *Transcript {
	t := &Transcript{log: make([]byte, 0, 256)}
	t.append(domainTag, "protocol", []byte(name))
	return t
}

// append frames and writes a single event to the log.
func (t *Transcript) append(tag byte, label string, message []byte) {
	t.log = append(t.log, tag)
	t.log = append(t.log, byte(len(label)))
	t.log = append(t.log, label...)
	var msgLen [4]byte
	binary.LittleEndian.PutUint32(msgLen[:], uint32(len(message)))
	t.log = append(t.log, msgLen[:]...)
	t.log = append(t.log, message...)
}

// DomainSeparate marks the start of a new section of the transcript.
func (t *Transcript) DomainSeparate(label string) {
	t.append(domainTag, label, nil)
}

// AppendMessage appends a labeled message.
func (t *Transcript) AppendMessage(label string, message []byte) {
	t.append(messageTag, label, message)
}

// Challenge derives a 64-byte challenge from the transcript's current state.
// The challenge event itself is recorded, so successive challenges with the
// same label differ.
func (t *Transcript) Challenge(label string) [64]byte {
	t.append(challengeTag, label, nil)
	return blake2b.Sum512(t.log)
}

// RNGSeed derives a 32-byte seed from the transcript's current state.
func (t *Transcript) RNGSeed(label string) [32]byte {
	challenge := t.Challenge("rng_" + label)
	var seed [32]byte
	copy(seed[:], challenge[:32])
	return seed
}

// Clone returns an independent copy of the transcript.
func (t *Transcript) Clone() *Transcript {
	log := make([]byte, len(t.log), len(t.log)+128)
	copy(log, t.log)
	return &Transcript{log: log}
}
