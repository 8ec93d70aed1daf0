// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceivedOutputSerialization(t *testing.T) {
	output := receivedOutput(t, 123_456, 7)

	var buf bytes.Buffer
	require.NoError(t, output.Write(&buf))

	read, err := ReadReceivedOutput(&buf)
	require.NoError(t, err)
	require.Equal(t, output.Outpoint, read.Outpoint)
	require.Equal(t, output.Output.Value, read.Output.Value)
	require.Equal(t, output.Output.PkScript, read.Output.PkScript)
	require.True(t, output.Offset.Equals(&read.Offset))
}

func TestReceivedOutputInvalidOffset(t *testing.T) {
	output := receivedOutput(t, 123_456, 7)

	var buf bytes.Buffer
	require.NoError(t, output.Write(&buf))
	serialized := buf.Bytes()

	// Replace the trailing offset with a non-canonical scalar.
	for i := len(serialized) - 32; i < len(serialized); i++ {
		serialized[i] = 0xff
	}
	_, err := ReadReceivedOutput(bytes.NewReader(serialized))
	require.Error(t, err)
}
