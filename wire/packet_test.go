/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPacket(part int) *Packet {
	data := make([]byte, part)
	for i := range data {
		data[i] = byte(i)
	}
	return &Packet{
		Index:    42,
		Time:     1467119270000000,
		ID:       7,
		Type:     3,
		Rate:     12500.0,
		Size:     uint32(part) + 1000,
		Offset:   500,
		Data:     data,
	}
}

func TestEncodeDecode(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	p := testPacket(4096)
	n, err := Encode(buf, p)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+4096, n)

	got, err := Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, p.Index, got.Index)
	require.Equal(t, p.Time, got.Time)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Type, got.Type)
	require.Equal(t, p.Rate, got.Rate)
	require.Equal(t, p.Size, got.Size)
	require.Equal(t, uint32(4096), got.PartSize)
	require.Equal(t, p.Offset, got.Offset)
	require.Equal(t, p.Data, got.Data)
}

func TestEncodeLayout(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	p := testPacket(16)
	n, err := Encode(buf, p)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+16, n)

	require.Equal(t, Magic, binary.LittleEndian.Uint32(buf[0:]))
	require.Equal(t, Version, binary.LittleEndian.Uint32(buf[4:]))
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(buf[8:]))
	require.Equal(t, uint64(1467119270000000), binary.LittleEndian.Uint64(buf[16:]))
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[24:]))
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[28:]))
	require.Equal(t, uint32(1016), binary.LittleEndian.Uint32(buf[36:]))
	require.Equal(t, uint32(16), binary.LittleEndian.Uint32(buf[40:]))
	require.Equal(t, uint32(500), binary.LittleEndian.Uint32(buf[44:]))
}

func TestChecksumSensitivity(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	p := testPacket(256)
	n, err := Encode(buf, p)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		for bit := 0; bit < 8; bit++ {
			buf[i] ^= 1 << bit
			_, err := Decode(buf[:n])
			require.Error(t, err, "flipped bit %d of byte %d", bit, i)
			buf[i] ^= 1 << bit
		}
	}
	_, err = Decode(buf[:n])
	require.NoError(t, err)
}

func TestDecodeRejects(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	p := testPacket(64)
	n, err := Encode(buf, p)
	require.NoError(t, err)

	short := make([]byte, HeaderSize)
	copy(short, buf)
	_, err = Decode(short)
	require.ErrorIs(t, err, ErrShort)

	bad := make([]byte, n)
	copy(bad, buf[:n])
	binary.LittleEndian.PutUint32(bad[0:], 0xDEADBEEF)
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrMagic)

	copy(bad, buf[:n])
	binary.LittleEndian.PutUint32(bad[4:], Version+1)
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrVersion)

	// Truncated datagram: header says 64 payload bytes, wire has less.
	_, err = Decode(buf[:n-1])
	require.ErrorIs(t, err, ErrLength)

	// offset + part_size beyond the declared message size.
	copy(bad, buf[:n])
	binary.LittleEndian.PutUint32(bad[36:], 10)
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrGeometry)
}

func TestEncodeTooBig(t *testing.T) {
	buf := make([]byte, MaxPacketSize)
	p := testPacket(MaxPartSize + 1)
	p.Size = MaxPartSize * 2
	_, err := Encode(buf, p)
	require.ErrorIs(t, err, ErrGeometry)
}
