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

/*
Package urpc implements a small request/reply RPC over UDP datagrams.
One datagram carries one frame: a fixed header identifying session,
procedure and sequence number, followed by a set of numbered slots with
opaque payloads. Typed accessors encode scalars little-endian.

Procedures and slots below ProcUser/ParamUser are reserved for the
transport itself (connect, disconnect).
*/
package urpc

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Frame constants
const (
	frameMagic   uint32 = 0x75525043
	frameVersion uint32 = 0x00010000

	headerSize   = 28
	slotHeader   = 8
	MaxFrameSize = 65000
)

// Reserved procedures and first user-available numbers
const (
	procConnect    uint32 = 1
	procDisconnect uint32 = 2

	// ProcUser is the first procedure number available to users of the
	// transport.
	ProcUser uint32 = 0x100
	// ParamUser is the first slot number available to users of the
	// transport.
	ParamUser uint32 = 0x100

	paramSession uint32 = 1
)

// Transport-level exec statuses carried in the frame header
const (
	statusRequest uint32 = 0
	statusOK      uint32 = 1
	statusFail    uint32 = 2
)

// Frame codec errors
var (
	ErrFrame    = fmt.Errorf("malformed frame")
	ErrTooLarge = fmt.Errorf("frame too large")
	ErrNoParam  = fmt.Errorf("no such param")
)

type header struct {
	session uint32
	proc    uint32
	seq     uint32
	status  uint32
}

// Data is the slotted parameter set of one request or reply.
type Data struct {
	slots map[uint32][]byte
}

// NewData returns an empty parameter set.
func NewData() *Data {
	return &Data{slots: make(map[uint32][]byte)}
}

// Clear drops all slots.
func (d *Data) Clear() {
	d.slots = make(map[uint32][]byte)
}

// Set stores raw bytes into slot id, replacing any previous value.
func (d *Data) Set(id uint32, value []byte) {
	b := make([]byte, len(value))
	copy(b, value)
	d.slots[id] = b
}

// Get returns the raw bytes of slot id.
func (d *Data) Get(id uint32) ([]byte, bool) {
	v, ok := d.slots[id]
	return v, ok
}

// Delete removes slot id.
func (d *Data) Delete(id uint32) {
	delete(d.slots, id)
}

// SetUint32 stores a little-endian uint32 into slot id.
func (d *Data) SetUint32(id uint32, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	d.slots[id] = b[:]
}

// GetUint32 reads slot id as a uint32.
func (d *Data) GetUint32(id uint32) (uint32, error) {
	v, ok := d.slots[id]
	if !ok || len(v) != 4 {
		return 0, ErrNoParam
	}
	return binary.LittleEndian.Uint32(v), nil
}

// SetInt64 stores a little-endian int64 into slot id.
func (d *Data) SetInt64(id uint32, value int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(value))
	d.slots[id] = b[:]
}

// GetInt64 reads slot id as an int64.
func (d *Data) GetInt64(id uint32) (int64, error) {
	v, ok := d.slots[id]
	if !ok || len(v) != 8 {
		return 0, ErrNoParam
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

// SetFloat64 stores a little-endian float64 into slot id.
func (d *Data) SetFloat64(id uint32, value float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(value))
	d.slots[id] = b[:]
}

// GetFloat64 reads slot id as a float64.
func (d *Data) GetFloat64(id uint32) (float64, error) {
	v, ok := d.slots[id]
	if !ok || len(v) != 8 {
		return 0, ErrNoParam
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v)), nil
}

// SetString stores a NUL-terminated string into slot id.
func (d *Data) SetString(id uint32, value string) {
	b := make([]byte, len(value)+1)
	copy(b, value)
	d.slots[id] = b
}

// GetString reads slot id as a string.
func (d *Data) GetString(id uint32) (string, error) {
	v, ok := d.slots[id]
	if !ok || len(v) == 0 || v[len(v)-1] != 0 {
		return "", ErrNoParam
	}
	return string(v[:len(v)-1]), nil
}

// Has reports whether slot id is present.
func (d *Data) Has(id uint32) bool {
	_, ok := d.slots[id]
	return ok
}

// marshal serializes the frame header and slots into one datagram.
func marshal(h header, d *Data) ([]byte, error) {
	size := headerSize
	ids := make([]uint32, 0, len(d.slots))
	for id, v := range d.slots {
		ids = append(ids, id)
		size += slotHeader + len(v)
	}
	if size > MaxFrameSize {
		return nil, ErrTooLarge
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:], frameVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.session)
	binary.LittleEndian.PutUint32(buf[12:], h.proc)
	binary.LittleEndian.PutUint32(buf[16:], h.seq)
	binary.LittleEndian.PutUint32(buf[20:], h.status)
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(ids)))
	off := headerSize
	for _, id := range ids {
		v := d.slots[id]
		binary.LittleEndian.PutUint32(buf[off:], id)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(v)))
		copy(buf[off+slotHeader:], v)
		off += slotHeader + len(v)
	}
	return buf, nil
}

// unmarshal parses one datagram into a frame header and slot set.
func unmarshal(buf []byte) (header, *Data, error) {
	var h header
	if len(buf) < headerSize {
		return h, nil, ErrFrame
	}
	if binary.LittleEndian.Uint32(buf[0:]) != frameMagic ||
		binary.LittleEndian.Uint32(buf[4:]) != frameVersion {
		return h, nil, ErrFrame
	}
	h.session = binary.LittleEndian.Uint32(buf[8:])
	h.proc = binary.LittleEndian.Uint32(buf[12:])
	h.seq = binary.LittleEndian.Uint32(buf[16:])
	h.status = binary.LittleEndian.Uint32(buf[20:])
	n := binary.LittleEndian.Uint32(buf[24:])

	d := NewData()
	off := headerSize
	for i := uint32(0); i < n; i++ {
		if off+slotHeader > len(buf) {
			return h, nil, ErrFrame
		}
		id := binary.LittleEndian.Uint32(buf[off:])
		size := int(binary.LittleEndian.Uint32(buf[off+4:]))
		off += slotHeader
		if off+size > len(buf) {
			return h, nil, ErrFrame
		}
		d.Set(id, buf[off:off+size])
		off += size
	}
	return h, d, nil
}
