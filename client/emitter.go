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

package client

import (
	"math"
	"time"

	"github.com/oceanscan/sonarwire/sonar"
	"github.com/oceanscan/sonarwire/wire"
	log "github.com/sirupsen/logrus"
)

// Per-stream backing buffers grow in steps of this size.
const bufferGrowStep = 65536

// staleFlush bounds how long a partial message waits for its missing
// fragments before it is emitted as-is.
const staleFlush = time.Second

// stream is the reassembly state of one data source id.
type stream struct {
	id      uint32
	time    int64
	typ     uint32
	rate    float32
	size    uint32
	curSize uint32
	buf     []byte
	last    time.Time
}

// reset clears the in-progress message, zeroing the consumed part of
// the backing buffer.
func (s *stream) reset() {
	for i := range s.buf[:s.size] {
		s.buf[i] = 0
	}
	s.curSize = 0
	s.size = 0
	s.typ = 0
	s.rate = 0
}

// emitter reassembles queued packets into messages and delivers them to
// subscribers, in transport-index order with gap recovery.
func (c *Client) emitter() {
	streams := make(map[uint32]*stream)
	var nextIndex uint32

	for !c.shutdown.Load() {
		// Flush partial messages that have been stuck for too long.
		for _, s := range streams {
			if s.curSize == 0 || time.Since(s.last) < staleFlush {
				continue
			}
			c.emitStream(s)
			s.reset()
		}

		queueLen := c.queue.wait(100 * time.Millisecond)
		if queueLen == 0 {
			continue
		}

		for queueLen > 0 && !c.shutdown.Load() {
			raw, found := c.queue.pick(nextIndex)
			if raw == nil {
				break
			}
			if !found {
				// Queue holds packets but not the wanted index. Below a
				// quarter of the pool it may still arrive; beyond that
				// the packet is declared lost and the scan reselects.
				if queueLen < c.cfg.NBuffers/4 {
					break
				}
				log.Warningf("client: packet %d lost", nextIndex)
				c.stats.IncPacketsDropped("lost")
			}

			pkt, err := wire.Decode(raw)
			if err != nil {
				log.Warningf("client: packet %d: %v", packetIndex(raw), err)
				c.stats.IncPacketsDropped("wire-format")
				c.release(raw)
				queueLen--
				continue
			}

			if c.reassemble(streams, &pkt) {
				if nextIndex = pkt.Index; nextIndex == math.MaxUint32 {
					nextIndex = 0
				} else {
					nextIndex++
				}
			}

			c.release(raw)
			queueLen--
		}
	}
}

// release removes a packet from the queue and returns its slab to the
// pool.
func (c *Client) release(raw []byte) {
	c.queue.remove(raw)
	c.pool.Push(raw)
}

// reassemble merges one packet into its stream, emitting messages as
// they complete. It reports whether the packet was accepted.
func (c *Client) reassemble(streams map[uint32]*stream, pkt *wire.Packet) bool {
	s, ok := streams[pkt.ID]
	if !ok {
		s = &stream{id: pkt.ID}
		streams[pkt.ID] = s
	}

	// The backing buffer may only be reallocated between messages, so
	// a size change mid-message cannot pull it out from under the copy.
	if s.size == 0 && int(pkt.Size) > len(s.buf) {
		grown := (int(pkt.Size) + bufferGrowStep - 1) / bufferGrowStep * bufferGrowStep
		s.buf = make([]byte, grown)
	}

	if int(pkt.Size) > len(s.buf) ||
		(s.size != 0 && s.size != pkt.Size) ||
		(s.typ != 0 && s.typ != pkt.Type) ||
		(s.rate != 0 && s.rate != pkt.Rate) ||
		pkt.Time < s.time {
		log.Warningf("client: corrupted packet %d", pkt.Index)
		c.stats.IncPacketsDropped("stale")
		return false
	}

	// A fresh timestamp supersedes whatever is in progress.
	if s.curSize > 0 && s.time != pkt.Time {
		c.emitStream(s)
		s.reset()
	}

	s.time = pkt.Time
	s.typ = pkt.Type
	s.rate = pkt.Rate
	s.size = pkt.Size
	s.curSize += pkt.PartSize
	copy(s.buf[pkt.Offset:], pkt.Data)
	s.last = time.Now()

	if s.curSize == s.size {
		c.emitStream(s)
		s.reset()
	}
	return true
}

func (c *Client) emitStream(s *stream) {
	c.emit(&sonar.Message{
		Time: s.time,
		ID:   s.id,
		Type: s.typ,
		Rate: s.rate,
		Size: s.size,
		Data: s.buf[:s.size],
	})
}
