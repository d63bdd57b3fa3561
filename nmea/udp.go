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

package nmea

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanscan/sonarwire/slicepool"
	"github.com/oceanscan/sonarwire/stats"
	log "github.com/sirupsen/logrus"
)

const udpBuffers = 16

// UDP ingests NMEA blocks from a UDP socket. Every datagram is a
// candidate block; it is emitted when at least one embedded sentence
// carries a valid checksum.
type UDP struct {
	name  string
	stats *stats.Stats

	// conn is owned by the receiver worker, except while it is parked
	// by the configure handshake.
	conn *net.UDPConn

	configure atomic.Bool
	running   atomic.Bool
	terminate atomic.Bool

	pool  *slicepool.Pool
	queue chan block

	subMu sync.RWMutex
	subs  []BlockFunc

	wg sync.WaitGroup
}

// NewUDP creates an ingest engine for the named port. No socket is
// bound until SetAddress.
func NewUDP(name string, st *stats.Stats) *UDP {
	u := &UDP{
		name:  name,
		stats: st,
		pool:  slicepool.New(udpBuffers, MaxBlockSize),
		queue: make(chan block, udpBuffers),
	}
	u.running.Store(true)
	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.receiver()
	}()
	go func() {
		defer u.wg.Done()
		u.emitter()
	}()
	return u
}

// Subscribe registers a block consumer. Subscribers run synchronously
// on the emitter worker.
func (u *UDP) Subscribe(f BlockFunc) {
	u.subMu.Lock()
	defer u.subMu.Unlock()
	u.subs = append(u.subs, f)
}

// SetAddress rebinds the ingest socket. It parks the receiver, swaps
// the socket and releases the receiver back to work. An empty ip or a
// privileged port detaches.
func (u *UDP) SetAddress(ip string, port int) error {
	for !u.configure.CompareAndSwap(false, true) {
		time.Sleep(10 * time.Millisecond)
	}
	for u.running.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	defer func() {
		u.running.Store(true)
		u.configure.Store(false)
	}()

	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}

	if ip == "" || port < 1024 {
		return nil
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("bad address %q", ip)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return fmt.Errorf("%s:%d: %w", ip, port, err)
	}
	u.conn = conn
	return nil
}

// Close terminates the workers and releases the socket.
func (u *UDP) Close() {
	u.terminate.Store(true)
	u.wg.Wait()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}

// receiver validates datagrams and queues the good ones as blocks.
func (u *UDP) receiver() {
	var scratch [1024]byte

	for !u.terminate.Load() {
		if u.configure.Load() {
			u.running.Store(false)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if u.conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if err := u.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			log.Errorf("nmea: %s: deadline: %v", u.name, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		slab := u.pool.Pop()
		if slab == nil {
			u.stats.IncPoolExhausted()
			if _, _, err := u.conn.ReadFromUDP(scratch[:]); err == nil {
				log.Warningf("nmea: %s: buffer overrun, datagram dropped", u.name)
			}
			continue
		}

		n, _, err := u.conn.ReadFromUDP(slab[:len(slab)-1])
		if err != nil || n <= 0 {
			u.pool.Push(slab)
			var nerr net.Error
			if err != nil && !(errors.As(err, &nerr) && nerr.Timeout()) {
				log.Debugf("nmea: %s: receive: %v", u.name, err)
			}
			continue
		}
		tm := monotonicMicros()

		if !CheckBlock(slab[:n]) {
			u.stats.IncNMEASentence(false)
			u.pool.Push(slab)
			continue
		}
		u.stats.IncNMEASentence(true)
		u.queue <- block{time: tm, data: slab[:n]}
	}
}

// emitter publishes validated blocks and recycles their slabs.
func (u *UDP) emitter() {
	for !u.terminate.Load() {
		select {
		case blk := <-u.queue:
			u.subMu.RLock()
			for _, sub := range u.subs {
				sub(blk.time, u.name, blk.data)
			}
			u.subMu.RUnlock()
			u.pool.Push(blk.data)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
