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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort feeds canned bytes to the receiver worker.
type fakePort struct {
	mu    sync.Mutex
	bytes chan byte
	modes []int
}

func newFakePort() *fakePort {
	return &fakePort{bytes: make(chan byte, MaxBlockSize)}
}

func (p *fakePort) feed(s string) {
	for _, b := range []byte(s) {
		p.bytes <- b
	}
}

func (p *fakePort) setModes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int{}, p.modes...)
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case b := <-p.bytes:
		buf[0] = b
		return 1, nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) SetMode(mode *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes = append(p.modes, mode.BaudRate)
	return nil
}

func (p *fakePort) Write(buf []byte) (int, error)                 { return len(buf), nil }
func (p *fakePort) Drain() error                                  { return nil }
func (p *fakePort) ResetInputBuffer() error                       { return nil }
func (p *fakePort) ResetOutputBuffer() error                      { return nil }
func (p *fakePort) SetDTR(dtr bool) error                         { return nil }
func (p *fakePort) SetRTS(rts bool) error                         { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error          { return nil }
func (p *fakePort) Close() error                                  { return nil }
func (p *fakePort) Break(d time.Duration) error                   { return nil }

// attach parks the receiver and hands it a fake device, the same way
// SetDevice swaps in a real one.
func attach(u *UART, port serial.Port, mode Mode) {
	for !u.configure.CompareAndSwap(false, true) {
		time.Sleep(time.Millisecond)
	}
	for u.running.Load() {
		time.Sleep(time.Millisecond)
	}
	u.port = port
	u.path = "fake"
	u.mode = mode
	u.running.Store(true)
	u.configure.Store(false)
}

type blockSink struct {
	mu     sync.Mutex
	blocks []string
}

func (s *blockSink) fn(tm int64, port string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, string(data))
}

func (s *blockSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.blocks...)
}

func (s *blockSink) wait(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.snapshot()) >= n
	}, 5*time.Second, 20*time.Millisecond)
	return s.snapshot()
}

func gga(tm string) string {
	return string(sentence("GPGGA,"+tm+",4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")) + "\r\n"
}

// Sentences group into one block per distinct fix time; the block ships
// when the time changes.
func TestUARTTimeGrouping(t *testing.T) {
	u := NewUART("COM1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := newFakePort()
	attach(u, port, Mode9600)

	first := gga("123519.000") + gga("123519.000")
	second := gga("123520.000") + gga("123520.000")
	port.feed(first)
	port.feed(second)
	port.feed(gga("123521.000")) // flushes the second group

	blocks := sink.wait(t, 2)
	require.Equal(t, first, blocks[0])
	require.Equal(t, second, blocks[1])
}

// A sentence with no extractable time ships alone without joining a
// block.
func TestUARTUntimedShipsAlone(t *testing.T) {
	u := NewUART("COM1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := newFakePort()
	attach(u, port, Mode9600)

	vtg := string(sentence("GPVTG,054.7,T,034.4,M,005.5,N,010.2,K")) + "\r\n"
	port.feed(vtg)

	blocks := sink.wait(t, 1)
	require.Equal(t, vtg, blocks[0])
}

// Broken sentences are dropped entirely with skip_broken, and passed
// through without contributing a fix time when it is off.
func TestUARTSkipBroken(t *testing.T) {
	u := NewUART("COM1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := newFakePort()
	attach(u, port, Mode9600)

	broken := []byte(gga("123519.000"))
	broken[10] ^= 1

	u.SkipBroken(true)
	port.feed(string(broken))
	port.feed(gga("123519.000"))
	port.feed(gga("123520.000")) // flushes the first group

	blocks := sink.wait(t, 1)
	require.Equal(t, gga("123519.000"), blocks[0])

	// Without the skip the broken sentence chains onto the block in
	// progress; it just cannot move the block time forward.
	u.SkipBroken(false)
	port.feed(string(broken))
	port.feed(gga("123521.000"))
	blocks = sink.wait(t, 2)
	require.Equal(t, gga("123520.000")+string(broken), blocks[1])
}

// With no good traffic AUTO mode walks the baud ladder every couple of
// seconds.
func TestUARTAutoBaudSearch(t *testing.T) {
	u := NewUART("COM1", nil)
	defer u.Close()

	port := newFakePort()
	attach(u, port, ModeAuto)

	require.Eventually(t, func() bool {
		return len(port.setModes()) >= 2
	}, 10*time.Second, 100*time.Millisecond)

	modes := port.setModes()
	require.Equal(t, 4800, modes[0])
	require.Equal(t, 9600, modes[1])
}

// Oversized sentences are discarded instead of growing without bound.
func TestUARTOverlongSentenceDropped(t *testing.T) {
	u := NewUART("COM1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := newFakePort()
	attach(u, port, Mode9600)

	port.feed("$" + strings.Repeat("A", MaxSentenceSize+10) + "\r\n")
	port.feed(gga("123519.000"))
	port.feed(gga("123520.000"))

	blocks := sink.wait(t, 1)
	require.Equal(t, gga("123519.000"), blocks[0])
}
