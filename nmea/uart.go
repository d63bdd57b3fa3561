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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanscan/sonarwire/slicepool"
	"github.com/oceanscan/sonarwire/stats"
	"go.bug.st/serial"
	log "github.com/sirupsen/logrus"
)

// Mode selects the UART line speed, always 8N1.
type Mode int

// Recognized UART modes
const (
	ModeDisabled Mode = iota
	ModeAuto
	Mode4800
	Mode9600
	Mode19200
	Mode38400
	Mode57600
	Mode115200
)

// autoProbe is how long AUTO mode waits for a good sentence before
// advancing to the next baud rate.
const autoProbe = 2 * time.Second

const uartBuffers = 16

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeAuto:
		return "auto"
	default:
		if b := m.baud(); b != 0 {
			return fmt.Sprintf("%d", b)
		}
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) baud() int {
	switch m {
	case Mode4800:
		return 4800
	case Mode9600:
		return 9600
	case Mode19200:
		return 19200
	case Mode38400:
		return 38400
	case Mode57600:
		return 57600
	case Mode115200:
		return 115200
	}
	return 0
}

// nextProbeMode cycles through the fixed baud rates for AUTO search.
func nextProbeMode(m Mode) Mode {
	if m < Mode4800 || m >= Mode115200 {
		return Mode4800
	}
	return m + 1
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	for m := ModeDisabled; m <= Mode115200; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeDisabled, fmt.Errorf("unrecognized UART mode %q", s)
}

type block struct {
	time int64
	data []byte
}

// UART ingests NMEA sentences from a serial port, groups them into
// fix-time blocks and publishes the blocks. The port and mode can be
// changed at runtime without restarting the workers.
type UART struct {
	name  string
	stats *stats.Stats

	// Device fields are owned by the receiver worker, except while it
	// is parked by the configure handshake.
	port serial.Port
	path string
	mode Mode

	skipBroken atomic.Bool
	configure  atomic.Bool
	running    atomic.Bool
	terminate  atomic.Bool

	pool  *slicepool.Pool
	queue chan block

	subMu sync.RWMutex
	subs  []BlockFunc

	wg sync.WaitGroup
}

// NewUART creates an ingest engine for the named port. No device is
// attached until SetDevice.
func NewUART(name string, st *stats.Stats) *UART {
	u := &UART{
		name:  name,
		stats: st,
		pool:  slicepool.New(uartBuffers, MaxBlockSize),
		queue: make(chan block, uartBuffers),
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
func (u *UART) Subscribe(f BlockFunc) {
	u.subMu.Lock()
	defer u.subMu.Unlock()
	u.subs = append(u.subs, f)
}

// SkipBroken selects whether sentences with a bad checksum are dropped
// entirely or passed through without contributing a fix time.
func (u *UART) SkipBroken(skip bool) {
	u.skipBroken.Store(skip)
}

// SetDevice attaches the engine to a serial device. It parks the
// receiver, swaps the device and releases the receiver back to work.
// An empty path or ModeDisabled detaches.
func (u *UART) SetDevice(path string, mode Mode) error {
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

	if u.port != nil {
		u.port.Close()
		u.port = nil
		u.path = ""
	}

	if path == "" || mode == ModeDisabled {
		u.mode = ModeDisabled
		return nil
	}

	baud := mode.baud()
	if mode == ModeAuto {
		// The probe cycle starts from the lowest rate; bad sentences
		// are skipped while hunting for the right one.
		baud = Mode4800.baud()
		u.skipBroken.Store(true)
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("%s: can't open device: %w", path, err)
	}
	if err = port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("%s: can't set device mode: %w", path, err)
	}

	u.port = port
	u.path = path
	u.mode = mode
	return nil
}

// Close terminates the workers and detaches the device.
func (u *UART) Close() {
	u.terminate.Store(true)
	u.wg.Wait()
	if u.port != nil {
		u.port.Close()
		u.port = nil
	}
}

// receiver assembles sentences byte by byte and groups them into
// blocks keyed by the extracted fix time.
func (u *UART) receiver() {
	probeMode := ModeDisabled
	probeTimer := time.Now()

	data := make([]byte, 0, MaxBlockSize)
	var dataTime int64

	sentence := make([]byte, 0, MaxSentenceSize)
	sentenceTime := 0

	var rx [1]byte

	for !u.terminate.Load() {
		if u.configure.Load() {
			// Parked: SetDevice owns the device fields now.
			u.running.Store(false)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if u.port == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// Baud hunt: no good sentence for a while means wrong speed.
		if u.mode == ModeAuto && time.Since(probeTimer) > autoProbe {
			probeMode = nextProbeMode(probeMode)
			if err := u.port.SetMode(&serial.Mode{
				BaudRate: probeMode.baud(),
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			}); err != nil {
				log.Warningf("nmea: %s: can't set %d baud: %v", u.name, probeMode.baud(), err)
			}
			if err := u.port.ResetInputBuffer(); err != nil {
				log.Debugf("nmea: %s: flush: %v", u.name, err)
			}
			probeTimer = time.Now()
		}

		n, err := u.port.Read(rx[:])
		if err != nil || n == 0 {
			continue
		}
		b := rx[0]

		if dataTime == 0 {
			dataTime = monotonicMicros()
		}

		// A sentence starts only at '$'.
		if len(sentence) == 0 && b != '$' {
			continue
		}

		if b != '\r' {
			if len(sentence) > MaxSentenceSize-2 {
				sentence = sentence[:0]
				continue
			}
			sentence = append(sentence, b)
			continue
		}

		// Sentence complete.
		if len(sentence) < minSentenceSize {
			sentence = sentence[:0]
			continue
		}

		badCRC := !ChecksumValid(sentence)
		u.stats.IncNMEASentence(!badCRC)
		if badCRC && u.skipBroken.Load() {
			sentence = sentence[:0]
			continue
		}

		probeTimer = time.Now()

		sendBlock := false
		tm := 0
		if !badCRC {
			if tm = ExtractTime(sentence); tm != 0 {
				if sentenceTime > 0 && sentenceTime != tm {
					sendBlock = true
				}
				sentenceTime = tm
			}
		}

		if len(data)+len(sentence)+3 > MaxBlockSize {
			sendBlock = true
		}

		// No extractable time: the sentence ships alone, unchained.
		if (!badCRC && tm == 0) || sentenceTime == 0 {
			single := append(sentence, '\r', '\n')
			u.send(dataTime, single)
			sentence = sentence[:0]
			if len(data) == 0 {
				dataTime = 0
			}
			continue
		}

		if sendBlock && len(data) > 0 {
			u.send(dataTime, data)
			data = data[:0]
			dataTime = 0
		}

		data = append(data, sentence...)
		data = append(data, '\r', '\n')
		sentence = sentence[:0]
	}
}

// send copies one finished block into a pool slab and queues it for the
// emitter. Exhaustion drops the block with a warning.
func (u *UART) send(tm int64, data []byte) {
	slab := u.pool.Pop()
	if slab == nil {
		log.Warningf("nmea: %s: buffer overrun, block dropped", u.name)
		u.stats.IncPoolExhausted()
		return
	}
	n := copy(slab, data)
	u.queue <- block{time: tm, data: slab[:n]}
}

// emitter publishes finished blocks and recycles their slabs.
func (u *UART) emitter() {
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
