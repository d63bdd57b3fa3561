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

package server

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// timer granularity: the chunk limit is the byte budget of one
// millisecond at the target rate.
const paceGranularity = 1000

// idleReset bounds how long the rate window survives without traffic.
const idleReset = 4 * time.Millisecond

// pacer keeps the outbound byte rate at or below a target by suspending
// the sender when the rate measured over a short chunk window exceeds
// it.
type pacer struct {
	mu         sync.Mutex
	target     float64
	chunkLimit uint32
	chunk      uint32
	start      time.Time
	rates      *welford.Stats
}

func newPacer(target float64) *pacer {
	return &pacer{
		target:     target,
		chunkLimit: uint32(target / paceGranularity),
		start:      time.Now(),
		rates:      welford.New(),
	}
}

// setTarget changes the target rate.
func (p *pacer) setTarget(target float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
	p.chunkLimit = uint32(target / paceGranularity)
}

// begin opens a send burst: a pause longer than idleReset restarts the
// measurement window so quiescence does not earn a burst credit.
func (p *pacer) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.start) > idleReset {
		p.start = time.Now()
		p.chunk = 0
	}
}

// account adds n sent bytes and suspends the caller when the chunk
// window ran faster than the target.
func (p *pacer) account(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunk += uint32(n)
	if p.chunk <= p.chunkLimit {
		return
	}
	elapsed := time.Since(p.start).Seconds()
	if elapsed > 0 {
		p.rates.Add(float64(p.chunk) / elapsed)
	}
	if float64(p.chunk)/elapsed > p.target {
		pause := float64(p.chunk)/p.target - elapsed
		time.Sleep(time.Duration(pause * float64(time.Second)))
	}
	p.start = time.Now()
	p.chunk = 0
}

// meanRate returns the mean achieved rate over all closed chunk
// windows, in bytes per second.
func (p *pacer) meanRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rates.Count() == 0 {
		return 0
	}
	return p.rates.Mean()
}
