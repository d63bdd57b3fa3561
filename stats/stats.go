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

// Package stats exposes transport counters to prometheus. All methods
// except Serve are safe on a nil receiver so components can run without
// metrics.
package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats holds the counters of one transport endpoint.
type Stats struct {
	registry *prometheus.Registry

	packetsSent     prometheus.Counter
	bytesSent       prometheus.Counter
	packetsReceived prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	messagesEmitted prometheus.Counter
	rpcCalls        prometheus.Counter
	rpcTimeouts     prometheus.Counter
	nmeaSentences   *prometheus.CounterVec
	poolExhausted   prometheus.Counter
	sendRate        prometheus.Gauge
}

// New creates a Stats with its own prometheus registry.
func New() *Stats {
	s := &Stats{registry: prometheus.NewRegistry()}
	s.packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_packets_sent_total", Help: "data packets sent"})
	s.bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_bytes_sent_total", Help: "data bytes sent, headers included"})
	s.packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_packets_received_total", Help: "data packets received"})
	s.packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sonarwire_packets_dropped_total", Help: "data packets dropped"},
		[]string{"reason"})
	s.messagesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_messages_emitted_total", Help: "messages delivered to subscribers"})
	s.rpcCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_rpc_calls_total", Help: "parameter RPC calls"})
	s.rpcTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_rpc_timeouts_total", Help: "parameter RPC timeouts"})
	s.nmeaSentences = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sonarwire_nmea_sentences_total", Help: "NMEA sentences by checksum result"},
		[]string{"result"})
	s.poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sonarwire_pool_exhausted_total", Help: "receive buffer pool exhaustion events"})
	s.sendRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sonarwire_send_rate_bytes", Help: "mean achieved outbound rate, bytes/s"})
	s.registry.MustRegister(s.packetsSent, s.bytesSent, s.packetsReceived,
		s.packetsDropped, s.messagesEmitted, s.rpcCalls, s.rpcTimeouts,
		s.nmeaSentences, s.poolExhausted, s.sendRate)
	return s
}

// IncPacketsSent accounts one sent packet of n bytes.
func (s *Stats) IncPacketsSent(n int) {
	if s == nil {
		return
	}
	s.packetsSent.Inc()
	s.bytesSent.Add(float64(n))
}

// IncPacketsReceived accounts one received packet.
func (s *Stats) IncPacketsReceived() {
	if s == nil {
		return
	}
	s.packetsReceived.Inc()
}

// IncPacketsDropped accounts one dropped packet with its reason.
func (s *Stats) IncPacketsDropped(reason string) {
	if s == nil {
		return
	}
	s.packetsDropped.WithLabelValues(reason).Inc()
}

// IncMessagesEmitted accounts one emitted message.
func (s *Stats) IncMessagesEmitted() {
	if s == nil {
		return
	}
	s.messagesEmitted.Inc()
}

// IncRPCCalls accounts one RPC call attempt.
func (s *Stats) IncRPCCalls() {
	if s == nil {
		return
	}
	s.rpcCalls.Inc()
}

// IncRPCTimeouts accounts one timed out RPC call.
func (s *Stats) IncRPCTimeouts() {
	if s == nil {
		return
	}
	s.rpcTimeouts.Inc()
}

// IncNMEASentence accounts one NMEA sentence by checksum result.
func (s *Stats) IncNMEASentence(good bool) {
	if s == nil {
		return
	}
	if good {
		s.nmeaSentences.WithLabelValues("good").Inc()
	} else {
		s.nmeaSentences.WithLabelValues("bad").Inc()
	}
}

// IncPoolExhausted accounts one pool exhaustion drop.
func (s *Stats) IncPoolExhausted() {
	if s == nil {
		return
	}
	s.poolExhausted.Inc()
}

// SetSendRate publishes the mean achieved outbound rate.
func (s *Stats) SetSendRate(rate float64) {
	if s == nil {
		return
	}
	s.sendRate.Set(rate)
}

// Serve exposes /metrics on the given port and blocks.
func (s *Stats) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	log.Infof("stats: listening on :%d", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
