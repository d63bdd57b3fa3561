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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freeUDPPort reserves an unprivileged port number for the test.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func sendTo(t *testing.T, port int, data []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestUDPIngest(t *testing.T) {
	u := NewUDP("UDP1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := freeUDPPort(t)
	require.NoError(t, u.SetAddress("127.0.0.1", port))

	good := append(sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"), '\r', '\n')
	// Give the receiver a moment to come around to the new socket.
	time.Sleep(200 * time.Millisecond)
	sendTo(t, port, good)

	blocks := sink.wait(t, 1)
	require.Equal(t, string(good), blocks[0])
}

func TestUDPIngestDropsGarbage(t *testing.T) {
	u := NewUDP("UDP1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	port := freeUDPPort(t)
	require.NoError(t, u.SetAddress("127.0.0.1", port))
	time.Sleep(200 * time.Millisecond)

	bad := append(sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"), '\r', '\n')
	bad[10] ^= 1
	sendTo(t, port, bad)
	sendTo(t, port, []byte("no sentences here"))

	time.Sleep(500 * time.Millisecond)
	require.Empty(t, sink.snapshot())

	// The pool is not leaked by rejected datagrams; at most the one
	// slab the receiver reads into is out at any moment.
	require.GreaterOrEqual(t, u.pool.Free(), udpBuffers-1)
}

func TestUDPReconfigure(t *testing.T) {
	u := NewUDP("UDP1", nil)
	defer u.Close()
	sink := &blockSink{}
	u.Subscribe(sink.fn)

	first := freeUDPPort(t)
	require.NoError(t, u.SetAddress("127.0.0.1", first))

	second := freeUDPPort(t)
	require.NoError(t, u.SetAddress("127.0.0.1", second))
	time.Sleep(200 * time.Millisecond)

	good := append(sentence("GPGLL,4916.45,N,12311.12,W,225444,A"), '\r', '\n')
	sendTo(t, second, good)

	blocks := sink.wait(t, 1)
	require.Equal(t, string(good), blocks[0])

	// Detach: a port below the unprivileged range means disabled.
	require.NoError(t, u.SetAddress("", 0))
}
