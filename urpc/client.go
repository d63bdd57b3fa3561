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

package urpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client call errors
var (
	ErrTimeout  = fmt.Errorf("rpc timeout")
	ErrExec     = fmt.Errorf("rpc execution failed")
	ErrNotReady = fmt.Errorf("client not connected")
)

// Client is one RPC connection to a Server. A Client owns one connected
// UDP socket; calls are serialized by an internal lock, mirroring the
// lock/exec/unlock discipline of the transport it models.
type Client struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	timeout time.Duration
	session uint32
	seq     uint32
	data    *Data
}

// Dial creates a client socket for the given server address. No traffic
// is exchanged until Connect.
func Dial(host string, port int, timeout time.Duration) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout, data: NewData()}, nil
}

// Connect performs the session handshake with the server.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Clear()
	reply, err := c.exec(procConnect)
	if err != nil {
		return err
	}
	sid, err := reply.GetUint32(paramSession)
	if err != nil {
		return fmt.Errorf("connect: no session granted")
	}
	c.session = sid
	log.Debugf("urpc: connected to %s, session %d", c.conn.RemoteAddr(), sid)
	return nil
}

// SelfAddress returns the local endpoint of the client in udp://host:port
// form.
func (c *Client) SelfAddress() string {
	addr := c.conn.LocalAddr().(*net.UDPAddr)
	if ip4 := addr.IP.To4(); ip4 != nil {
		return fmt.Sprintf("udp://%s:%d", ip4, addr.Port)
	}
	return fmt.Sprintf("udp://[%s]:%d", addr.IP, addr.Port)
}

// Lock takes exclusive use of the call buffer and returns it. The caller
// fills request slots, invokes Exec and reads reply slots, then releases
// with Unlock.
func (c *Client) Lock() *Data {
	c.mu.Lock()
	if c.session == 0 {
		c.mu.Unlock()
		return nil
	}
	c.data.Clear()
	return c.data
}

// Unlock releases the call buffer.
func (c *Client) Unlock() {
	c.mu.Unlock()
}

// Exec runs procedure proc with the slots currently in the call buffer.
// On success the call buffer holds the reply slots. Exec must be called
// between Lock and Unlock.
func (c *Client) Exec(proc uint32) error {
	reply, err := c.exec(proc)
	if err != nil {
		return err
	}
	// The caller still holds the pointer returned by Lock, so the
	// reply lands in the same object.
	c.data.slots = reply.slots
	return nil
}

// exec sends one request and waits for the matching reply.
func (c *Client) exec(proc uint32) (*Data, error) {
	if c.conn == nil {
		return nil, ErrNotReady
	}
	c.seq++
	h := header{session: c.session, proc: proc, seq: c.seq, status: statusRequest}
	req, err := marshal(h, c.data)
	if err != nil {
		return nil, err
	}
	if _, err = c.conn.Write(req); err != nil {
		return nil, err
	}

	buf := make([]byte, MaxFrameSize)
	deadline := time.Now().Add(c.timeout)
	if err = c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		rh, reply, err := unmarshal(buf[:n])
		if err != nil {
			log.Warningf("urpc: dropping malformed reply from %s", c.conn.RemoteAddr())
			continue
		}
		// Stale reply from an earlier, timed out call.
		if rh.seq != c.seq || rh.proc != proc {
			continue
		}
		if rh.status != statusOK {
			return nil, ErrExec
		}
		return reply, nil
	}
}

// Close disconnects from the server and releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if c.session != 0 {
		c.data.Clear()
		// Best effort: the server expires the session anyway.
		if _, err := c.exec(procDisconnect); err != nil {
			log.Debugf("urpc: disconnect: %v", err)
		}
		c.session = 0
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
