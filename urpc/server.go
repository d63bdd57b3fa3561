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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"
)

// Handler processes one procedure call. It reads request slots from req
// and fills reply slots into resp. The transport sends resp back with an
// ok exec status; a handler cannot fail at the transport level, it
// reports application status in its own slots.
type Handler func(session uint32, req, resp *Data)

// DisconnectFunc is invoked when a session ends, explicitly or by idle
// expiry.
type DisconnectFunc func(session uint32)

type session struct {
	addr     *net.UDPAddr
	lastSeen atomic.Int64
}

// Server is a datagram RPC server. Procedures are dispatched in-line on
// the receive goroutine.
type Server struct {
	addr        *net.UDPAddr
	idleTimeout time.Duration

	conn     *net.UDPConn
	procs    map[uint32]Handler
	onClose  DisconnectFunc
	sessions *xsync.Map[uint32, *session]
	lastSID  atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a server bound to host:port once Bind is called.
// Sessions with no procedure call within idleTimeout are expired.
func NewServer(host string, port int, idleTimeout time.Duration) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}
	return &Server{
		addr:        addr,
		idleTimeout: idleTimeout,
		procs:       make(map[uint32]Handler),
		sessions:    xsync.NewMap[uint32, *session](),
		done:        make(chan struct{}),
	}, nil
}

// AddProc registers a procedure handler. Procedures below ProcUser are
// reserved.
func (s *Server) AddProc(proc uint32, h Handler) error {
	if proc < ProcUser {
		return fmt.Errorf("procedure %d is reserved", proc)
	}
	if s.conn != nil {
		return fmt.Errorf("server already bound")
	}
	s.procs[proc] = h
	return nil
}

// OnDisconnect registers the session-end callback.
func (s *Server) OnDisconnect(f DisconnectFunc) {
	s.onClose = f
}

// Bind starts listening and serving requests.
func (s *Server) Bind() error {
	conn, err := net.ListenUDP("udp", s.addr)
	if err != nil {
		return err
	}
	s.conn = conn
	log.Infof("urpc: listening on %s", conn.LocalAddr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
	go func() {
		defer s.wg.Done()
		s.sweep()
	}()
	return nil
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) serve() {
	buf := make([]byte, MaxFrameSize)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Errorf("urpc: read: %v", err)
			continue
		}
		h, req, err := unmarshal(buf[:n])
		if err != nil {
			log.Warningf("urpc: dropping malformed frame from %s", raddr)
			continue
		}
		s.dispatch(h, req, raddr)
	}
}

func (s *Server) dispatch(h header, req *Data, raddr *net.UDPAddr) {
	resp := NewData()
	status := statusOK

	switch h.proc {
	case procConnect:
		sid := s.lastSID.Add(1)
		if sid == 0 {
			sid = s.lastSID.Add(1)
		}
		ses := &session{addr: raddr}
		ses.lastSeen.Store(time.Now().UnixNano())
		s.sessions.Store(sid, ses)
		h.session = sid
		resp.SetUint32(paramSession, sid)
		log.Debugf("urpc: session %d opened by %s", sid, raddr)

	case procDisconnect:
		s.expire(h.session, "closed")

	default:
		ses, ok := s.sessions.Load(h.session)
		if !ok {
			status = statusFail
			break
		}
		ses.lastSeen.Store(time.Now().UnixNano())
		proc, ok := s.procs[h.proc]
		if !ok {
			log.Warningf("urpc: unknown procedure %d from session %d", h.proc, h.session)
			status = statusFail
			break
		}
		proc(h.session, req, resp)
	}

	h.status = status
	reply, err := marshal(h, resp)
	if err != nil {
		log.Errorf("urpc: reply to %s: %v", raddr, err)
		return
	}
	if _, err = s.conn.WriteToUDP(reply, raddr); err != nil {
		log.Errorf("urpc: reply to %s: %v", raddr, err)
	}
}

// sweep expires idle sessions once per second.
func (s *Server) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			s.sessions.Range(func(sid uint32, ses *session) bool {
				if now-ses.lastSeen.Load() > s.idleTimeout.Nanoseconds() {
					s.expire(sid, "idle")
				}
				return true
			})
		}
	}
}

func (s *Server) expire(sid uint32, reason string) {
	if _, ok := s.sessions.LoadAndDelete(sid); !ok {
		return
	}
	log.Debugf("urpc: session %d %s", sid, reason)
	if s.onClose != nil {
		s.onClose(sid)
	}
}

// Close stops serving and ends all sessions.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.wg.Wait()
	s.sessions.Range(func(sid uint32, _ *session) bool {
		s.expire(sid, "shutdown")
		return true
	})
	return err
}
