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
Package server implements the sonar side of the wire transport: the
parameter RPC procedures, the single master session, and the paced,
fragmenting data sender.
*/
package server

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/oceanscan/sonarwire/param"
	"github.com/oceanscan/sonarwire/sonar"
	"github.com/oceanscan/sonarwire/stats"
	"github.com/oceanscan/sonarwire/urpc"
	"github.com/oceanscan/sonarwire/wire"
	log "github.com/sirupsen/logrus"
)

// Server serves the parameter RPC and pushes data messages to the one
// client holding the master role.
type Server struct {
	cfg   *Config
	store param.Store
	stats *stats.Stats

	rpc  *urpc.Server
	conn *net.UDPConn

	// masterSID is the session holding the master role, 0 if none.
	masterSID atomic.Uint32

	// mu guards sink and the sender state below it. The sender runs
	// under the read lock; master changes take the write lock.
	mu    sync.RWMutex
	sink  *net.UDPAddr
	index uint32
	pacer *pacer
	buf   []byte
}

// New creates a server for the given parameter store.
func New(cfg *Config, store param.Store, st *stats.Stats) (*Server, error) {
	if err := cfg.EvalAndValidate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no parameter store")
	}
	target, err := cfg.TargetSpeed.Bytes()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		store: store,
		stats: st,
		pacer: newPacer(target),
		buf:   make([]byte, wire.MaxPacketSize),
	}, nil
}

// Start binds the control port and the data send socket.
func (s *Server) Start() error {
	if s.rpc != nil {
		return fmt.Errorf("server already started")
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.Host)})
	if err != nil {
		return fmt.Errorf("data socket: %w", err)
	}

	rpc, err := urpc.NewServer(s.cfg.Host, s.cfg.Port, s.cfg.IdleTimeout)
	if err != nil {
		conn.Close()
		return err
	}
	for proc, h := range map[uint32]urpc.Handler{
		sonar.ProcVersion:   s.procVersion,
		sonar.ProcGetSchema: s.procGetSchema,
		sonar.ProcSetMaster: s.procSetMaster,
		sonar.ProcSet:       s.procSet,
		sonar.ProcGet:       s.procGet,
	} {
		if err = rpc.AddProc(proc, h); err != nil {
			conn.Close()
			return err
		}
	}
	rpc.OnDisconnect(s.sessionEnd)

	if err = rpc.Bind(); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.rpc = rpc
	return nil
}

// SetTargetSpeed changes the outbound rate cap.
func (s *Server) SetTargetSpeed(speed Speed) error {
	target, err := speed.Bytes()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.TargetSpeed = speed
	s.pacer.setTarget(target)
	return nil
}

// LocalAddr returns the bound control address.
func (s *Server) LocalAddr() *net.UDPAddr {
	if s.rpc == nil {
		return nil
	}
	return s.rpc.LocalAddr()
}

// MeanRate returns the mean achieved outbound rate in bytes per second.
func (s *Server) MeanRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pacer.meanRate()
}

// Send fragments a data message into packets and sends them to the
// master's sink, paced to the target speed. Messages are dropped
// silently when no master is bound; send failures drop the rest of the
// message. Send is meant for a single producer goroutine: the packet
// buffer and index are not guarded against concurrent senders.
func (s *Server) Send(msg *sonar.Message) {
	if s.masterSID.Load() == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sink == nil {
		return
	}

	s.pacer.begin()

	p := wire.Packet{
		Time: msg.Time,
		ID:   msg.ID,
		Type: msg.Type,
		Rate: msg.Rate,
		Size: msg.Size,
	}
	var offset uint32
	left := msg.Size
	for left > 0 {
		partSize := left
		if partSize > wire.MaxPartSize {
			partSize = wire.MaxPartSize
		}
		p.Index = s.index
		p.Offset = offset
		p.Data = msg.Data[offset : offset+partSize]
		n, err := wire.Encode(s.buf, &p)
		if err != nil {
			log.Errorf("server: encode packet %d: %v", s.index, err)
			return
		}
		if _, err = s.conn.WriteToUDP(s.buf[:n], s.sink); err != nil {
			log.Warningf("server: send packet %d to %s: %v", s.index, s.sink, err)
			return
		}
		s.stats.IncPacketsSent(n)

		left -= partSize
		offset += partSize
		s.index++

		s.pacer.account(n)
	}
	s.stats.SetSendRate(s.pacer.meanRate())
}

// procVersion reports the compiled-in wire identification.
func (s *Server) procVersion(session uint32, req, resp *urpc.Data) {
	resp.SetUint32(sonar.ParamVersion, wire.Version)
	resp.SetUint32(sonar.ParamMagic, wire.Magic)
}

// procGetSchema ships the schema document, deflated with the zlib
// wrapper. The schema must compress into a single MaxPartSize block.
func (s *Server) procGetSchema(session uint32, req, resp *urpc.Data) {
	status := sonar.StatusFail
	defer func() { resp.SetUint32(sonar.ParamStatus, status) }()

	schema, err := s.store.Schema()
	if err != nil {
		log.Warningf("server: schema: %v", err)
		return
	}

	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		log.Errorf("server: schema compressor: %v", err)
		return
	}
	if _, err = zw.Write([]byte(schema.Data)); err != nil {
		log.Errorf("server: schema deflate: %v", err)
		return
	}
	if err = zw.Close(); err != nil {
		log.Errorf("server: schema deflate: %v", err)
		return
	}
	if compressed.Len() > wire.MaxPartSize {
		log.Warningf("server: compressed schema does not fit one block (%d bytes)", compressed.Len())
		return
	}

	resp.Set(sonar.ParamSchemaData, compressed.Bytes())
	resp.SetUint32(sonar.ParamSchemaSize, uint32(len(schema.Data)))
	resp.SetString(sonar.ParamSchemaID, schema.ID)
	status = sonar.StatusOK
}

// procSetMaster binds the calling session as master and records its
// data sink. Fails when another session already holds the role.
func (s *Server) procSetMaster(session uint32, req, resp *urpc.Data) {
	status := sonar.StatusFail
	defer func() { resp.SetUint32(sonar.ParamStatus, status) }()

	host, err := req.GetString(sonar.ParamMasterHost)
	if err != nil {
		log.Warningf("server: set_master: no host")
		return
	}
	port, err := req.GetUint32(sonar.ParamMasterPort)
	if err != nil {
		log.Warningf("server: set_master: no port")
		return
	}
	if port < sonar.MinPort || port > sonar.MaxPort {
		log.Warningf("server: set_master: port %d out of range", port)
		return
	}

	sink, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		log.Warningf("server: set_master: %v", err)
		return
	}

	if !s.masterSID.CompareAndSwap(0, session) {
		log.Warningf("server: set_master: session %d rejected, master already bound", session)
		return
	}

	s.mu.Lock()
	s.sink = sink
	s.index = 0
	s.mu.Unlock()

	log.Infof("server: session %d is master, sink %s", session, sink)
	status = sonar.StatusOK
}

// procSet forwards a typed parameter list to the store.
func (s *Server) procSet(session uint32, req, resp *urpc.Data) {
	status := sonar.StatusFail
	defer func() { resp.SetUint32(sonar.ParamStatus, status) }()

	names, values, err := decodeParams(req)
	if err != nil {
		log.Warningf("server: set: %v", err)
		return
	}
	if err = s.store.Set(names, values); err != nil {
		log.Warningf("server: set: %v", err)
		return
	}
	status = sonar.StatusOK
}

// procGet reads named parameters from the store and returns parallel
// type/value slots.
func (s *Server) procGet(session uint32, req, resp *urpc.Data) {
	status := sonar.StatusFail
	defer func() { resp.SetUint32(sonar.ParamStatus, status) }()

	var names []string
	for i := uint32(0); i < sonar.MaxParams; i++ {
		name, err := req.GetString(sonar.ParamName0 + i)
		if err != nil {
			break
		}
		names = append(names, name)
	}
	if len(names) == 0 || len(names) >= sonar.MaxParams {
		log.Warningf("server: get: bad parameter count %d", len(names))
		return
	}

	values, err := s.store.Get(names)
	if err != nil {
		log.Warningf("server: get: %v", err)
		return
	}
	for i, v := range values {
		if err := encodeParam(resp, uint32(i), v); err != nil {
			log.Warningf("server: get: %v", err)
			return
		}
	}
	status = sonar.StatusOK
}

// sessionEnd releases the master role when the master session goes
// away, explicitly or by idle timeout.
func (s *Server) sessionEnd(session uint32) {
	if !s.masterSID.CompareAndSwap(session, 0) {
		return
	}
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
	log.Infof("server: master session %d released", session)
}

// Close shuts the server down.
func (s *Server) Close() error {
	var err error
	if s.rpc != nil {
		err = s.rpc.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// decodeParams reads NAME/TYPE/VALUE slot triples until the first
// missing name.
func decodeParams(req *urpc.Data) ([]string, []param.Value, error) {
	var names []string
	var values []param.Value
	for i := uint32(0); i < sonar.MaxParams; i++ {
		name, err := req.GetString(sonar.ParamName0 + i)
		if err != nil {
			break
		}
		kind, err := req.GetUint32(sonar.ParamType0 + i)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %d: no type", i)
		}
		var v param.Value
		switch param.Kind(kind) {
		case param.KindNull:
			v = param.Null()
		case param.KindBool:
			b, err := req.GetUint32(sonar.ParamValue0 + i)
			if err != nil {
				return nil, nil, fmt.Errorf("parameter %d: no value", i)
			}
			v = param.Bool(b != 0)
		case param.KindInt64:
			n, err := req.GetInt64(sonar.ParamValue0 + i)
			if err != nil {
				return nil, nil, fmt.Errorf("parameter %d: no value", i)
			}
			v = param.Int64(n)
		case param.KindFloat:
			f, err := req.GetFloat64(sonar.ParamValue0 + i)
			if err != nil {
				return nil, nil, fmt.Errorf("parameter %d: no value", i)
			}
			v = param.Float(f)
		case param.KindString:
			str, err := req.GetString(sonar.ParamValue0 + i)
			if err != nil {
				return nil, nil, fmt.Errorf("parameter %d: no value", i)
			}
			v = param.String(str)
		default:
			return nil, nil, fmt.Errorf("parameter %d: unknown type %d", i, kind)
		}
		names = append(names, name)
		values = append(values, v)
	}
	if len(names) == 0 || len(names) >= sonar.MaxParams {
		return nil, nil, fmt.Errorf("bad parameter count %d", len(names))
	}
	return names, values, nil
}

// encodeParam writes one TYPE/VALUE slot pair.
func encodeParam(resp *urpc.Data, i uint32, v param.Value) error {
	resp.SetUint32(sonar.ParamType0+i, uint32(v.Kind()))
	switch v.Kind() {
	case param.KindNull:
	case param.KindBool:
		var b uint32
		if v.AsBool() {
			b = 1
		}
		resp.SetUint32(sonar.ParamValue0+i, b)
	case param.KindInt64:
		resp.SetInt64(sonar.ParamValue0+i, v.AsInt64())
	case param.KindFloat:
		resp.SetFloat64(sonar.ParamValue0+i, v.AsFloat())
	case param.KindString:
		resp.SetString(sonar.ParamValue0+i, v.AsString())
	default:
		return fmt.Errorf("unknown kind %d", v.Kind())
	}
	return nil
}
