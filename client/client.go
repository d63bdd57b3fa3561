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
Package client implements the consumer side of the sonar wire transport:
the parameter RPC with timeout/retry, the UDP data receiver, and the
reassembling emitter that delivers whole messages to subscribers.
*/
package client

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oceanscan/sonarwire/param"
	"github.com/oceanscan/sonarwire/slicepool"
	"github.com/oceanscan/sonarwire/sonar"
	"github.com/oceanscan/sonarwire/stats"
	"github.com/oceanscan/sonarwire/urpc"
	"github.com/oceanscan/sonarwire/wire"
	log "github.com/sirupsen/logrus"
)

// ErrMaster is returned by SetMaster when the server refused the role.
var ErrMaster = fmt.Errorf("master role refused")

const bindAttempts = 100

// Client is one connection to a sonar server.
type Client struct {
	cfg   Config
	stats *stats.Stats

	rpc    *urpc.Client
	schema *param.Schema

	receiverHost string
	receiverPort int
	recvConn     *net.UDPConn

	pool  *slicepool.Pool
	queue *packetQueue

	subMu sync.RWMutex
	subs  []sonar.Subscriber

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// Dial connects to the server, validates the wire version, fetches the
// schema and starts the data plane workers. The returned client holds
// no master role yet; call SetMaster before expecting data.
func Dial(cfg Config, st *stats.Stats) (*Client, error) {
	if err := cfg.EvalAndValidate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		stats: st,
		pool:  slicepool.New(cfg.NBuffers, wire.MaxPacketSize),
		queue: newPacketQueue(),
	}

	// The initial connect is retried like any other call.
	var err error
	for i := 0; i < cfg.NExec; i++ {
		var rpc *urpc.Client
		rpc, err = urpc.Dial(cfg.Host, cfg.Port, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if err = rpc.Connect(); err != nil {
			rpc.Close()
			if errors.Is(err, urpc.ErrTimeout) {
				continue
			}
			return nil, err
		}
		c.rpc = rpc
		break
	}
	if c.rpc == nil {
		return nil, fmt.Errorf("can't connect to sonar %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	if err = c.execRetry("version", c.rpcCheckVersion); err != nil {
		c.rpc.Close()
		return nil, err
	}

	var schemaData, schemaID string
	err = c.execRetry("get_schema", func() error {
		var err error
		schemaData, schemaID, err = c.rpcGetSchema()
		return err
	})
	if err != nil {
		c.rpc.Close()
		return nil, err
	}
	c.schema = &param.Schema{ID: schemaID, Data: schemaData}

	if err = c.bindReceiver(); err != nil {
		c.rpc.Close()
		return nil, err
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.receiver()
	}()
	go func() {
		defer c.wg.Done()
		c.emitter()
	}()
	return c, nil
}

// Schema returns the schema fetched at connect time.
func (c *Client) Schema() *param.Schema {
	return c.schema
}

// ReceiverAddr returns the advertised data sink endpoint.
func (c *Client) ReceiverAddr() (string, int) {
	return c.receiverHost, c.receiverPort
}

// Subscribe registers a consumer of reassembled messages. Subscribers
// run synchronously on the emitter goroutine and must not retain the
// message data.
func (c *Client) Subscribe(sub sonar.Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *Client) emit(msg *sonar.Message) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subs {
		sub(msg)
	}
	c.stats.IncMessagesEmitted()
}

// SetMaster claims the master role, advertising the receiver endpoint
// as the data sink.
func (c *Client) SetMaster() error {
	if c.receiverPort == 0 {
		return fmt.Errorf("receiver is not running")
	}
	return c.execRetry("set_master", c.rpcSetMaster)
}

// Set applies typed values to named keys on the server.
func (c *Client) Set(names []string, values []param.Value) error {
	if len(names) != len(values) {
		return fmt.Errorf("names/values length mismatch")
	}
	if len(names) == 0 || len(names) >= sonar.MaxParams {
		return fmt.Errorf("bad parameter count %d", len(names))
	}
	return c.execRetry("set", func() error { return c.rpcSet(names, values) })
}

// Get reads named keys from the server.
func (c *Client) Get(names []string) ([]param.Value, error) {
	if len(names) == 0 || len(names) >= sonar.MaxParams {
		return nil, fmt.Errorf("bad parameter count %d", len(names))
	}
	var values []param.Value
	err := c.execRetry("get", func() error {
		var err error
		values, err = c.rpcGet(names)
		return err
	})
	return values, err
}

// Close stops the workers and disconnects.
func (c *Client) Close() error {
	if c.shutdown.Swap(true) {
		return nil
	}
	c.wg.Wait()
	for _, b := range c.queue.drain() {
		c.pool.Push(b)
	}
	return c.rpc.Close()
}

// execRetry runs one RPC call up to NExec times, retrying exclusively
// on timeout.
func (c *Client) execRetry(name string, call func() error) error {
	var err error
	for i := 0; i < c.cfg.NExec; i++ {
		c.stats.IncRPCCalls()
		err = call()
		if !errors.Is(err, urpc.ErrTimeout) {
			return err
		}
		c.stats.IncRPCTimeouts()
		log.Warningf("client: %s: execute timeout", name)
	}
	return err
}

// rpcCheckVersion validates the server's magic and version against the
// compiled-in constants. A mismatch is fatal for the connection.
func (c *Client) rpcCheckVersion() error {
	data := c.rpc.Lock()
	if data == nil {
		return fmt.Errorf("rpc not connected")
	}
	defer c.rpc.Unlock()

	if err := c.rpc.Exec(sonar.ProcVersion); err != nil {
		return err
	}
	version, err := data.GetUint32(sonar.ParamVersion)
	if err != nil {
		return fmt.Errorf("version: no version value")
	}
	magic, err := data.GetUint32(sonar.ParamMagic)
	if err != nil {
		return fmt.Errorf("version: no magic value")
	}
	if version != wire.Version || magic != wire.Magic {
		return fmt.Errorf("server version mismatch: magic %08x version %d", magic, version)
	}
	return nil
}

// rpcGetSchema fetches and inflates the schema document.
func (c *Client) rpcGetSchema() (string, string, error) {
	data := c.rpc.Lock()
	if data == nil {
		return "", "", fmt.Errorf("rpc not connected")
	}
	defer c.rpc.Unlock()

	if err := c.rpc.Exec(sonar.ProcGetSchema); err != nil {
		return "", "", err
	}
	if status, err := data.GetUint32(sonar.ParamStatus); err != nil || status != sonar.StatusOK {
		return "", "", fmt.Errorf("get_schema failed")
	}
	compressed, ok := data.Get(sonar.ParamSchemaData)
	if !ok {
		return "", "", fmt.Errorf("get_schema: no schema data")
	}
	size, err := data.GetUint32(sonar.ParamSchemaSize)
	if err != nil {
		return "", "", fmt.Errorf("get_schema: no schema size")
	}
	id, err := data.GetString(sonar.ParamSchemaID)
	if err != nil {
		return "", "", fmt.Errorf("get_schema: no schema id")
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", "", fmt.Errorf("get_schema: %w", err)
	}
	defer zr.Close()
	inflated, err := io.ReadAll(io.LimitReader(zr, int64(size)+1))
	if err != nil {
		return "", "", fmt.Errorf("get_schema: %w", err)
	}
	if uint32(len(inflated)) != size {
		return "", "", fmt.Errorf("get_schema: inflated size mismatch")
	}
	return string(inflated), id, nil
}

func (c *Client) rpcSetMaster() error {
	data := c.rpc.Lock()
	if data == nil {
		return fmt.Errorf("rpc not connected")
	}
	defer c.rpc.Unlock()

	data.SetString(sonar.ParamMasterHost, c.receiverHost)
	data.SetUint32(sonar.ParamMasterPort, uint32(c.receiverPort))
	if err := c.rpc.Exec(sonar.ProcSetMaster); err != nil {
		return err
	}
	if status, err := data.GetUint32(sonar.ParamStatus); err != nil || status != sonar.StatusOK {
		return ErrMaster
	}
	return nil
}

func (c *Client) rpcSet(names []string, values []param.Value) error {
	data := c.rpc.Lock()
	if data == nil {
		return fmt.Errorf("rpc not connected")
	}
	defer c.rpc.Unlock()

	for i, name := range names {
		data.SetString(sonar.ParamName0+uint32(i), name)
		v := values[i]
		data.SetUint32(sonar.ParamType0+uint32(i), uint32(v.Kind()))
		switch v.Kind() {
		case param.KindNull:
		case param.KindBool:
			var b uint32
			if v.AsBool() {
				b = 1
			}
			data.SetUint32(sonar.ParamValue0+uint32(i), b)
		case param.KindInt64:
			data.SetInt64(sonar.ParamValue0+uint32(i), v.AsInt64())
		case param.KindFloat:
			data.SetFloat64(sonar.ParamValue0+uint32(i), v.AsFloat())
		case param.KindString:
			data.SetString(sonar.ParamValue0+uint32(i), v.AsString())
		default:
			return fmt.Errorf("parameter %q: unknown kind", name)
		}
	}
	if err := c.rpc.Exec(sonar.ProcSet); err != nil {
		return err
	}
	if status, err := data.GetUint32(sonar.ParamStatus); err != nil || status != sonar.StatusOK {
		return fmt.Errorf("set failed")
	}
	return nil
}

func (c *Client) rpcGet(names []string) ([]param.Value, error) {
	data := c.rpc.Lock()
	if data == nil {
		return nil, fmt.Errorf("rpc not connected")
	}
	defer c.rpc.Unlock()

	for i, name := range names {
		data.SetString(sonar.ParamName0+uint32(i), name)
	}
	if err := c.rpc.Exec(sonar.ProcGet); err != nil {
		return nil, err
	}
	if status, err := data.GetUint32(sonar.ParamStatus); err != nil || status != sonar.StatusOK {
		return nil, fmt.Errorf("get failed")
	}

	values := make([]param.Value, len(names))
	for i := range names {
		kind, err := data.GetUint32(sonar.ParamType0 + uint32(i))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: no type", names[i])
		}
		switch param.Kind(kind) {
		case param.KindNull:
			values[i] = param.Null()
		case param.KindBool:
			b, err := data.GetUint32(sonar.ParamValue0 + uint32(i))
			if err != nil {
				return nil, fmt.Errorf("parameter %q: no value", names[i])
			}
			values[i] = param.Bool(b != 0)
		case param.KindInt64:
			n, err := data.GetInt64(sonar.ParamValue0 + uint32(i))
			if err != nil {
				return nil, fmt.Errorf("parameter %q: no value", names[i])
			}
			values[i] = param.Int64(n)
		case param.KindFloat:
			f, err := data.GetFloat64(sonar.ParamValue0 + uint32(i))
			if err != nil {
				return nil, fmt.Errorf("parameter %q: no value", names[i])
			}
			values[i] = param.Float(f)
		case param.KindString:
			s, err := data.GetString(sonar.ParamValue0 + uint32(i))
			if err != nil {
				return nil, fmt.Errorf("parameter %q: no value", names[i])
			}
			values[i] = param.String(s)
		default:
			return nil, fmt.Errorf("parameter %q: unknown type %d", names[i], kind)
		}
	}
	return values, nil
}

// bindReceiver derives the local address from the RPC self-address and
// binds the data receive socket to a random port in the sonar window,
// retrying on address collisions.
func (c *Client) bindReceiver() error {
	host, err := parseSelfHost(c.rpc.SelfAddress())
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("bad receiver host %q", host)
	}

	for i := 0; i < bindAttempts; i++ {
		port := sonar.MinPort + rand.Intn(sonar.MaxPort-sonar.MinPort)
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				continue
			}
			return fmt.Errorf("receiver bind: %w", err)
		}
		c.recvConn = conn
		c.receiverHost = host
		c.receiverPort = port
		log.Debugf("client: receiver bound to %s:%d", host, port)
		return nil
	}
	return fmt.Errorf("receiver bind: no free port")
}

// receiver pulls datagrams off the socket into pool slabs and queues
// them for the emitter. Header validation happens here; the checksum is
// left to the emitter.
func (c *Client) receiver() {
	defer c.recvConn.Close()

	var slab []byte
	var scratch [1500]byte
	for !c.shutdown.Load() {
		if err := c.recvConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			log.Errorf("client: receiver deadline: %v", err)
			return
		}

		if slab == nil {
			slab = c.pool.Pop()
		}
		if slab == nil {
			// Pool exhausted: the datagram is read into a throwaway
			// buffer and dropped.
			c.stats.IncPoolExhausted()
			if _, _, err := c.recvConn.ReadFromUDP(scratch[:]); err == nil {
				log.Warningf("client: buffer overrun, datagram dropped")
				c.stats.IncPacketsDropped("exhaustion")
			}
			continue
		}

		n, _, err := c.recvConn.ReadFromUDP(slab)
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !c.shutdown.Load() {
				log.Errorf("client: receive: %v", err)
			}
			continue
		}
		if n <= 0 {
			continue
		}

		if _, err = wire.ParseHeader(slab[:n]); err != nil {
			log.Warningf("client: unsupported packet format: %v", err)
			c.stats.IncPacketsDropped("wire-format")
			continue
		}

		c.stats.IncPacketsReceived()
		c.queue.push(slab[:n])
		slab = nil
	}
	if slab != nil {
		c.pool.Push(slab)
	}
}
