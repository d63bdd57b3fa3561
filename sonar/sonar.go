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
Package sonar defines the data message model shared by the server and
client transports, and the RPC procedure/slot numbering of the parameter
protocol.
*/
package sonar

import "github.com/oceanscan/sonarwire/urpc"

// Message is the logical unit of sonar data. Messages with the same ID
// form an independent stream; Time is monotonically non-decreasing
// within a stream.
type Message struct {
	// Time is a monotonic timestamp in microseconds.
	Time int64
	// ID identifies the data source.
	ID uint32
	// Type is an opaque data format tag.
	Type uint32
	// Rate is the sampling rate in Hz, forwarded opaquely.
	Rate float32
	// Size is the total payload size in bytes.
	Size uint32
	// Data holds Size bytes of payload. Ownership stays with the
	// emitting component; subscribers must consume synchronously.
	Data []byte
}

// Subscriber consumes emitted messages. It is called synchronously on
// the emitter goroutine.
type Subscriber func(*Message)

// RPC status codes
const (
	StatusOK   uint32 = 1
	StatusFail uint32 = 0
)

// UDP port window for the data sink and the client receive socket
const (
	MinPort = 10000
	MaxPort = 50000
)

// MaxParams bounds the number of parameter slots in one SET/GET call.
// At most MaxParams-1 parameters fit in a single request.
const MaxParams = 1024

// Parameter RPC procedures
const (
	ProcVersion   = urpc.ProcUser + 0
	ProcGetSchema = urpc.ProcUser + 1
	ProcSetMaster = urpc.ProcUser + 2
	ProcSet       = urpc.ProcUser + 3
	ProcGet       = urpc.ProcUser + 4
)

// Parameter RPC slots. NAME/TYPE/VALUE are indexed slot ranges of
// MaxParams entries each.
const (
	ParamVersion    = urpc.ParamUser + 0
	ParamMagic      = urpc.ParamUser + 1
	ParamStatus     = urpc.ParamUser + 2
	ParamSchemaData = urpc.ParamUser + 3
	ParamSchemaSize = urpc.ParamUser + 4
	ParamSchemaID   = urpc.ParamUser + 5
	ParamMasterHost = urpc.ParamUser + 6
	ParamMasterPort = urpc.ParamUser + 7
	ParamName0      = urpc.ParamUser + 8
	ParamType0      = ParamName0 + MaxParams
	ParamValue0     = ParamType0 + MaxParams
)
