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
Package param defines the typed parameter values and the store interface
the transport carries. The actual key tree lives behind the Store
interface; MemStore is a flat in-memory implementation used by the
daemon and the tests.
*/
package param

import "fmt"

// Kind is the wire type tag of a parameter value.
type Kind uint32

// Wire type tags
const (
	KindNull   Kind = 0
	KindBool   Kind = 1
	KindInt64  Kind = 2
	KindFloat  Kind = 3
	KindString Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat:
		return "float64"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Value is one typed parameter value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Bool returns a boolean value.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// Int64 returns an integer value.
func Int64(v int64) Value {
	return Value{kind: KindInt64, i: v}
}

// Float returns a floating point value.
func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// String returns a string value.
func String(v string) Value {
	return Value{kind: KindString, s: v}
}

// Kind returns the type tag of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the boolean payload.
func (v Value) AsBool() bool {
	return v.b
}

// AsInt64 returns the integer payload.
func (v Value) AsInt64() int64 {
	return v.i
}

// AsFloat returns the floating point payload.
func (v Value) AsFloat() float64 {
	return v.f
}

// AsString returns the string payload.
func (v Value) AsString() string {
	return v.s
}

// Format renders the value for human consumption.
func (v Value) Format() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	}
	return "?"
}
