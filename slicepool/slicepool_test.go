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

package slicepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPopPush(t *testing.T) {
	p := New(2, 128)
	require.Equal(t, 2, p.Free())
	require.Equal(t, 128, p.SlabSize())

	a := p.Pop()
	b := p.Pop()
	require.Len(t, a, 128)
	require.Len(t, b, 128)
	require.Equal(t, 0, p.Free())

	// Exhausted pool fails the pop instead of growing.
	require.Nil(t, p.Pop())

	p.Push(a)
	require.Equal(t, 1, p.Free())
	c := p.Pop()
	require.Len(t, c, 128)
}

func TestPushRestoresLength(t *testing.T) {
	p := New(1, 64)
	a := p.Pop()
	p.Push(a[:7])
	b := p.Pop()
	require.Len(t, b, 64)
}
