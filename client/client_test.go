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

package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanscan/sonarwire/param"
	"github.com/oceanscan/sonarwire/server"
	"github.com/oceanscan/sonarwire/sonar"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	store := param.NewMemStore([]param.Key{
		{Name: "/sonar/enable", Kind: param.KindBool},
		{Name: "/sonar/gain", Kind: param.KindInt64},
		{Name: "/sonar/frequency", Kind: param.KindFloat},
		{Name: "/sonar/label", Kind: param.KindString},
		{Name: "/sonar/mark", Kind: param.KindInt64},
	})
	srv, err := server.New(&server.Config{Host: "127.0.0.1"}, store, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialTestClient(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c, err := Dial(Config{
		Host:    "127.0.0.1",
		Port:    srv.LocalAddr().Port,
		Timeout: time.Second,
		NExec:   2,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestDialFetchesSchema(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv)
	defer c.Close()

	schema := c.Schema()
	require.Contains(t, schema.ID, "sonar-schema-")
	require.Contains(t, schema.Data, "/sonar/frequency")

	host, port := c.ReceiverAddr()
	require.Equal(t, "127.0.0.1", host)
	require.GreaterOrEqual(t, port, sonar.MinPort)
	require.Less(t, port, sonar.MaxPort)
}

// SET with one value of each type plus a null; GET returns matching
// values with matching type tags in the same order.
func TestSetGetAllKinds(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv)
	defer c.Close()

	names := []string{"/sonar/enable", "/sonar/gain", "/sonar/frequency", "/sonar/label", "/sonar/mark"}
	set := []param.Value{
		param.Bool(true),
		param.Int64(-77),
		param.Float(115200.5),
		param.String("survey"),
		param.Null(),
	}
	require.NoError(t, c.Set(names, set))

	got, err := c.Get(names)
	require.NoError(t, err)
	require.Len(t, got, len(names))
	for i := range names {
		require.Equal(t, set[i].Kind(), got[i].Kind(), "key %s", names[i])
	}
	require.True(t, got[0].AsBool())
	require.Equal(t, int64(-77), got[1].AsInt64())
	require.Equal(t, 115200.5, got[2].AsFloat())
	require.Equal(t, "survey", got[3].AsString())
	require.True(t, got[4].IsNull())
}

func TestSetUnknownKeyFails(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv)
	defer c.Close()

	err := c.Set([]string{"/nowhere"}, []param.Value{param.Bool(true)})
	require.Error(t, err)
}

// Two clients race for the master role; exactly one wins, and closing
// the winner hands the role over on the next claim.
func TestMasterHandover(t *testing.T) {
	srv := startTestServer(t)

	c1 := dialTestClient(t, srv)
	c2 := dialTestClient(t, srv)
	defer c2.Close()

	require.NoError(t, c1.SetMaster())
	require.ErrorIs(t, c2.SetMaster(), ErrMaster)

	// The losing client keeps its RPC session.
	_, err := c2.Get([]string{"/sonar/gain"})
	require.NoError(t, err)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		return c2.SetMaster() == nil
	}, 3*time.Second, 100*time.Millisecond)
}

func TestDataDelivery(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv)
	defer c.Close()

	var mu sync.Mutex
	var got []*sonar.Message
	c.Subscribe(func(msg *sonar.Message) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		mu.Lock()
		got = append(got, &sonar.Message{
			Time: msg.Time, ID: msg.ID, Type: msg.Type,
			Rate: msg.Rate, Size: msg.Size, Data: data,
		})
		mu.Unlock()
	})

	require.NoError(t, c.SetMaster())

	data := make([]byte, 70000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	msg := &sonar.Message{Time: 123456, ID: 1, Type: 9, Rate: 96000, Size: 70000, Data: data}
	srv.Send(msg)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, msg.Time, got[0].Time)
	require.Equal(t, msg.ID, got[0].ID)
	require.Equal(t, msg.Type, got[0].Type)
	require.Equal(t, msg.Rate, got[0].Rate)
	require.Equal(t, data, got[0].Data)
}

// Without the master role no data arrives.
func TestNoDataWithoutMaster(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv)
	defer c.Close()

	var count int
	var mu sync.Mutex
	c.Subscribe(func(*sonar.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	srv.Send(&sonar.Message{Time: 1, ID: 1, Size: 8, Data: make([]byte, 8)})
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}
