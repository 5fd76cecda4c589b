// Copyright 2023 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testStore is an in-memory PageStore.
type testStore struct {
	mu         sync.Mutex
	pages      map[uint64][]byte
	installs   map[uint64][]byte
	serves     atomic.Int64
	serveDelay time.Duration
}

func newTestStore() *testStore {
	return &testStore{
		pages:    make(map[uint64][]byte),
		installs: make(map[uint64][]byte),
	}
}

func (s *testStore) put(page uint64, fill byte) []byte {
	data := make([]byte, PageSize)
	for i := range data {
		data[i] = fill
	}
	s.mu.Lock()
	s.pages[page] = data
	s.mu.Unlock()
	return data
}

func (s *testStore) ReadPage(peer uint32, page uint64) ([]byte, error) {
	s.serves.Add(1)
	if s.serveDelay > 0 {
		time.Sleep(s.serveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pages[page]
	if !ok {
		return nil, errors.Errorf("page %d not local", page)
	}
	return data, nil
}

func (s *testStore) InstallPage(peer uint32, page uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	installed := make([]byte, len(data))
	copy(installed, data)
	s.installs[page] = installed
	return nil
}

var testPorts = PortRange{First: 42051, Last: 42150}

func newTestTransport(t *testing.T, node uint32, store *testStore) *TCP {
	t.Helper()
	tr, err := NewTCP(TCPConfig{
		NodeID:        node,
		PortRange:     testPorts,
		Store:         store,
		AdvertiseAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitConnected(t *testing.T, tr *TCP, peers int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.ConnectedPeers()) >= peers {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d peer connections not up after 5s", peers)
}

func TestFetchAndPush(t *testing.T) {
	storeA := newTestStore()
	storeB := newTestStore()
	a := newTestTransport(t, 0, storeA)
	b := newTestTransport(t, 1, storeB)

	want := storeB.put(5, 0xAB)

	require.NoError(t, a.Connect(1, b.LocalEndpoint()))
	waitConnected(t, a, 1)

	data, rtt, err := a.Fetch(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Equal(t, want, data)
	require.Greater(t, rtt, time.Duration(0))

	pushed := make([]byte, PageSize)
	for i := range pushed {
		pushed[i] = 0x5A
	}
	_, err = a.Push(context.Background(), 1, 9, pushed)
	require.NoError(t, err)

	storeB.mu.Lock()
	installed := storeB.installs[9]
	storeB.mu.Unlock()
	require.Equal(t, pushed, installed)
}

func TestConnectIdempotent(t *testing.T) {
	a := newTestTransport(t, 0, newTestStore())
	b := newTestTransport(t, 1, newTestStore())

	ep := b.LocalEndpoint()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Connect(1, ep))
	}
	waitConnected(t, a, 1)

	a.mu.Lock()
	peers := len(a.peers)
	a.mu.Unlock()
	require.Equal(t, 1, peers, "repeated connects must not create additional connections")
	require.Len(t, a.ConnectedPeers(), 1)
}

func TestFetchOfUnservedPage(t *testing.T) {
	a := newTestTransport(t, 0, newTestStore())
	b := newTestTransport(t, 1, newTestStore())

	require.NoError(t, a.Connect(1, b.LocalEndpoint()))
	waitConnected(t, a, 1)

	_, _, err := a.Fetch(context.Background(), 1, 77)
	require.ErrorIs(t, err, ErrRemote)
}

func TestFetchTimeout(t *testing.T) {
	storeB := newTestStore()
	storeB.put(1, 0x11)
	storeB.serveDelay = 300 * time.Millisecond

	a := newTestTransport(t, 0, newTestStore())
	b := newTestTransport(t, 1, storeB)

	require.NoError(t, a.Connect(1, b.LocalEndpoint()))
	waitConnected(t, a, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := a.Fetch(ctx, 1, 1)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestFetchOfUnknownPeer(t *testing.T) {
	a := newTestTransport(t, 0, newTestStore())
	_, _, err := a.Fetch(context.Background(), 9, 0)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

// TestDisconnectMidFetch drops the serving node mid-fetch; the fetch fails
// with PeerUnreachable, and once a node returns on the same endpoint the
// transport reconnects by itself and the retry succeeds.
func TestDisconnectMidFetch(t *testing.T) {
	storeA := newTestStore()
	storeB := newTestStore()
	want := storeB.put(3, 0xC3)
	storeB.serveDelay = 400 * time.Millisecond

	a := newTestTransport(t, 0, storeA)

	b, err := NewTCP(TCPConfig{
		NodeID:        1,
		PortRange:     testPorts,
		Store:         storeB,
		AdvertiseAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	ep := b.LocalEndpoint()

	require.NoError(t, a.Connect(1, ep))
	waitConnected(t, a, 1)

	fetchErr := make(chan error, 1)
	go func() {
		_, _, err := a.Fetch(context.Background(), 1, 3)
		fetchErr <- err
	}()

	// kill the serving node while the fetch is being served
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Close())

	err = <-fetchErr
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPeerUnreachable)

	// the node comes back on the same endpoint
	storeB.serveDelay = 0
	b2, err := NewTCP(TCPConfig{
		NodeID:        1,
		PortRange:     PortRange{First: ep.TCPPort, Last: ep.TCPPort},
		Store:         storeB,
		AdvertiseAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { b2.Close() })

	// the reconnect loop picks the connection back up
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, _, err := a.Fetch(context.Background(), 1, 3)
		if err == nil {
			require.Equal(t, want, data)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetch did not recover after reconnect: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestMeasureLatencyAndTier(t *testing.T) {
	a := newTestTransport(t, 0, newTestStore())
	b := newTestTransport(t, 1, newTestStore())

	require.NoError(t, a.Connect(1, b.LocalEndpoint()))
	waitConnected(t, a, 1)

	rtt, err := a.MeasureLatency(1)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	tier := a.Tier()
	require.Contains(t, []Tier{TierStandard, TierBasic}, tier)
}

func TestParallelFetches(t *testing.T) {
	storeB := newTestStore()
	for page := uint64(0); page < 32; page++ {
		storeB.put(page, byte(page))
	}

	a := newTestTransport(t, 0, newTestStore())
	b := newTestTransport(t, 1, storeB)

	require.NoError(t, a.Connect(1, b.LocalEndpoint()))
	waitConnected(t, a, 1)

	var wg sync.WaitGroup
	for page := uint64(0); page < 32; page++ {
		wg.Add(1)
		go func(page uint64) {
			defer wg.Done()
			data, _, err := a.Fetch(context.Background(), 1, page)
			if err != nil {
				t.Errorf("fetch of page %d: %v", page, err)
				return
			}
			if data[0] != byte(page) {
				t.Errorf("page %d: got fill %#x", page, data[0])
			}
		}(page)
	}
	wg.Wait()
}
