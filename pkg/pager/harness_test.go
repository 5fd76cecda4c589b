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

package pager

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/intel/ssi-pager/pkg/directory"
	"github.com/intel/ssi-pager/pkg/guestmem"
	"github.com/intel/ssi-pager/pkg/transport"
	"github.com/intel/ssi-pager/pkg/uffd"
)

// fakeSource feeds synthetic fault events to the resolver.
type fakeSource struct {
	events    chan uffd.Event
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan uffd.Event, 256)}
}

func (s *fakeSource) Events() <-chan uffd.Event { return s.events }

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// memInstaller resolves faults directly against heap-backed region
// memory, standing in for the kernel copy/zero/wake primitives.
type memInstaller struct {
	region *guestmem.Region

	copies atomic.Int64
	zeroes atomic.Int64
	wakes  atomic.Int64
}

func (m *memInstaller) total() int64 {
	return m.copies.Load() + m.zeroes.Load() + m.wakes.Load()
}

func (m *memInstaller) CopyPage(addr uintptr, data []byte) error {
	page, err := m.region.PageOf(addr)
	if err != nil {
		return err
	}
	mem, err := m.region.Page(page)
	if err != nil {
		return err
	}
	copy(mem, data)
	m.copies.Add(1)
	return nil
}

func (m *memInstaller) ZeroPage(addr uintptr) error {
	page, err := m.region.PageOf(addr)
	if err != nil {
		return err
	}
	mem, err := m.region.Page(page)
	if err != nil {
		return err
	}
	for i := range mem {
		mem[i] = 0
	}
	m.zeroes.Add(1)
	return nil
}

func (m *memInstaller) Wake(addr uintptr) error {
	m.wakes.Add(1)
	return nil
}

var nodePorts = transport.PortRange{First: 43051, Last: 43150}

// node is one simulated cluster node: heap-backed guest memory, a fake
// fault source and installer, and a real transport on loopback.
type node struct {
	id        uint32
	mem       []byte
	region    *guestmem.Region
	dir       *directory.Directory
	source    *fakeSource
	installer *memInstaller
	tr        *transport.TCP
	pager     *Pager

	fatals chan error
}

// nodeConfig tweaks simulated node construction.
type nodeConfig struct {
	workers    int
	retries    int
	serveDelay time.Duration
	migration  MigrationConfig
}

func newNode(t *testing.T, id, totalNodes uint32, pages int, nc nodeConfig) *node {
	t.Helper()

	mem := make([]byte, pages*guestmem.PageSize)
	region, err := guestmem.FromSlice(mem, uintptr(unsafe.Pointer(&mem[0])))
	require.NoError(t, err)

	n := &node{
		id:        id,
		mem:       mem,
		region:    region,
		dir:       directory.New(uint64(pages)),
		source:    newFakeSource(),
		installer: &memInstaller{region: region},
		fatals:    make(chan error, 16),
	}

	store := &pageStore{
		region:    region,
		dir:       n.dir,
		installer: n.installer,
	}

	tr, err := transport.NewTCP(transport.TCPConfig{
		NodeID:        id,
		PortRange:     nodePorts,
		Store:         &delayedStore{PageStore: store, delay: nc.serveDelay},
		AdvertiseAddr: "127.0.0.1",
	})
	require.NoError(t, err)
	n.tr = tr

	cfg := Config{
		NodeID:          id,
		TotalNodes:      totalNodes,
		Workers:         nc.workers,
		MaxFaultRetries: nc.retries,
		Migration:       nc.migration,
	}

	n.pager = assemble(cfg, region, n.dir, components{
		source:    n.source,
		installer: n.installer,
		transport: tr,
		fatal: func(err error) {
			select {
			case n.fatals <- err:
			default:
			}
		},
	})
	store.heat = n.pager.stats.Heat()

	require.NoError(t, n.pager.Start())
	t.Cleanup(func() { n.pager.Close() })
	return n
}

// delayedStore injects serve latency for coalescing and disconnect tests.
type delayedStore struct {
	transport.PageStore
	delay time.Duration
}

func (d *delayedStore) ReadPage(peer uint32, page uint64) ([]byte, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.PageStore.ReadPage(peer, page)
}

// connectNodes establishes the full mesh between the simulated nodes.
func connectNodes(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, a := range nodes {
		for _, b := range nodes {
			if a.id == b.id {
				continue
			}
			require.NoError(t, a.tr.Connect(b.id, b.tr.LocalEndpoint()))
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for _, a := range nodes {
		for len(a.tr.ConnectedPeers()) < len(nodes)-1 {
			if time.Now().After(deadline) {
				t.Fatal("cluster mesh not up after 5s")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// touch emulates a guest access faulting on the given page.
func (n *node) touch(t *testing.T, page uint64) {
	t.Helper()
	addr, err := n.region.PageAddr(page)
	require.NoError(t, err)
	n.source.events <- uffd.Event{Addr: addr, Access: uffd.Write}
}

// waitResolved blocks until the installer has resolved want faults.
func (n *node) waitResolved(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for n.installer.total() < want {
		select {
		case err := <-n.fatals:
			t.Fatalf("guest terminated: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d faults resolved after 30s", n.installer.total(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// requireNoFatal asserts the guest was not terminated.
func (n *node) requireNoFatal(t *testing.T) {
	t.Helper()
	select {
	case err := <-n.fatals:
		t.Fatalf("unexpected guest termination: %v", err)
	default:
	}
}
