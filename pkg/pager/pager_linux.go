//go:build linux
// +build linux

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

	"github.com/pkg/errors"

	"github.com/intel/ssi-pager/pkg/coordinator"
	"github.com/intel/ssi-pager/pkg/directory"
	"github.com/intel/ssi-pager/pkg/guestmem"
	"github.com/intel/ssi-pager/pkg/transport"
	"github.com/intel/ssi-pager/pkg/uffd"
)

// New builds a production pager over the given guest memory region: the
// kernel fault facility registered and reading, the best available
// transport listening, and the coordinator client bound. Call Start to
// go into service.
func New(cfg Config, region *guestmem.Region) (*Pager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if !uffd.Probe() {
		return nil, errors.Wrap(uffd.ErrFacilityUnavailable,
			"userfaultfd not usable; enable vm.unprivileged_userfaultfd or grant CAP_SYS_PTRACE")
	}

	handler, err := uffd.Register(region.Base(), region.Size())
	if err != nil {
		return nil, err
	}

	dir := directory.New(region.PageCount())
	store := &pageStore{region: region, dir: dir, installer: handler}

	// the stale-endpoint hook fires from transport goroutines; the
	// coordinator client it targets is created after the transport
	var staleMu sync.Mutex
	var stale func(peer uint32)

	tr, err := transport.New(
		transport.TCPConfig{
			NodeID:        cfg.NodeID,
			PortRange:     cfg.PortRange,
			Store:         store,
			AdvertiseAddr: cfg.AdvertiseAddr,
			OnPeerStale: func(peer uint32) {
				staleMu.Lock()
				refresh := stale
				staleMu.Unlock()
				if refresh != nil {
					refresh(peer)
				}
			},
		},
		transport.FastConfig{
			NodeID: cfg.NodeID,
			Store:  store,
			Base:   region.Base(),
			Length: region.Size(),
		},
	)
	if err != nil {
		handler.Close()
		return nil, errors.Wrap(err, "creating transport")
	}

	var coord *coordinator.Client
	if cfg.TotalNodes > 1 {
		coord = coordinator.New(coordinator.Config{
			URL:        cfg.CoordinatorURL,
			NodeID:     cfg.NodeID,
			TotalNodes: cfg.TotalNodes,
		}, tr)
		staleMu.Lock()
		stale = coord.RequestRefresh
		staleMu.Unlock()
	}

	p := assemble(cfg, region, dir, components{
		source:    handler,
		installer: handler,
		transport: tr,
		coord:     coord,
	})
	store.heat = p.stats.Heat()

	handler.Start()
	exposeDirectory(dir)
	return p, nil
}
