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

// Package pager is the distributed demand-paging core. It turns faults on
// the guest memory region into installed pages: unclaimed pages are
// claimed first-touch and zero-filled, remotely owned pages are fetched
// from their owner over the transport, and concurrent faults on one page
// coalesce into a single fetch.
package pager

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel/ssi-pager/pkg/coordinator"
	"github.com/intel/ssi-pager/pkg/directory"
	"github.com/intel/ssi-pager/pkg/guestmem"
	logger "github.com/intel/ssi-pager/pkg/log"
	"github.com/intel/ssi-pager/pkg/metrics"
	"github.com/intel/ssi-pager/pkg/stats"
	"github.com/intel/ssi-pager/pkg/transport"
	"github.com/intel/ssi-pager/pkg/uffd"
)

var log = logger.NewLogger("pager")
var warnLog = logger.RateLimit(log, logger.Interval(time.Second))

// startupTimeout bounds coordinator registration and initial peer
// connectivity before Start gives up.
const startupTimeout = 60 * time.Second

// Pager is one node's paging core instance.
type Pager struct {
	cfg    Config
	region *guestmem.Region
	dir    *directory.Directory

	source    uffd.FaultSource
	installer uffd.Installer
	transport transport.Transport
	coord     *coordinator.Client
	stats     *stats.Collector

	// fatal is invoked when a fault cannot be resolved; by default it
	// terminates the process (and with it the guest).
	fatal func(error)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// components are the injectable parts of a pager; production assembly in
// New fills them from the kernel facility and the network, tests from
// in-memory fakes.
type components struct {
	source    uffd.FaultSource
	installer uffd.Installer
	transport transport.Transport
	coord     *coordinator.Client
	fatal     func(error)
}

// assemble wires a pager from explicit components and seeds the
// directory with the cluster partition map.
func assemble(cfg Config, region *guestmem.Region, dir *directory.Directory, c components) *Pager {
	cfg = cfg.withDefaults()
	initPlacement(dir, cfg.NodeID, cfg.TotalNodes)
	p := &Pager{
		cfg:       cfg,
		region:    region,
		dir:       dir,
		source:    c.source,
		installer: c.installer,
		transport: c.transport,
		coord:     c.coord,
		stats:     stats.NewCollector(cfg.Workers, cfg.StatsRingSize),
		fatal:     c.fatal,
		stop:      make(chan struct{}),
	}
	if p.fatal == nil {
		p.fatal = func(err error) {
			log.Fatal("guest terminated: %v", err)
		}
	}
	return p
}

// Start brings the node into service: the endpoint is registered with the
// coordinator, the expected peer connections are up, and the fault
// consumers are running. The monitor must not start vCPUs before Start
// returns.
func (p *Pager) Start() error {
	if p.started {
		return errors.New("pager already started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if p.coord != nil {
		if err := p.coord.Start(ctx); err != nil {
			return errors.Wrap(err, "coordinator registration failed")
		}
		if err := p.coord.WaitForPeers(ctx); err != nil {
			return errors.Wrap(err, "peer connectivity not established")
		}
	}

	for w := 0; w < p.cfg.Workers; w++ {
		p.wg.Add(1)
		go p.worker(w)
	}

	if p.cfg.Migration.Enabled {
		p.wg.Add(1)
		go p.migrateLoop()
	}

	p.started = true
	log.Info("pager serving %d pages on node %d (%d workers, %s transport)",
		p.region.PageCount(), p.cfg.NodeID, p.cfg.Workers, p.transport.Tier())
	return nil
}

// Directory exposes the ownership map for diagnostics and tests.
func (p *Pager) Directory() *directory.Directory {
	return p.dir
}

// Stats exposes the fault statistics collector.
func (p *Pager) Stats() *stats.Collector {
	return p.stats
}

// Summary derives the fault statistics over the given window.
func (p *Pager) Summary(window time.Duration) stats.Summary {
	return p.stats.Summarize(window)
}

// Close drains and tears down the core: the fault source stops, the
// directory closes (coalesced waiters and new fetches fail with the
// shutdown error; a fetch already sent completes or times out), workers
// exit, then the coordinator client and connections close.
func (p *Pager) Close() error {
	var errs *multierror.Error

	p.stopOnce.Do(func() { close(p.stop) })

	if err := p.source.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "closing fault source"))
	}
	p.dir.Close()
	p.wg.Wait()

	if p.coord != nil {
		p.coord.Close()
	}
	if err := p.transport.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "closing transport"))
	}

	log.Info("pager on node %d stopped", p.cfg.NodeID)
	return errs.ErrorOrNil()
}

// registerTelemetry exposes the directory-backed gauges once per process.
var registerTelemetry sync.Once

func exposeDirectory(dir *directory.Directory) {
	registerTelemetry.Do(func() {
		metrics.RegisterPageGauges(dir)
	})
}
