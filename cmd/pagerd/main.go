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

// pagerd runs one standalone paging-core node: it allocates an anonymous
// guest memory region, registers it with the kernel fault facility,
// announces its transport endpoint to the coordinator, and serves pages
// to its peers until stopped. An embedding monitor uses pkg/pager
// directly instead and hands over its own memory region.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/intel/ssi-pager/pkg/guestmem"
	"github.com/intel/ssi-pager/pkg/instrumentation"
	logger "github.com/intel/ssi-pager/pkg/log"
	"github.com/intel/ssi-pager/pkg/pager"
	"github.com/intel/ssi-pager/pkg/pidfile"
	"github.com/intel/ssi-pager/pkg/transport"
)

func main() {
	log := logger.Default()

	var (
		nodeID     uint
		totalNodes uint
		memoryMB   uint
		coordURL   string
		advertise  string
		configFile string
		migration  bool
		portRange  = transport.DefaultPortRange
	)
	flag.UintVar(&nodeID, "node-id", 0, "this node's cluster-unique identifier")
	flag.UintVar(&totalNodes, "total-nodes", 1, "cluster size at startup")
	flag.UintVar(&memoryMB, "memory-mb", 1024, "guest memory size in MiB")
	flag.StringVar(&coordURL, "coordinator-url", "", "base URL of the coordinator service")
	flag.StringVar(&advertise, "advertise-addr", "", "transport address to advertise, autodetected if empty")
	flag.StringVar(&configFile, "config", "", "optional YAML configuration file")
	flag.BoolVar(&migration, "enable-migration", false, "enable the heat-driven page migration policy")
	flag.Var(&portRange, "port-range", "transport listener port range")
	pidfilePath := flag.String("pidfile", pidfile.Path(), "pidfile location")
	flag.Parse()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	pidfile.SetPath(*pidfilePath)
	if pid, err := pidfile.OwnerPid(); err != nil {
		log.Fatal("pidfile check failed: %v", err)
	} else if pid != 0 {
		log.Fatal("another instance is already running with pid %d", pid)
	}
	pidfile.Remove()
	if err := pidfile.Write(); err != nil {
		log.Fatal("failed to write pidfile: %v", err)
	}
	defer pidfile.Remove()

	cfg := pager.Config{
		NodeID:         uint32(nodeID),
		TotalNodes:     uint32(totalNodes),
		CoordinatorURL: coordURL,
		PortRange:      portRange,
		AdvertiseAddr:  advertise,
	}
	cfg.Migration.Enabled = migration
	if configFile != "" {
		if err := pager.LoadConfig(configFile, &cfg); err != nil {
			log.Fatal("failed to load configuration: %v", err)
		}
	}

	if err := instrumentation.Setup(); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	if err := instrumentation.Start(); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	region, err := guestmem.AnonymousRegion(uint64(memoryMB) * 1024 * 1024)
	if err != nil {
		log.Fatal("failed to allocate guest memory: %v", err)
	}
	defer region.Close()

	p, err := pager.New(cfg, region)
	if err != nil {
		log.Fatal("failed to create pager: %v", err)
	}

	if err := p.Start(); err != nil {
		log.Fatal("failed to start pager: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("received %v, shutting down", sig)

	if err := p.Close(); err != nil {
		log.Error("shutdown: %v", err)
	}

	summary := p.Summary(0)
	log.Info("served %d faults (%d remote, miss ratio %.3f, median %v, p99 %v)",
		summary.TotalFaults, summary.RemoteFetches, summary.RemoteMissRatio,
		summary.MedianServiceTime.Round(time.Microsecond),
		summary.P99ServiceTime.Round(time.Microsecond))
}
