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
	"os"

	"github.com/pkg/errors"
)

// The fast tier performs one-sided remote-memory reads against a
// pre-registered page pool on the peer, with queue-pair connection state
// (qpn/lid/gid/psn) exchanged through the coordinator. It implements the
// same capability as the standard tier; tier selection happens once at
// startup and the resolver never branches on it.

// FastConfig configures the fast-tier transport.
type FastConfig struct {
	NodeID uint32
	Store  PageStore

	// Base and Length describe the guest memory range to register with
	// the remote-memory hardware for one-sided reads.
	Base   uintptr
	Length uint64
}

// NewFast constructs the fast-tier transport. It requires RDMA-capable
// hardware and a verbs stack on the host; without them the constructor
// reports ErrTierUnavailable and callers fall back to the standard tier.
func NewFast(cfg FastConfig) (Transport, error) {
	if cfg.Length == 0 {
		return nil, errors.Wrap(ErrTierUnavailable, "no memory range to register")
	}
	devices, err := remoteMemoryDevices()
	if err != nil || len(devices) == 0 {
		return nil, errors.Wrap(ErrTierUnavailable, "no remote-memory capable device")
	}
	// Devices are present but the one-sided data path needs a userspace
	// verbs stack this build does not carry.
	log.Info("remote-memory devices present (%v) but unsupported in this build", devices)
	return nil, errors.Wrap(ErrTierUnavailable, "remote-memory data path not supported in this build")
}

// remoteMemoryDevices lists RDMA-capable devices on the host.
func remoteMemoryDevices() ([]string, error) {
	entries, err := os.ReadDir("/sys/class/infiniband")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// New auto-selects the best available transport: fast when the hardware
// supports it, standard otherwise.
func New(tcpCfg TCPConfig, fastCfg FastConfig) (Transport, error) {
	t, err := NewFast(fastCfg)
	if err == nil {
		log.Info("using fast transport (one-sided remote memory)")
		return t, nil
	}
	if !errors.Is(err, ErrTierUnavailable) {
		return nil, err
	}

	log.Info("fast transport unavailable, using standard transport")
	return NewTCP(tcpCfg)
}
