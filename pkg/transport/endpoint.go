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
	"fmt"
	"net"
	"strconv"
)

// Kind selects the transport implementation an endpoint belongs to.
type Kind string

const (
	// KindStandard is the framed stream transport.
	KindStandard Kind = "standard"
	// KindFast is the one-sided remote-memory transport.
	KindFast Kind = "fast"
)

// Endpoint is the wire-visible address of one node's transport. The JSON
// shape is shared with the coordinator; fields irrelevant to the kind are
// omitted. Endpoints are opaque above the transport layer.
type Endpoint struct {
	Kind Kind `json:"transport_type"`

	TCPAddr string `json:"tcp_addr,omitempty"`
	TCPPort uint16 `json:"tcp_port,omitempty"`

	RDMAQpn uint32 `json:"rdma_qpn,omitempty"`
	RDMALid uint16 `json:"rdma_lid,omitempty"`
	RDMAGid string `json:"rdma_gid,omitempty"`
	RDMAPsn uint32 `json:"rdma_psn,omitempty"`
}

// Address returns the dialable host:port of a standard endpoint.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.TCPAddr, strconv.Itoa(int(e.TCPPort)))
}

// Equal reports whether two endpoints denote the same destination.
func (e Endpoint) Equal(other Endpoint) bool {
	return e == other
}

// String formats the endpoint for logs.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindFast:
		return fmt.Sprintf("fast(qpn=%d lid=%d gid=%s psn=%d)", e.RDMAQpn, e.RDMALid, e.RDMAGid, e.RDMAPsn)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Address())
	}
}

// PortRange is the inclusive listener port range for the standard tier;
// the first free port is bound and advertised.
type PortRange struct {
	First uint16
	Last  uint16
}

// DefaultPortRange matches the deployment default.
var DefaultPortRange = PortRange{First: 50051, Last: 50100}

// Set parses a "first-last" range from the command line.
func (r *PortRange) Set(value string) error {
	var first, last uint16
	if _, err := fmt.Sscanf(value, "%d-%d", &first, &last); err != nil {
		return fmt.Errorf("invalid port range %q (expected first-last): %v", value, err)
	}
	if first == 0 || last < first {
		return fmt.Errorf("invalid port range %q", value)
	}
	r.First, r.Last = first, last
	return nil
}

// String formats the range as "first-last".
func (r *PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// localIP picks the address to advertise when the listener is bound to the
// unspecified address: the first global unicast interface address, falling
// back to loopback.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.To4() == nil {
			continue
		}
		return ip.String()
	}
	return "127.0.0.1"
}
