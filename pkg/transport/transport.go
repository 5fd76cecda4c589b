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

// Package transport carries fixed-size page payloads between peer nodes.
// The resolver sees a uniform capability; the implementation tier behind it
// (one-sided remote-memory reads or framed streams over TCP) is a
// startup-time decision and never leaks above this boundary.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// PageSize is the transfer granularity.
const PageSize = 4096

// Tier is the observed performance class of a transport.
type Tier int

const (
	// TierFast is a one-sided remote-memory transport, median < 100µs.
	TierFast Tier = iota
	// TierStandard is framed streams on a fast network, 200-500µs.
	TierStandard
	// TierBasic is the same protocol on a general network, > 500µs.
	// Acceptable for development only.
	TierBasic
)

// String returns the name of the tier.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierBasic:
		return "basic"
	}
	return "unknown"
}

// ExpectedLatency returns the nominal per-page transfer latency of the tier.
func (t Tier) ExpectedLatency() time.Duration {
	switch t {
	case TierFast:
		return 50 * time.Microsecond
	case TierStandard:
		return 350 * time.Microsecond
	}
	return time.Millisecond
}

var (
	// ErrPeerUnreachable reports a lost or unestablished peer connection.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrProtocolViolation reports a malformed or ill-sized frame.
	ErrProtocolViolation = errors.New("transport protocol violation")
	// ErrTimeout reports an expired per-request deadline.
	ErrTimeout = errors.New("transport request timed out")
	// ErrRemote reports an error frame sent by the serving peer.
	ErrRemote = errors.New("remote node reported an error")
	// ErrShutdown reports an operation on a closed transport.
	ErrShutdown = errors.New("transport closed")
	// ErrTierUnavailable reports that the requested transport tier cannot
	// be constructed on this host.
	ErrTierUnavailable = errors.New("transport tier unavailable")
	// ErrUnknownPeer reports an operation on a peer that was never
	// connected.
	ErrUnknownPeer = errors.New("unknown peer")
)

// PeerUnknown marks a served request whose originating peer could not be
// identified from the connection.
const PeerUnknown = ^uint32(0)

// PageStore is the transport server's view of local guest memory. ReadPage
// is invoked for every fetch request and decides whether the page can be
// served; InstallPage stores pushed bytes and transfers ownership to this node.
// peer is the requesting node, or PeerUnknown; it feeds heat accounting
// only and never affects the result.
type PageStore interface {
	ReadPage(peer uint32, page uint64) ([]byte, error)
	InstallPage(peer uint32, page uint64, data []byte) error
}

// Transport is the capability the resolver drives.
type Transport interface {
	// LocalEndpoint returns the address this node advertises to peers.
	LocalEndpoint() Endpoint

	// Connect idempotently establishes the channel to a peer. Repeated
	// calls with the same endpoint are no-ops.
	Connect(peer uint32, ep Endpoint) error

	// Fetch retrieves one page from the peer. Synchronous; fetches for
	// different pages may run in parallel. The returned duration is the
	// observed service time.
	Fetch(ctx context.Context, peer uint32, page uint64) ([]byte, time.Duration, error)

	// Push sends one page to the peer, which installs it and takes
	// ownership. Used by migration and remote placement.
	Push(ctx context.Context, peer uint32, page uint64, data []byte) (time.Duration, error)

	// MeasureLatency probes the round-trip time to a peer.
	MeasureLatency(peer uint32) (time.Duration, error)

	// ConnectedPeers lists the peers with an established connection.
	ConnectedPeers() []uint32

	// Tier reports the observed performance class, for logs and policy
	// only; the resolver never branches on it.
	Tier() Tier

	// Close tears down all peer connections and the listener.
	Close() error
}

// DefaultRequestTimeout bounds a single fetch or push when the caller's
// context carries no deadline.
const DefaultRequestTimeout = 5 * time.Second

// reqContext applies the default per-request deadline.
func reqContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}
