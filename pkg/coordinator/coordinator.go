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

// Package coordinator is the bridge to the external cluster control plane.
// The coordinator service owns membership and endpoint exchange; this
// client registers the local transport endpoint, discovers peers, and
// keeps the transport connected to them. All coordinator traffic runs on
// a helper goroutine; the fault path never waits on a coordinator
// round-trip.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	logger "github.com/intel/ssi-pager/pkg/log"
	"github.com/intel/ssi-pager/pkg/transport"
)

var log = logger.NewLogger("coordinator")

var (
	// ErrUnreachable reports a failed coordinator round-trip. Never fatal;
	// retried with capped backoff.
	ErrUnreachable = errors.New("coordinator unreachable")
	// ErrNotRegistered reports a peer the coordinator does not know yet.
	// Expected during cluster slow-start; retried.
	ErrNotRegistered = errors.New("peer not yet registered")
)

const (
	requestTimeout  = 3 * time.Second
	initialBackoff  = 200 * time.Millisecond
	maxBackoff      = 5 * time.Second
	discoveryPeriod = 2 * time.Second
)

// Config configures the coordinator client.
type Config struct {
	// URL is the coordinator base URL, e.g. http://coord:8000.
	URL string
	// NodeID is this node's cluster-unique identifier.
	NodeID uint32
	// TotalNodes is the cluster size at startup; endpoint snapshots stop
	// once TotalNodes-1 peers are known.
	TotalNodes uint32
}

// Client talks to the coordinator and drives transport connectivity.
type Client struct {
	cfg  Config
	http *http.Client
	tr   transport.Transport

	mu    sync.Mutex
	peers map[uint32]transport.Endpoint

	refreshCh chan uint32
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a coordinator client bound to the given transport.
func New(cfg Config, tr transport.Transport) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: requestTimeout},
		tr:        tr,
		peers:     make(map[uint32]transport.Endpoint),
		refreshCh: make(chan uint32, 16),
		stop:      make(chan struct{}),
	}
}

// url joins the base URL with a path.
func (c *Client) url(format string, args ...interface{}) string {
	return strings.TrimRight(c.cfg.URL, "/") + fmt.Sprintf(format, args...)
}

// Register announces the local transport endpoint. Retries with capped
// backoff until the coordinator accepts it or ctx expires.
func (c *Client) Register(ctx context.Context) error {
	ep := c.tr.LocalEndpoint()
	body, err := json.Marshal(ep)
	if err != nil {
		return errors.Wrap(err, "marshaling endpoint")
	}

	backoff := initialBackoff
	for {
		err := c.post(ctx, c.url("/nodes/%d/endpoint", c.cfg.NodeID), body)
		if err == nil {
			log.Info("registered endpoint %s for node %d", ep, c.cfg.NodeID)
			return nil
		}
		log.Warn("endpoint registration failed: %v, retrying in %v", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Wrap(ErrUnreachable, ctx.Err().Error())
		case <-c.stop:
			return ErrUnreachable
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return errors.Wrapf(ErrUnreachable, "%s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotRegistered
	case resp.StatusCode/100 != 2:
		io.Copy(io.Discard, resp.Body)
		return errors.Wrapf(ErrUnreachable, "%s: HTTP %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s response", url)
	}
	return nil
}

// PeerEndpoint fetches a single peer's endpoint.
func (c *Client) PeerEndpoint(ctx context.Context, peer uint32) (transport.Endpoint, error) {
	var ep transport.Endpoint
	err := c.get(ctx, c.url("/nodes/%d/endpoint", peer), &ep)
	return ep, err
}

// Endpoints fetches the full endpoint map.
func (c *Client) Endpoints(ctx context.Context) (map[uint32]transport.Endpoint, error) {
	var raw map[string]transport.Endpoint
	if err := c.get(ctx, c.url("/endpoints"), &raw); err != nil {
		return nil, err
	}

	eps := make(map[uint32]transport.Endpoint, len(raw))
	for key, ep := range raw {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid node id %q in endpoint map", key)
		}
		eps[uint32(id)] = ep
	}
	return eps, nil
}

// Healthy probes the coordinator liveness endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	var out map[string]interface{}
	return c.get(ctx, c.url("/health"), &out) == nil
}

// Start registers the local endpoint and launches the discovery loop.
// Returns once registration succeeded; peer connections are established
// asynchronously (use WaitForPeers to gate the fault path).
func (c *Client) Start(ctx context.Context) error {
	if err := c.Register(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.discoveryLoop()
	return nil
}

// discoveryLoop periodically snapshots the endpoint map and connects the
// transport to every newly discovered or refreshed peer.
func (c *Client) discoveryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(discoveryPeriod)
	defer ticker.Stop()

	// first snapshot right away
	c.snapshotPeers()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.allPeersKnown() {
				c.snapshotPeers()
			}
		case peer := <-c.refreshCh:
			c.refreshPeer(peer)
		}
	}
}

func (c *Client) allPeersKnown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(len(c.peers)) >= c.cfg.TotalNodes-1
}

// snapshotPeers fetches /endpoints and connects to every peer but self.
// "Not yet registered" peers are picked up by a later tick.
func (c *Client) snapshotPeers() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	eps, err := c.Endpoints(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotRegistered) {
			log.Warn("endpoint snapshot failed: %v", err)
		}
		return
	}

	for peer, ep := range eps {
		if peer == c.cfg.NodeID {
			continue
		}
		c.connectPeer(peer, ep)
	}
}

func (c *Client) connectPeer(peer uint32, ep transport.Endpoint) {
	c.mu.Lock()
	known, ok := c.peers[peer]
	if ok && known.Equal(ep) {
		c.mu.Unlock()
		return
	}
	c.peers[peer] = ep
	c.mu.Unlock()

	if err := c.tr.Connect(peer, ep); err != nil {
		log.Warn("connect to peer %d (%s) failed: %v", peer, ep, err)
		c.mu.Lock()
		delete(c.peers, peer)
		c.mu.Unlock()
	}
}

// RequestRefresh asks the helper to re-resolve one peer's endpoint. Safe
// to call from transport goroutines; never blocks.
func (c *Client) RequestRefresh(peer uint32) {
	select {
	case c.refreshCh <- peer:
	default:
	}
}

func (c *Client) refreshPeer(peer uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ep, err := c.PeerEndpoint(ctx, peer)
	if err != nil {
		log.Warn("endpoint refresh for peer %d failed: %v", peer, err)
		return
	}

	c.mu.Lock()
	known, ok := c.peers[peer]
	c.peers[peer] = ep
	c.mu.Unlock()

	if !ok || !known.Equal(ep) {
		log.Info("refreshed endpoint for peer %d: %s", peer, ep)
		if err := c.tr.Connect(peer, ep); err != nil {
			log.Warn("reconnect to peer %d (%s) failed: %v", peer, ep, err)
		}
	}
}

// WaitForPeers blocks until every expected peer connection is up or ctx
// expires. With a single-node cluster it returns immediately.
func (c *Client) WaitForPeers(ctx context.Context) error {
	want := int(c.cfg.TotalNodes) - 1
	if want <= 0 {
		return nil
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(c.tr.ConnectedPeers()) >= want {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrapf(ErrUnreachable,
				"%d/%d peer connections up: %v", len(c.tr.ConnectedPeers()), want, ctx.Err())
		case <-c.stop:
			return ErrUnreachable
		}
	}
}

// Peers returns a snapshot of the known peer endpoints.
func (c *Client) Peers() map[uint32]transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make(map[uint32]transport.Endpoint, len(c.peers))
	for id, ep := range c.peers {
		peers[id] = ep
	}
	return peers
}

// Close stops the discovery loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
