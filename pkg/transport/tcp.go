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
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	logger "github.com/intel/ssi-pager/pkg/log"
	"github.com/intel/ssi-pager/pkg/metrics"
)

const (
	dialTimeout    = 2 * time.Second
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second

	// consecutive dial failures before the endpoint is reported stale
	staleFailureLimit = 3

	// outbound frames queued per connection; a full queue blocks the
	// enqueuer, which is the system's pressure relief
	outboundQueueDepth = 128

	// keep-alive ping on this much connection idle time
	keepAliveInterval = 15 * time.Second

	// observed RTT at or above this classifies the link as basic tier
	basicTierRTT = 500 * time.Microsecond
)

var log = logger.NewLogger("transport")
var warnLog = logger.RateLimit(log, logger.Interval(time.Second))

// TCPConfig configures the standard-tier transport.
type TCPConfig struct {
	NodeID    uint32
	PortRange PortRange
	Store     PageStore

	// AdvertiseAddr overrides the autodetected address in the local
	// endpoint; used when nodes sit behind known interfaces and in tests.
	AdvertiseAddr string

	// OnPeerStale is called (from a transport goroutine) after repeated
	// consecutive dial failures; the coordinator client uses it to
	// re-resolve the peer endpoint.
	OnPeerStale func(peer uint32)
}

// TCP is the standard-tier transport: one persistent framed stream per
// peer, a listener serving inbound fetch/push traffic, and per-request
// response slots on the client side.
type TCP struct {
	cfg      TCPConfig
	listener net.Listener
	local    Endpoint

	mu    sync.Mutex
	peers map[uint32]*tcpPeer

	reqID atomic.Uint64
	tier  atomic.Int32

	stop   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewTCP binds the first free port in the configured range, starts the
// acceptor, and returns the transport.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.Store == nil {
		return nil, errors.New("transport: no page store")
	}
	if cfg.PortRange.First == 0 {
		cfg.PortRange = DefaultPortRange
	}

	var listener net.Listener
	var port uint16
	var err error
	for p := cfg.PortRange.First; p <= cfg.PortRange.Last; p++ {
		listener, err = net.Listen("tcp", ":"+strconv.Itoa(int(p)))
		if err == nil {
			port = p
			break
		}
	}
	if listener == nil {
		if err == nil {
			err = errors.Errorf("empty port range %s", cfg.PortRange.String())
		}
		return nil, errors.Wrapf(err, "no free port in range %s", cfg.PortRange.String())
	}

	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = localIP()
	}

	t := &TCP{
		cfg:      cfg,
		listener: listener,
		local: Endpoint{
			Kind:    KindStandard,
			TCPAddr: addr,
			TCPPort: port,
		},
		peers: make(map[uint32]*tcpPeer),
		stop:  make(chan struct{}),
	}
	t.tier.Store(int32(TierStandard))

	t.wg.Add(1)
	go t.acceptLoop()

	log.Info("standard transport listening on %s (node %d)", t.local.Address(), cfg.NodeID)
	return t, nil
}

// LocalEndpoint returns the advertised endpoint.
func (t *TCP) LocalEndpoint() Endpoint {
	return t.local
}

// Tier reports the performance class from the most recent latency probe of
// any link.
func (t *TCP) Tier() Tier {
	return Tier(t.tier.Load())
}

// tcpConn is one live connection with its outbound queue. fail is
// idempotent; it tears the connection down and releases the writer.
type tcpConn struct {
	c    net.Conn
	out  chan *Frame
	down chan struct{}
	once sync.Once
}

func newTCPConn(c net.Conn) *tcpConn {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpConn{
		c:    c,
		out:  make(chan *Frame, outboundQueueDepth),
		down: make(chan struct{}),
	}
}

func (pc *tcpConn) fail() {
	pc.once.Do(func() {
		close(pc.down)
		pc.c.Close()
	})
}

// enqueue places a frame on the outbound queue, blocking on a full queue
// until the connection dies or the context expires.
func (pc *tcpConn) enqueue(ctx context.Context, f *Frame) error {
	select {
	case pc.out <- f:
		return nil
	case <-pc.down:
		return ErrPeerUnreachable
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

// tcpPeer is the client-side state for one peer.
type tcpPeer struct {
	id uint32
	t  *TCP

	mu sync.Mutex
	ep Endpoint

	conn atomic.Pointer[tcpConn]

	pmu     sync.Mutex
	pending map[uint64]chan *Frame

	lastSend atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// Connect idempotently establishes the channel to a peer. A changed
// endpoint forces a reconnect to the new address.
func (t *TCP) Connect(peer uint32, ep Endpoint) error {
	if t.closed.Load() {
		return ErrShutdown
	}
	if ep.Kind != KindStandard {
		return errors.Wrapf(ErrTierUnavailable, "cannot connect standard transport to %s endpoint", ep.Kind)
	}

	t.mu.Lock()
	p, ok := t.peers[peer]
	if ok {
		p.mu.Lock()
		same := p.ep.Equal(ep)
		p.ep = ep
		p.mu.Unlock()
		t.mu.Unlock()
		if !same {
			log.Info("peer %d endpoint changed to %s, reconnecting", peer, ep)
			if pc := p.conn.Load(); pc != nil {
				pc.fail()
			}
		}
		return nil
	}

	p = &tcpPeer{
		id:      peer,
		t:       t,
		ep:      ep,
		pending: make(map[uint64]chan *Frame),
		stop:    make(chan struct{}),
	}
	t.peers[peer] = p
	t.mu.Unlock()

	log.Info("connecting to peer %d at %s", peer, ep)
	t.wg.Add(1)
	go p.run()
	return nil
}

// run maintains the peer connection for the transport's lifetime:
// dial, hand the connection to reader/writer, redial on failure with
// exponential backoff.
func (p *tcpPeer) run() {
	defer p.t.wg.Done()

	backoff := initialBackoff
	failures := 0

	for {
		select {
		case <-p.stop:
			return
		case <-p.t.stop:
			return
		default:
		}

		p.mu.Lock()
		addr := p.ep.Address()
		p.mu.Unlock()

		c, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			failures++
			warnLog.Warn("dial peer %d (%s) failed: %v", p.id, addr, err)
			metrics.TransportErrors.WithLabelValues("unreachable", metrics.PeerLabel(p.id)).Inc()
			if failures%staleFailureLimit == 0 && p.t.cfg.OnPeerStale != nil {
				p.t.cfg.OnPeerStale(p.id)
			}
			if !sleepOrStop(backoff, p.stop, p.t.stop) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		pc := newTCPConn(c)
		p.conn.Store(pc)
		metrics.PeerConnectionsUp.Inc()
		log.Info("connected to peer %d at %s", p.id, addr)
		failures = 0
		backoff = initialBackoff

		p.t.wg.Add(2)
		go p.t.writeLoop(pc)
		go p.t.readLoop(pc, p)

		go p.t.observeTier(p)

		p.keepAlive(pc)

		// connection died or we are shutting down
		p.conn.CompareAndSwap(pc, nil)
		pc.fail()
		metrics.PeerConnectionsUp.Dec()
		p.failPending()

		select {
		case <-p.stop:
			return
		case <-p.t.stop:
			return
		default:
			warnLog.Warn("connection to peer %d lost, reconnecting", p.id)
		}
	}
}

// keepAlive pings the peer on idle until the connection dies.
func (p *tcpPeer) keepAlive(pc *tcpConn) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.down:
			return
		case <-p.stop:
			return
		case <-p.t.stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, p.lastSend.Load()))
			if idle < keepAliveInterval {
				continue
			}
			go func() {
				if _, err := p.t.MeasureLatency(p.id); err != nil {
					warnLog.Warn("keep-alive ping to peer %d failed: %v", p.id, err)
				}
			}()
		}
	}
}

// failPending wakes every outstanding request with ErrPeerUnreachable.
func (p *tcpPeer) failPending() {
	p.pmu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]chan *Frame)
	p.pmu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// request issues one frame and waits for its response slot to fill.
func (p *tcpPeer) request(ctx context.Context, f *Frame) (*Frame, error) {
	pc := p.conn.Load()
	if pc == nil {
		return nil, errors.Wrapf(ErrPeerUnreachable, "peer %d not connected", p.id)
	}

	ch := make(chan *Frame, 1)
	p.pmu.Lock()
	p.pending[f.RequestID] = ch
	p.pmu.Unlock()

	p.lastSend.Store(time.Now().UnixNano())
	if err := pc.enqueue(ctx, f); err != nil {
		p.forget(f.RequestID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.Wrapf(ErrPeerUnreachable, "peer %d connection lost", p.id)
		}
		return resp, nil
	case <-ctx.Done():
		p.forget(f.RequestID)
		return nil, ctxError(ctx)
	}
}

// forget drops a pending slot, e.g. on timeout; a late response for the id
// is discarded by the reader.
func (p *tcpPeer) forget(id uint64) {
	p.pmu.Lock()
	delete(p.pending, id)
	p.pmu.Unlock()
}

// complete fills the response slot for a request id. Late or unknown ids
// are dropped (the waiter timed out or the fetch was abandoned).
func (p *tcpPeer) complete(f *Frame) {
	p.pmu.Lock()
	ch, ok := p.pending[f.RequestID]
	delete(p.pending, f.RequestID)
	p.pmu.Unlock()
	if ok {
		ch <- f
	}
}

// acceptLoop serves inbound peer connections.
func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				warnLog.Warn("accept failed: %v", err)
				continue
			}
		}
		pc := newTCPConn(c)
		t.wg.Add(2)
		go t.writeLoop(pc)
		go t.readLoop(pc, nil)
	}
}

// writeLoop drains the outbound queue onto the socket. Writers are
// serialized per connection by construction.
func (t *TCP) writeLoop(pc *tcpConn) {
	defer t.wg.Done()
	defer pc.fail()

	w := bufio.NewWriterSize(pc.c, headerSize+PageSize)
	for {
		select {
		case f := <-pc.out:
			if err := WriteFrame(w, f); err != nil {
				warnLog.Warn("frame write to %s failed: %v", pc.c.RemoteAddr(), err)
				return
			}
			// flush once the queue is momentarily empty
			if len(pc.out) == 0 {
				if err := w.Flush(); err != nil {
					warnLog.Warn("frame flush to %s failed: %v", pc.c.RemoteAddr(), err)
					return
				}
			}
		case <-pc.down:
			return
		case <-t.stop:
			return
		}
	}
}

// readLoop parses frames off one connection. Request ops are served
// against the local page store; response ops complete the owning peer's
// outstanding requests. peer is nil for inbound connections.
func (t *TCP) readLoop(pc *tcpConn, peer *tcpPeer) {
	defer t.wg.Done()
	defer pc.fail()

	// the requesting peer behind an inbound connection, resolved lazily
	// from the remote address against the known peer endpoints
	from := PeerUnknown
	if peer != nil {
		from = peer.id
	}
	resolved := peer != nil

	r := bufio.NewReaderSize(pc.c, headerSize+PageSize)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			select {
			case <-pc.down:
			case <-t.stop:
			default:
				if errors.Is(err, ErrProtocolViolation) {
					log.Error("malformed frame from %s: %v, dropping connection", pc.c.RemoteAddr(), err)
					metrics.TransportErrors.WithLabelValues("protocol", t.peerLabel(peer)).Inc()
				} else {
					warnLog.Warn("read from %s failed: %v", pc.c.RemoteAddr(), err)
				}
			}
			return
		}

		switch f.Op {
		case OpFetchReq, OpPush, OpPing:
			if !resolved {
				from = t.resolveByAddr(pc.c.RemoteAddr())
				resolved = true
			}
			metrics.TransportOps.WithLabelValues(f.Op.String(), t.peerLabel(peer)).Inc()
			resp := t.serve(f, from)
			if err := pc.enqueue(context.Background(), resp); err != nil {
				return
			}

		case OpFetchResp, OpPushAck, OpPong, OpError:
			if peer == nil {
				warnLog.Warn("unexpected %s on inbound connection from %s", f.Op, pc.c.RemoteAddr())
				continue
			}
			peer.complete(f)
		}
	}
}

// serve handles one request frame against the local page store.
func (t *TCP) serve(f *Frame, from uint32) *Frame {
	switch f.Op {
	case OpFetchReq:
		data, err := t.cfg.Store.ReadPage(from, f.Page)
		if err != nil {
			warnLog.Warn("serving fetch of page %d failed: %v", f.Page, err)
			return &Frame{RequestID: f.RequestID, Op: OpError, Page: f.Page}
		}
		return &Frame{RequestID: f.RequestID, Op: OpFetchResp, Page: f.Page, Payload: data}

	case OpPush:
		if err := t.cfg.Store.InstallPage(from, f.Page, f.Payload); err != nil {
			warnLog.Warn("installing pushed page %d failed: %v", f.Page, err)
			return &Frame{RequestID: f.RequestID, Op: OpError, Page: f.Page}
		}
		return &Frame{RequestID: f.RequestID, Op: OpPushAck, Page: f.Page}

	default: // OpPing
		return &Frame{RequestID: f.RequestID, Op: OpPong, Page: f.Page}
	}
}

// resolveByAddr maps an inbound connection's remote address to a peer id
// by matching the host against the known peer endpoints. Distinct nodes
// sharing a host (development clusters) stay unresolved.
func (t *TCP) resolveByAddr(addr net.Addr) uint32 {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return PeerUnknown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	match := PeerUnknown
	for id, p := range t.peers {
		p.mu.Lock()
		peerHost := p.ep.TCPAddr
		p.mu.Unlock()
		if peerHost != host {
			continue
		}
		if match != PeerUnknown {
			return PeerUnknown
		}
		match = id
	}
	return match
}

func (t *TCP) peerLabel(peer *tcpPeer) string {
	if peer == nil {
		return "inbound"
	}
	return metrics.PeerLabel(peer.id)
}

func (t *TCP) peer(id uint32) (*tcpPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "peer %d", id)
	}
	return p, nil
}

// Fetch retrieves one page from the peer.
func (t *TCP) Fetch(ctx context.Context, peer uint32, page uint64) ([]byte, time.Duration, error) {
	p, err := t.peer(peer)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := reqContext(ctx)
	defer cancel()
	ctx, span := trace.StartSpan(ctx, "transport.Fetch")
	span.AddAttributes(
		trace.Int64Attribute("peer", int64(peer)),
		trace.Int64Attribute("page", int64(page)))
	defer span.End()

	start := time.Now()
	metrics.TransportOps.WithLabelValues(OpFetchReq.String(), metrics.PeerLabel(peer)).Inc()

	resp, err := p.request(ctx, &Frame{
		RequestID: t.reqID.Add(1),
		Op:        OpFetchReq,
		Page:      page,
	})
	if err != nil {
		metrics.TransportErrors.WithLabelValues(errorKind(err), metrics.PeerLabel(peer)).Inc()
		return nil, 0, err
	}

	switch resp.Op {
	case OpFetchResp:
		if resp.Page != page {
			metrics.TransportErrors.WithLabelValues("protocol", metrics.PeerLabel(peer)).Inc()
			return nil, 0, errors.Wrapf(ErrProtocolViolation,
				"fetch of page %d answered with page %d", page, resp.Page)
		}
		return resp.Payload, time.Since(start), nil
	case OpError:
		metrics.TransportErrors.WithLabelValues("remote", metrics.PeerLabel(peer)).Inc()
		return nil, 0, errors.Wrapf(ErrRemote, "fetch of page %d from peer %d", page, peer)
	default:
		metrics.TransportErrors.WithLabelValues("protocol", metrics.PeerLabel(peer)).Inc()
		return nil, 0, errors.Wrapf(ErrProtocolViolation, "unexpected %s response to fetch", resp.Op)
	}
}

// Push sends one page to the peer, which installs it and takes ownership.
func (t *TCP) Push(ctx context.Context, peer uint32, page uint64, data []byte) (time.Duration, error) {
	if len(data) != PageSize {
		return 0, errors.Wrapf(ErrProtocolViolation, "push of %d bytes", len(data))
	}
	p, err := t.peer(peer)
	if err != nil {
		return 0, err
	}

	ctx, cancel := reqContext(ctx)
	defer cancel()
	ctx, span := trace.StartSpan(ctx, "transport.Push")
	span.AddAttributes(
		trace.Int64Attribute("peer", int64(peer)),
		trace.Int64Attribute("page", int64(page)))
	defer span.End()

	start := time.Now()
	metrics.TransportOps.WithLabelValues(OpPush.String(), metrics.PeerLabel(peer)).Inc()

	resp, err := p.request(ctx, &Frame{
		RequestID: t.reqID.Add(1),
		Op:        OpPush,
		Page:      page,
		Payload:   data,
	})
	if err != nil {
		metrics.TransportErrors.WithLabelValues(errorKind(err), metrics.PeerLabel(peer)).Inc()
		return 0, err
	}

	switch resp.Op {
	case OpPushAck:
		return time.Since(start), nil
	case OpError:
		metrics.TransportErrors.WithLabelValues("remote", metrics.PeerLabel(peer)).Inc()
		return 0, errors.Wrapf(ErrRemote, "push of page %d to peer %d", page, peer)
	default:
		metrics.TransportErrors.WithLabelValues("protocol", metrics.PeerLabel(peer)).Inc()
		return 0, errors.Wrapf(ErrProtocolViolation, "unexpected %s response to push", resp.Op)
	}
}

// MeasureLatency probes the round-trip time to a peer and refreshes the
// observed tier classification.
func (t *TCP) MeasureLatency(peer uint32) (time.Duration, error) {
	p, err := t.peer(peer)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.request(ctx, &Frame{
		RequestID: t.reqID.Add(1),
		Op:        OpPing,
	})
	if err != nil {
		return 0, err
	}
	if resp.Op != OpPong {
		return 0, errors.Wrapf(ErrProtocolViolation, "unexpected %s response to ping", resp.Op)
	}

	rtt := time.Since(start)
	tier := TierStandard
	if rtt >= basicTierRTT {
		tier = TierBasic
	}
	if Tier(t.tier.Load()) != tier {
		t.tier.Store(int32(tier))
		log.Info("observed %v RTT to peer %d, link classified as %s tier", rtt, peer, tier)
	}
	return rtt, nil
}

// observeTier classifies the link on first connect.
func (t *TCP) observeTier(p *tcpPeer) {
	if _, err := t.MeasureLatency(p.id); err != nil {
		log.Debug("latency probe to peer %d failed: %v", p.id, err)
	}
}

// ConnectedPeers lists the peers with an established connection.
func (t *TCP) ConnectedPeers() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	up := make([]uint32, 0, len(t.peers))
	for id, p := range t.peers {
		if p.conn.Load() != nil {
			up = append(up, id)
		}
	}
	return up
}

// Close tears down every peer connection and the listener.
func (t *TCP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stop)
	t.listener.Close()

	t.mu.Lock()
	for _, p := range t.peers {
		p.stopOnce.Do(func() { close(p.stop) })
		if pc := p.conn.Load(); pc != nil {
			pc.fail()
		}
		p.failPending()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// sleepOrStop sleeps for d unless one of the stop channels fires first;
// it returns false on stop.
func sleepOrStop(d time.Duration, stop1, stop2 <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop1:
		return false
	case <-stop2:
		return false
	}
}

// ctxError maps a context error to the transport taxonomy.
func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// errorKind maps an error to its metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, ErrRemote):
		return "remote"
	default:
		return "other"
	}
}
