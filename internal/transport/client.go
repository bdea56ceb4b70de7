package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlessioNetti/finj-go/internal/protocol"
)

// danglingPeer tracks a target the client is no longer connected to
// but has not yet given up on, per spec.md §4.3 and §4.6's
// MASTER_DANGLING handling.
type danglingPeer struct {
	addr          PeerAddr
	firstFailAt   time.Time
	lastAttemptAt time.Time
	lastRecvSeq   protocol.SeqNum
	hasRecvSeq    bool
	// lastDeliveredSeq is the client's own highest broadcast sequence
	// number that was confirmed delivered to this peer before it was
	// lost; on reconnect the client asks this peer to replay anything
	// newer via a forwarding request built from lastRecvSeq, and
	// separately knows it does not need to resend its own history
	// below lastDeliveredSeq since the server retains it.
	lastDeliveredSeq protocol.SeqNum
	hasDeliveredSeq  bool
}

// Client dials one or more fixed target addresses and keeps
// reconnecting to any that drop, for retryPeriod, checking every
// retryInterval, before giving up and reporting the peer finalized.
type Client struct {
	*Entity

	retryInterval time.Duration
	retryPeriod   time.Duration

	danglingMu sync.Mutex
	dangling   map[PeerAddr]*danglingPeer

	// dialLimiter, when set, caps how often attemptReconnect is allowed
	// to dial out across all dangling peers combined -- useful when a
	// whole rack drops at once and would otherwise hammer the network
	// with simultaneous reconnect attempts.
	dialLimiter *rate.Limiter
}

// SetDialLimiter bounds the client's aggregate reconnect dial rate.
// Must be called before Run, or concurrently with the event loop only
// via this setter (it is read once per dangling-check tick).
func (c *Client) SetDialLimiter(l *rate.Limiter) {
	c.dialLimiter = l
}

// NewClient creates a client transport. Call Connect for each target
// address before Run. historyEnabled gates replay of this client's own
// broadcast history to a reconnecting peer, per spec.md §4.3/§4.4
// (RECOVER_AFTER_DISCONNECT).
func NewClient(retryInterval, retryPeriod time.Duration, historyEnabled bool, logger *slog.Logger) *Client {
	c := &Client{
		Entity:        newEntity(logger, historyEnabled),
		retryInterval: retryInterval,
		retryPeriod:   retryPeriod,
		dangling:      make(map[PeerAddr]*danglingPeer),
	}
	c.onPeerLoss = c.handlePeerLoss
	return c
}

// Run starts the client's event loop; it must be called once, after
// any initial Connect calls, and returns only when Close is called.
func (c *Client) Run() {
	c.run(c.checkDangling)
}

// Connect dials addr and registers it as a live peer. Safe to call
// before or after Run starts as long as it is not called concurrently
// with itself for the same address.
func (c *Client) Connect(addr PeerAddr) error {
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c.registerConn(addr, conn)
	return nil
}

func (c *Client) handlePeerLoss(addr PeerAddr, last peerConn) {
	now := time.Now()
	c.danglingMu.Lock()
	d, ok := c.dangling[addr]
	if !ok {
		d = &danglingPeer{addr: addr, firstFailAt: now}
	}
	d.lastAttemptAt = now
	if last.hasRecvSeq {
		d.lastRecvSeq, d.hasRecvSeq = last.lastRecvSeq, true
	}
	if last.hasDeliveredSeq {
		d.lastDeliveredSeq, d.hasDeliveredSeq = last.lastDeliveredSeq, true
	}
	c.dangling[addr] = d
	c.danglingMu.Unlock()

	c.logger.Warn("peer lost, entering dangling state", "addr", addr)
	c.deliverSynthetic(addr, protocol.StatusConnection(now.Unix(), false))
}

// checkDangling runs once a second from the client's event loop: it
// retries dialing every dangling peer at retryInterval, and finalizes
// any whose retryPeriod has elapsed.
func (c *Client) checkDangling(now time.Time) {
	c.danglingMu.Lock()
	due := make([]*danglingPeer, 0, len(c.dangling))
	for _, d := range c.dangling {
		due = append(due, d)
	}
	c.danglingMu.Unlock()

	for _, d := range due {
		if now.Sub(d.firstFailAt) > c.retryPeriod {
			c.finalizeDangling(d)
			continue
		}
		if now.Sub(d.lastAttemptAt) < c.retryInterval {
			continue
		}
		c.attemptReconnect(d, now)
	}
}

func (c *Client) attemptReconnect(d *danglingPeer, now time.Time) {
	if c.dialLimiter != nil && !c.dialLimiter.Allow() {
		return
	}
	d.lastAttemptAt = now
	conn, err := net.Dial("tcp", d.addr.String())
	if err != nil {
		c.logger.Debug("dangling peer still unreachable", "addr", d.addr, "error", err)
		return
	}

	c.logger.Info("dangling peer reconnected", "addr", d.addr)
	c.registerConn(d.addr, conn)

	// Resend anything of ours the restored peer may have missed: every
	// broadcast in our own history newer than the last sequence number
	// we know was delivered to it before it dropped.
	if c.historyEnabled {
		resendSince := protocol.SeqNum{}
		if d.hasDeliveredSeq {
			resendSince = d.lastDeliveredSeq
		}
		c.forwardHistory(d.addr, resendSince)
	}

	// Ask the restored peer to replay anything it sent that we missed.
	seq := protocol.SeqNum{}
	if d.hasRecvSeq {
		seq = d.lastRecvSeq
	}
	select {
	case c.outboundCh <- outboundItem{addr: d.addr, msg: nil, raw: true, rawSeq: seq}:
	case <-c.closeCh:
		return
	}

	c.danglingMu.Lock()
	delete(c.dangling, d.addr)
	c.danglingMu.Unlock()

	c.deliverSynthetic(d.addr, protocol.StatusConnection(now.Unix(), true))
}

func (c *Client) finalizeDangling(d *danglingPeer) {
	c.danglingMu.Lock()
	if _, ok := c.dangling[d.addr]; !ok {
		c.danglingMu.Unlock()
		return
	}
	delete(c.dangling, d.addr)
	c.danglingMu.Unlock()

	c.logger.Warn("dangling peer finalized, giving up", "addr", d.addr)
	c.deliverSynthetic(d.addr, protocol.StatusFinalized(time.Now().Unix()))
}

func (c *Client) deliverSynthetic(addr PeerAddr, msg protocol.Message) {
	select {
	case c.inboundCh <- Inbound{Addr: addr, Msg: &msg}:
	case <-c.closeCh:
	}
}

// IsDangling reports whether addr is currently awaiting reconnection.
func (c *Client) IsDangling(addr PeerAddr) bool {
	c.danglingMu.Lock()
	defer c.danglingMu.Unlock()
	_, ok := c.dangling[addr]
	return ok
}

// Close tears down all connections, stops retrying, and terminates
// the event loop.
func (c *Client) Close() error {
	c.stop()
	return nil
}
