package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
)

// seqNumLimit is the modulus at which the sequence counter wraps and
// the session timestamp is refreshed to wall time, per spec.md §4.2.
const seqNumLimit = 4000000000

// historyLen bounds the replay ring.
const historyLen = 4096

// Inbound is one message delivered to the consumer of Pop, either a
// real frame received from a peer or a synthetic connection-status
// event injected by the client transport.
type Inbound struct {
	Addr PeerAddr
	Msg  *protocol.Message
	Seq  protocol.SeqNum
}

type outboundItem struct {
	broadcast bool
	addr      PeerAddr
	msg       *protocol.Message
	remove    bool
	// raw, when set, bypasses sequence assignment and history
	// recording; used to replay history entries at their original
	// sequence number (spec.md §4.4).
	raw    bool
	rawSeq protocol.SeqNum
}

type historyEntry struct {
	seq       protocol.SeqNum
	broadcast bool
	msg       *protocol.Message
}

type peerConn struct {
	addr PeerAddr
	conn net.Conn
	// lastRecvSeq is the last sequence number received from this
	// peer; used both for replay bookkeeping and forwarding requests.
	lastRecvSeq protocol.SeqNum
	hasRecvSeq  bool
	// lastDeliveredSeq is the last outbound sequence number
	// successfully written to this peer; used by the client to decide
	// which of its own history entries to resend after a reconnect.
	lastDeliveredSeq protocol.SeqNum
	hasDeliveredSeq  bool
}

type readerEvent struct {
	addr  PeerAddr
	frame protocol.Frame
	err   error
}

// peerLossHook is invoked by the run loop, synchronously, immediately
// after a peer has been removed from the live set. The server ignores
// it; the client uses it to start dangling-peer tracking and to emit
// a detected_lost event.
type peerLossHook func(addr PeerAddr, last peerConn)

// Entity is the shared transport base embedded by Client and Server.
// It owns the peer registry, the inbound/outbound queues, the replay
// history ring, and the sequence-number policy.
type Entity struct {
	logger *slog.Logger

	historyEnabled bool

	mu    sync.Mutex
	peers map[PeerAddr]*peerConn

	seqMu  sync.Mutex
	seqNum int64
	seqTs  int64

	historyMu sync.Mutex
	history   []historyEntry

	outboundCh    chan outboundItem
	readerEventCh chan readerEvent
	inboundCh     chan Inbound

	onPeerLoss peerLossHook

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEntity(logger *slog.Logger, historyEnabled bool) *Entity {
	return &Entity{
		logger:         logger,
		historyEnabled: historyEnabled,
		peers:          make(map[PeerAddr]*peerConn),
		seqTs:          time.Now().Unix(),
		outboundCh:     make(chan outboundItem, 256),
		readerEventCh:  make(chan readerEvent, 256),
		inboundCh:      make(chan Inbound, 256),
		closeCh:        make(chan struct{}),
	}
}

// Send enqueues a unicast message to addr. Thread-safe; may be called
// from any goroutine.
func (e *Entity) Send(addr PeerAddr, msg protocol.Message) {
	select {
	case e.outboundCh <- outboundItem{addr: addr, msg: &msg}:
	case <-e.closeCh:
	}
}

// Broadcast enqueues msg for delivery to every currently registered peer.
func (e *Entity) Broadcast(msg protocol.Message) {
	select {
	case e.outboundCh <- outboundItem{broadcast: true, msg: &msg}:
	case <-e.closeCh:
	}
}

// RemoveHost asynchronously removes addr from the live peer set.
func (e *Entity) RemoveHost(addr PeerAddr) {
	select {
	case e.outboundCh <- outboundItem{addr: addr, remove: true}:
	case <-e.closeCh:
	}
}

// Pop blocks until a message is available or ctx is done.
func (e *Entity) Pop(ctx context.Context) (Inbound, error) {
	select {
	case in := <-e.inboundCh:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-e.closeCh:
		return Inbound{}, fmt.Errorf("transport: entity stopped")
	}
}

// Peek reports how many messages are currently queued for Pop.
func (e *Entity) Peek() int {
	return len(e.inboundCh)
}

// RegisteredPeers returns the addresses currently registered.
func (e *Entity) RegisteredPeers() []PeerAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PeerAddr, 0, len(e.peers))
	for a := range e.peers {
		out = append(out, a)
	}
	return out
}

// registerConn adds or replaces a peer connection and starts its
// reader goroutine.
func (e *Entity) registerConn(addr PeerAddr, conn net.Conn) {
	e.mu.Lock()
	if old, ok := e.peers[addr]; ok && old.conn != nil {
		old.conn.Close()
	}
	e.peers[addr] = &peerConn{addr: addr, conn: conn}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readLoop(addr, conn)
}

func (e *Entity) readLoop(addr PeerAddr, conn net.Conn) {
	defer e.wg.Done()
	for {
		frame, err := protocol.ReadFrame(conn)
		if errors.Is(err, protocol.ErrInvalidPayload) {
			e.logger.Warn("dropping frame with invalid payload", "addr", addr, "error", err)
			continue
		}
		select {
		case e.readerEventCh <- readerEvent{addr: addr, frame: frame, err: err}:
		case <-e.closeCh:
			return
		}
		if err != nil {
			return
		}
	}
}

// run is the single-threaded event loop: all mutation of peers,
// history, and the sequence counter happens here.
func (e *Entity) run(extra func(now time.Time)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case item := <-e.outboundCh:
			e.handleOutbound(item)
		case ev := <-e.readerEventCh:
			e.handleReaderEvent(ev)
		case now := <-ticker.C:
			if extra != nil {
				extra(now)
			}
		case <-e.closeCh:
			return
		}
	}
}

func (e *Entity) handleOutbound(item outboundItem) {
	if item.remove {
		e.removePeer(item.addr, nil)
		return
	}

	if item.raw {
		e.mu.Lock()
		p, ok := e.peers[item.addr]
		e.mu.Unlock()
		if ok {
			e.writeTo(p, item.rawSeq, item.msg)
		}
		return
	}

	seq := e.nextSeq()
	if e.historyEnabled && (item.broadcast) {
		e.appendHistory(historyEntry{seq: seq, broadcast: true, msg: item.msg})
	}

	if item.broadcast {
		e.mu.Lock()
		targets := make([]*peerConn, 0, len(e.peers))
		for _, p := range e.peers {
			targets = append(targets, p)
		}
		e.mu.Unlock()

		for _, p := range targets {
			if !e.writeTo(p, seq, item.msg) {
				e.removePeer(p.addr, nil)
			}
		}
		return
	}

	e.mu.Lock()
	p, ok := e.peers[item.addr]
	e.mu.Unlock()
	if !ok {
		return
	}
	if !e.writeTo(p, seq, item.msg) {
		e.removePeer(p.addr, nil)
	}
}

func (e *Entity) writeTo(p *peerConn, seq protocol.SeqNum, msg *protocol.Message) bool {
	if err := protocol.WriteFrame(p.conn, seq, msg); err != nil {
		e.logger.Warn("write failed, dropping peer", "addr", p.addr, "error", err)
		return false
	}
	p.lastDeliveredSeq = seq
	p.hasDeliveredSeq = true
	return true
}

func (e *Entity) nextSeq() protocol.SeqNum {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	seq := protocol.SeqNum{SessionTs: e.seqTs, Num: e.seqNum}
	e.seqNum = (e.seqNum + 1) % seqNumLimit
	if e.seqNum == 0 {
		e.seqTs = time.Now().Unix()
	}
	return seq
}

func (e *Entity) appendHistory(h historyEntry) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history = append(e.history, h)
	if len(e.history) > historyLen {
		e.history = e.history[len(e.history)-historyLen:]
	}
}

// forwardHistory replays to addr every broadcast history entry newer
// than sinceSeq, preserving each entry's original sequence number, as
// required by spec.md §4.4.
func (e *Entity) forwardHistory(addr PeerAddr, sinceSeq protocol.SeqNum) {
	e.historyMu.Lock()
	entries := make([]historyEntry, len(e.history))
	copy(entries, e.history)
	e.historyMu.Unlock()

	for _, h := range entries {
		if h.broadcast && sinceSeq.Less(h.seq) {
			select {
			case e.outboundCh <- outboundItem{addr: addr, msg: h.msg, raw: true, rawSeq: h.seq}:
			case <-e.closeCh:
				return
			}
		}
	}
}

func (e *Entity) handleReaderEvent(ev readerEvent) {
	e.mu.Lock()
	p, ok := e.peers[ev.addr]
	e.mu.Unlock()
	if !ok {
		return
	}

	if ev.err != nil {
		e.removePeer(ev.addr, p)
		return
	}

	if ev.frame.IsForwardingRequest() {
		if e.historyEnabled {
			e.forwardHistory(ev.addr, ev.frame.Seq)
		}
		return
	}

	p.lastRecvSeq = ev.frame.Seq
	p.hasRecvSeq = true

	select {
	case e.inboundCh <- Inbound{Addr: ev.addr, Msg: ev.frame.Message, Seq: ev.frame.Seq}:
	case <-e.closeCh:
	}
}

func (e *Entity) removePeer(addr PeerAddr, known *peerConn) {
	e.mu.Lock()
	p, ok := e.peers[addr]
	if ok {
		delete(e.peers, addr)
	} else if known != nil {
		p = known
		ok = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if p.conn != nil {
		p.conn.Close()
	}
	if e.onPeerLoss != nil {
		e.onPeerLoss(addr, *p)
	}
}

// stop requests the event loop to exit and closes all peer sockets.
func (e *Entity) stop() {
	e.closeOnce.Do(func() {
		close(e.closeCh)
	})
	e.mu.Lock()
	for _, p := range e.peers {
		if p.conn != nil {
			p.conn.Close()
		}
	}
	e.peers = make(map[PeerAddr]*peerConn)
	e.mu.Unlock()
	e.wg.Wait()
}
