package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
)

// Server is the listening end of the transport, used by the engine to
// accept controller connections. It keeps a bounded broadcast history
// so a reconnecting controller can recover anything it missed, per
// spec.md §4.4.
type Server struct {
	*Entity

	listener net.Listener
}

// Listen binds addr and starts accepting connections in the
// background. Close stops the accept loop and the event loop.
// historyEnabled gates replay of this server's broadcast history to a
// reconnecting peer, per spec.md §4.3/§4.4 (RECOVER_AFTER_DISCONNECT).
func Listen(addr string, historyEnabled bool, logger *slog.Logger) (*Server, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}

	s := &Server{
		Entity:   newEntity(logger, historyEnabled),
		listener: ln,
	}
	s.onPeerLoss = s.handlePeerLoss

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	go s.run(nil)

	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}

		addr := PeerAddrFromConn(conn)
		s.logger.Info("peer connected", "addr", addr)
		s.registerConn(addr, conn)
	}
}

// handlePeerLoss injects a detected_lost synthetic event into the
// inbound queue so the engine's session manager observes a dropped
// master in order, the same way the client transport does for a
// controller observing a dropped engine (spec.md §4.3).
func (s *Server) handlePeerLoss(addr PeerAddr, _ peerConn) {
	s.logger.Warn("peer connection lost", "addr", addr)
	msg := protocol.StatusConnection(time.Now().Unix(), false)
	select {
	case s.inboundCh <- Inbound{Addr: addr, Msg: &msg}:
	case <-s.closeCh:
	}
}

// Addr returns the server's bound local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting connections, tears down every peer, and
// terminates the event loop.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.stop()
	return err
}
