/**
 * CONTEXT:   The Unix-domain control socket accept loop and per-connection framing
 * INPUT:     Client connections to the shepherdd.sock path
 * OUTPUT:    InboundRequest values for the service loop to process, ResponseFrame/EventFrame writes back
 * BUSINESS:  This is the only control surface shepherdd exposes, local-only by design
 * CHANGE:    Initial implementation
 * RISK:      High - must never let one client's misbehavior (protocol error, slow reads) affect another
 */

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/logging"
)

// InboundRequest is one decoded, role-checked, rate-limited request
// handed to the service loop. Reply must be sent to exactly once.
type InboundRequest struct {
	ClientID ids.ClientId
	Role     Role
	Frame    RequestFrame
	Reply    chan<- ResponseFrame
}

// Server accepts connections on a Unix domain socket and speaks the
// NDJSON protocol of protocol.go, forwarding every non-trivial command to
// the service loop via Inbound and broadcasting engine events to
// subscribed clients via its Broadcaster.
type Server struct {
	path            string
	serviceUID      uint32
	observerEnabled bool
	ratePerSecond   float64
	logger          logging.Logger

	listener    *net.UnixListener
	broadcaster *Broadcaster
	inbound     chan InboundRequest
}

// NewServer constructs a Server. Call Listen then Serve.
func NewServer(path string, serviceUID uint32, observerEnabled bool, ratePerSecond float64, logger logging.Logger) *Server {
	return &Server{
		path:            path,
		serviceUID:      serviceUID,
		observerEnabled: observerEnabled,
		ratePerSecond:   ratePerSecond,
		logger:          logger,
		broadcaster:     NewBroadcaster(),
		inbound:         make(chan InboundRequest, 64),
	}
}

// Inbound returns the channel the service loop reads requests from.
func (s *Server) Inbound() <-chan InboundRequest { return s.inbound }

// Broadcaster exposes the event fan-out so the service loop can publish.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Listen binds the Unix socket at path, mode 0660, refusing to start
// only if another live process already owns it (spec.md §5).
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if conn, dialErr := net.Dial("unix", s.path); dialErr == nil {
			conn.Close()
			return fmt.Errorf("ipc: socket %s is already in use by a running shepherdd", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("ipc: create socket directory: %w", err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(s.path, 0o660); err != nil {
		l.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = l.(*net.UnixListener)
	return nil
}

// Close removes the socket file, per spec.md §5's clean-shutdown
// contract.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	s.listener.Close()
	return os.Remove(s.path)
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	role, creds, err := ResolveRole(conn, s.serviceUID, s.observerEnabled)
	if err != nil {
		s.logger.Warn("ipc: failed to resolve peer role, closing connection", "error", err)
		return
	}

	clientID := ids.NewClientId()
	s.logger.Debug("ipc: client connected", "client_id", clientID, "role", role, "peer_uid", creds.UID)

	// scanner.Scan() below has no ctx awareness, so force the connection
	// closed on shutdown to unblock a read that's parked waiting on a
	// client that will never send anything else.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	outbound := make(chan any, 16)
	subscribe := make(chan <-chan EventFrame, 1)
	connDone := make(chan struct{})
	go s.writeLoop(conn, outbound, subscribe, connDone)
	// Deferred in reverse of desired execution order (LIFO): stop the
	// writer first by closing its input, then wait for it to drain and
	// exit, then drop this client's broadcast subscription.
	defer s.broadcaster.Unsubscribe(clientID)
	defer func() { <-connDone }()
	defer close(outbound)

	bucket := newTokenBucket(s.ratePerSecond, nil)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		frame, err := decodeRequest(scanner.Bytes())
		if err != nil {
			outbound <- Fail(0, ErrKindProtocol, "malformed request: "+err.Error())
			return
		}
		if frame.Type != FrameRequest {
			outbound <- Fail(frame.ID, ErrKindProtocol, "expected a request frame")
			return
		}

		if !Allowed(role, frame.Command.Kind) {
			outbound <- Fail(frame.ID, ErrKindDenied, "role "+string(role)+" may not invoke "+string(frame.Command.Kind))
			continue
		}
		if !bucket.Allow() {
			outbound <- Fail(frame.ID, ErrKindRateLimited, "rate limit exceeded")
			continue
		}

		if frame.Command.Kind == CmdSubscribeEvents {
			ch := s.broadcaster.Subscribe(clientID)
			select {
			case subscribe <- ch:
			case <-ctx.Done():
				return
			}
			outbound <- OK(frame.ID, nil)
			continue
		}

		reply := make(chan ResponseFrame, 1)
		select {
		case s.inbound <- InboundRequest{ClientID: clientID, Role: role, Frame: frame, Reply: reply}:
		case <-ctx.Done():
			return
		}
		select {
		case resp := <-reply:
			outbound <- resp
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(conn *net.UnixConn, outbound <-chan any, subscribe <-chan (<-chan EventFrame), done chan<- struct{}) {
	defer close(done)
	enc := json.NewEncoder(conn)

	var events <-chan EventFrame
	for {
		select {
		case sub, ok := <-subscribe:
			if !ok {
				subscribe = nil
				continue
			}
			events = sub
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if err := enc.Encode(msg); err != nil {
				s.logger.Debug("ipc: write failed, closing connection", "error", err)
				return
			}
		case frame, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := enc.Encode(frame); err != nil {
				s.logger.Debug("ipc: broadcast write failed, closing connection", "error", err)
				return
			}
		}
	}
}
