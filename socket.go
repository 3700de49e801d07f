package udx

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/pion/logging"
	"github.com/pion/transport/packetio"
)

// SocketID identifies a socket for the lifetime of the process. IDs are
// carried on the wire to pair inbound datagrams with their socket. Zero is
// reserved for handshake traffic addressed to a listener.
type SocketID uint32

// Status is the socket life-cycle state.
type Status int

const (
	StatusInit Status = iota
	StatusOpened
	StatusConnecting
	StatusConnected
	StatusBroken
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusOpened:
		return "opened"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBroken:
		return "broken"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectPollInterval is the coarse slice a blocking Connect sleeps between
// re-checks of the shared deadline. The connection worker remains the only
// authority on deadline expiry.
const connectPollInterval = 250 * time.Millisecond

// Socket is a connection-oriented reliable-datagram socket. Create it with
// Stack.NewSocket.
//
// All mutable state is guarded by mu. Status transitions out of
// StatusConnecting funnel through leaveConnectingLocked so that a failed
// attempt can never leave the socket stuck mid-connect.
type Socket struct {
	id    SocketID
	stack *Stack
	log   logging.LeveledLogger

	createdAt time.Time

	mu       sync.Mutex
	status   Status
	opts     options
	arming   bool
	deadline time.Time
	attempt  *handshakeAttempt
	// connectErr holds the terminal outcome of the last attempt. Nil after
	// success.
	connectErr error

	lastHandshakeAt time.Time

	mux     *packetMux
	ownsMux bool

	peerID   SocketID
	peerAddr *net.UDPAddr

	initialSeq uint32
	sendSeq    uint32

	pollers map[*Poller]struct{}

	inbox   chan *packet
	recvBuf *packetio.Buffer
	pending int64
}

// ID returns the socket handle. Always positive.
func (s *Socket) ID() SocketID {
	return s.id
}

// Status returns the current socket status.
func (s *Socket) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	return st
}

// LocalAddr returns the bound local address, or nil before binding.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()

	if mux == nil {
		return nil
	}

	return mux.localAddr()
}

// RemoteAddr returns the peer address once connected.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	raddr := s.peerAddr
	s.mu.Unlock()

	if raddr == nil {
		return nil
	}

	return raddr
}

// Bind binds the socket to a local UDP address. Connect binds to an
// ephemeral port automatically, so calling Bind is only required for
// rendezvous connections where the peer must know the local port.
func (s *Socket) Bind(laddr *net.UDPAddr) error {
	s.mu.Lock()

	if s.status == StatusClosed {
		s.mu.Unlock()

		return errors.Annotate(ErrSocketClosed, "bind")
	}

	if s.mux != nil {
		s.mu.Unlock()

		return errors.Annotate(ErrInvalidAddress, "bind: already bound")
	}

	s.mu.Unlock()

	mux, err := s.stack.openMux(laddr)
	if err != nil {
		return errors.Annotate(err, "bind")
	}

	if err := mux.register(s, nil); err != nil {
		mux.close()

		return errors.Trace(err)
	}

	s.mu.Lock()

	// A concurrent Close beat us here; the fresh mux must not outlive it.
	if s.status == StatusClosed {
		s.mu.Unlock()

		mux.close()

		return errors.Annotate(ErrSocketClosed, "bind")
	}

	s.mux = mux
	s.ownsMux = true
	if s.status == StatusInit {
		s.status = StatusOpened
	}
	s.mu.Unlock()

	return nil
}

func validateAddr(raddr *net.UDPAddr) error {
	if raddr == nil || raddr.IP == nil || raddr.Port <= 0 || raddr.Port > 65535 {
		return errors.Annotatef(ErrInvalidAddress, "addr: %v", raddr)
	}

	return nil
}

// Connect starts a connection attempt to raddr.
//
// When the receive blocking-mode flag is unset, Connect returns nil as soon
// as the attempt is armed; the outcome is observable only through a Poller.
// When the flag is set, Connect waits for the attempt to reach a terminal
// state and returns its outcome directly. Both modes share the same
// deadline, computed here as now + the connect timeout option and enforced
// solely by the connection worker.
//
// A socket whose previous attempt failed can Connect again immediately.
func (s *Socket) Connect(raddr *net.UDPAddr) error {
	if err := validateAddr(raddr); err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()

	switch {
	case s.status == StatusClosed:
		s.mu.Unlock()

		return errors.Annotate(ErrSocketClosed, "connect")
	case s.arming || s.status == StatusConnecting || s.status == StatusConnected:
		s.mu.Unlock()

		return errors.Annotatef(ErrConnectInProgress, "connect: status: %s", s.status)
	}

	s.arming = true
	needBind := s.mux == nil
	rendezvous := s.opts.rendezvous
	timeout := s.opts.connectTimeout
	blocking := s.opts.recvBlocking
	s.mu.Unlock()

	disarm := func() {
		s.mu.Lock()
		s.arming = false
		s.mu.Unlock()
	}

	if needBind {
		mux, err := s.stack.openMux(nil)
		if err != nil {
			disarm()

			return errors.Annotate(err, "connect")
		}

		s.mu.Lock()

		// A concurrent Close may have landed while the socket was unlocked;
		// the fresh mux must not be attached to a closed socket.
		if s.status == StatusClosed {
			s.arming = false
			s.mu.Unlock()

			mux.close()

			return errors.Annotate(ErrSocketClosed, "connect")
		}

		s.mux = mux
		s.ownsMux = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()

	// Close clears the mux, so seeing nil here means the socket was closed
	// while unlocked.
	if mux == nil {
		disarm()

		return errors.Annotate(ErrSocketClosed, "connect")
	}

	// Claim handshake traffic from raddr before the first request goes out,
	// so a fast response cannot be dropped.
	if err := mux.register(s, raddr); err != nil {
		disarm()

		return errors.Trace(err)
	}

	hsType := hsRequest
	if rendezvous {
		hsType = hsRendezvous
	}

	now := s.stack.clock.Now()

	attempt := &handshakeAttempt{
		raddr:         raddr,
		reqType:       hsType,
		deadline:      now.Add(timeout),
		retryInterval: s.stack.params.RetryInterval,
		nextRetryAt:   now.Add(s.stack.params.RetryInterval),
		cookie:        s.stack.newCookie(),
		done:          make(chan struct{}),
	}

	s.mu.Lock()

	// Arming must never resurrect a socket that a concurrent Close already
	// tore down: Close has unregistered us and closed the owned mux by now.
	if s.status == StatusClosed {
		s.arming = false
		s.mu.Unlock()

		mux.unregister(s.id)

		return errors.Annotate(ErrSocketClosed, "connect")
	}

	s.status = StatusConnecting
	s.arming = false
	s.deadline = attempt.deadline
	s.attempt = attempt
	s.connectErr = nil
	s.peerAddr = nil
	s.peerID = 0
	s.lastHandshakeAt = now
	s.mu.Unlock()

	s.stack.metrics.connectAttempts.Inc()
	s.log.Debugf("socket %d connecting to %s, timeout %s", s.id, raddr, timeout)

	s.sendHandshakeRequest(attempt)
	s.stack.worker.watch(s)

	if !blocking {
		return nil
	}

	return errors.Trace(s.waitConnect(attempt))
}

// waitConnect suspends the caller until the attempt reaches a terminal
// state. It re-checks the shared state on a coarse slice, but never decides
// the timeout itself: only the worker tick turns a missed deadline into
// ErrNoServer.
func (s *Socket) waitConnect(attempt *handshakeAttempt) error {
	timer := s.stack.clock.NewTimer(connectPollInterval)
	defer timer.Stop()

	for {
		select {
		case <-attempt.done:
			s.mu.Lock()
			err := s.connectErr
			s.mu.Unlock()

			return errors.Trace(err)
		case <-timer.C():
			s.mu.Lock()
			terminal := s.attempt != attempt
			err := s.connectErr
			s.mu.Unlock()

			if terminal {
				return errors.Trace(err)
			}

			timer.Reset(connectPollInterval)
		}
	}
}

// leaveConnectingLocked is the single exit out of StatusConnecting: success,
// timeout, rejection and close all go through here. Must be called with the
// socket mutex held and status StatusConnecting.
func (s *Socket) leaveConnectingLocked(next Status, cause error) {
	attempt := s.attempt

	s.attempt = nil
	s.status = next
	s.connectErr = cause
	s.deadline = time.Time{}

	if attempt != nil {
		close(attempt.done)
	}
}

// ConnectError returns the terminal outcome of the last connection attempt:
// nil after a success, ErrNoServer after a timeout, ErrConnectionRejected
// after an explicit rejection, ErrSocketClosed when the socket was closed
// mid-attempt. This is how a non-blocking caller reads the outcome after the
// poller reported the error event.
func (s *Socket) ConnectError() error {
	s.mu.Lock()
	err := s.connectErr
	s.mu.Unlock()

	return err
}

// Readiness reports which event classes the socket currently asserts.
func (s *Socket) Readiness() EventMask {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusConnected:
		mask := EventWrite
		if atomic.LoadInt64(&s.pending) > 0 {
			mask |= EventRead
		}

		return mask
	case StatusBroken, StatusClosed:
		return EventError
	case StatusInit, StatusOpened, StatusConnecting:
		return 0
	default:
		return 0
	}
}

func (s *Socket) addPoller(p *Poller) {
	s.mu.Lock()
	s.pollers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Socket) dropPoller(p *Poller) {
	s.mu.Lock()
	delete(s.pollers, p)
	s.mu.Unlock()
}

// notifyPollers wakes every subscribed poller. Callers must not hold the
// socket mutex: the poller re-derives readiness by locking the socket, and
// the lock order is always poller before socket.
func (s *Socket) notifyPollers() {
	s.mu.Lock()
	pollers := make([]*Poller, 0, len(s.pollers))

	for p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		p.wake()
	}
}

// deliver routes an inbound datagram to the socket. Called from the mux
// loop; must not block. Handshake traffic queues for the connection worker,
// data goes straight to the receive buffer.
func (s *Socket) deliver(p *packet) {
	switch p.typ {
	case packetData:
		s.mu.Lock()
		connected := s.status == StatusConnected
		buf := s.recvBuf
		s.mu.Unlock()

		if !connected {
			return
		}

		if _, err := buf.Write(p.payload); err != nil {
			s.log.Debugf("socket %d receive buffer: %s", s.id, err)

			return
		}

		atomic.AddInt64(&s.pending, 1)
		s.stack.metrics.packetsReceived.Inc()
		s.notifyPollers()
	case packetShutdown:
		s.mu.Lock()
		if s.status != StatusConnected {
			s.mu.Unlock()

			return
		}

		s.status = StatusBroken
		s.connectErr = errors.Annotate(ErrSocketClosed, "peer shutdown")
		s.mu.Unlock()

		_ = s.recvBuf.Close()
		s.notifyPollers()
	case packetKeepAlive:
		// Nothing to do: reaching the mux already proved liveness.
	case packetHandshake, packetRejection:
		select {
		case s.inbox <- p:
		default:
			s.log.Debugf("socket %d handshake queue full, dropped %s", s.id, p.typ)
		}
	}
}

func (s *Socket) timestamp() uint32 {
	return uint32(s.stack.clock.Since(s.createdAt).Microseconds())
}

// Send transmits one datagram to the connected peer. The reliability engine
// (loss lists, ACK/NAK, pacing) sits behind this seam and is not part of
// this core.
func (s *Socket) Send(b []byte) (int, error) {
	s.mu.Lock()

	if s.status != StatusConnected {
		status := s.status
		s.mu.Unlock()

		if status == StatusClosed {
			return 0, errors.Annotate(ErrSocketClosed, "send")
		}

		return 0, errors.Annotatef(ErrNotConnected, "send: status: %s", status)
	}

	s.sendSeq++

	h := header{
		typ:       packetData,
		field:     s.sendSeq,
		timestamp: s.timestamp(),
		dstID:     s.peerID,
	}
	raddr := s.peerAddr
	mux := s.mux
	s.mu.Unlock()

	if err := mux.writePacket(h, b, raddr); err != nil {
		return 0, errors.Trace(err)
	}

	s.stack.metrics.packetsSent.Inc()

	return len(b), nil
}

// Recv reads one datagram from the receive buffer. With the receive
// blocking-mode flag unset it returns ErrNoData instead of waiting.
func (s *Socket) Recv(b []byte) (int, error) {
	s.mu.Lock()
	status := s.status
	blocking := s.opts.recvBlocking
	buf := s.recvBuf
	s.mu.Unlock()

	switch status {
	case StatusClosed:
		return 0, errors.Annotate(ErrSocketClosed, "recv")
	case StatusConnected, StatusBroken:
	default:
		return 0, errors.Annotatef(ErrNotConnected, "recv: status: %s", status)
	}

	if !blocking && atomic.LoadInt64(&s.pending) == 0 {
		return 0, errors.Annotate(ErrNoData, "recv")
	}

	i, err := buf.Read(b)
	if err != nil {
		if errors.Cause(err) == io.EOF {
			return 0, errors.Annotate(ErrSocketClosed, "recv")
		}

		return 0, errors.Trace(err)
	}

	atomic.AddInt64(&s.pending, -1)

	return i, nil
}

// Close releases the socket. Closing a connecting socket immediately fails
// the attempt with ErrSocketClosed, waking any blocking Connect, and
// asserts an error event on subscribed pollers. Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()

	if s.status == StatusClosed {
		s.mu.Unlock()

		return nil
	}

	wasConnected := s.status == StatusConnected
	peerID := s.peerID
	peerAddr := s.peerAddr

	if s.status == StatusConnecting {
		s.leaveConnectingLocked(StatusClosed, errors.Annotate(ErrSocketClosed, "closed while connecting"))
	} else {
		s.status = StatusClosed
	}

	mux := s.mux
	ownsMux := s.ownsMux
	s.mux = nil
	ts := s.timestamp()
	s.mu.Unlock()

	if wasConnected && mux != nil {
		h := header{typ: packetShutdown, timestamp: ts, dstID: peerID}
		if err := mux.writePacket(h, nil, peerAddr); err != nil {
			s.log.Debugf("socket %d shutdown packet: %s", s.id, err)
		}
	}

	if mux != nil {
		mux.unregister(s.id)

		if ownsMux {
			mux.close()
		}
	}

	_ = s.recvBuf.Close()

	s.notifyPollers()
	s.stack.dropSocket(s.id)

	return nil
}
