package udx

import (
	"net"
	"time"

	"github.com/juju/errors"
)

// handshakeAttempt is the state of one in-flight connection attempt. It is
// created by Connect and destroyed when the socket leaves StatusConnecting.
// Mutable fields are guarded by the owning socket's mutex.
type handshakeAttempt struct {
	raddr   *net.UDPAddr
	reqType uint32
	cookie  uint32

	deadline      time.Time
	retryInterval time.Duration
	nextRetryAt   time.Time
	retries       int

	// done is closed exactly once, by leaveConnectingLocked.
	done chan struct{}
}

// tickHandshake advances one connecting socket by one worker tick: inbound
// handshake packets first, then the deadline, then retries. Processing
// packets before the deadline gives an explicit rejection precedence over
// expiry when both land on the same tick.
func (s *Socket) tickHandshake(now time.Time) {
drain:
	for {
		select {
		case p := <-s.inbox:
			s.processHandshakePacket(p)
		default:
			break drain
		}
	}

	s.mu.Lock()

	if s.status != StatusConnecting {
		s.mu.Unlock()

		return
	}

	attempt := s.attempt

	if now.Before(attempt.deadline) {
		resend := false

		if !now.Before(attempt.nextRetryAt) {
			attempt.retries++
			attempt.nextRetryAt = now.Add(attempt.retryInterval)
			s.lastHandshakeAt = now
			resend = true
		}
		s.mu.Unlock()

		if resend {
			s.sendHandshakeRequest(attempt)
		}

		return
	}

	retries := attempt.retries
	s.leaveConnectingLocked(StatusBroken, errors.Annotatef(ErrNoServer, "after %d requests to %s", retries+1, attempt.raddr))
	s.mu.Unlock()

	s.stack.metrics.connectTimeouts.Inc()
	s.log.Debugf("socket %d connect timed out, %d requests sent to %s", s.id, retries+1, attempt.raddr)

	s.notifyPollers()
}

func (s *Socket) processHandshakePacket(p *packet) {
	if p.typ == packetRejection {
		s.handleRejection(p)

		return
	}

	payload, err := unmarshalHandshake(p.payload)
	if err != nil {
		s.log.Debugf("socket %d bad handshake from %s: %s", s.id, p.raddr, err)

		return
	}

	switch payload.reqType {
	case hsResponse:
		s.completeHandshake(payload, p.raddr)
	case hsRendezvous:
		s.answerRendezvous(payload, p.raddr)
	case hsRequest:
		// Requests are listener business; a connecting socket ignores them.
	}
}

func (s *Socket) handleRejection(p *packet) {
	s.mu.Lock()

	if s.status != StatusConnecting {
		s.mu.Unlock()

		return
	}

	// Rejections carry no cookie, so the source address is the only thing
	// tying them to the attempt. Anything not from the dialed address is a
	// stray or spoofed datagram.
	if p.raddr == nil || p.raddr.String() != s.attempt.raddr.String() {
		s.mu.Unlock()
		s.log.Debugf("socket %d ignored rejection from %v", s.id, p.raddr)

		return
	}

	s.leaveConnectingLocked(StatusBroken, errors.Annotatef(ErrConnectionRejected, "reason: %d", p.field))
	s.mu.Unlock()

	s.stack.metrics.connectRejections.Inc()
	s.log.Debugf("socket %d rejected by %s, reason %d", s.id, p.raddr, p.field)

	s.notifyPollers()
}

// completeHandshake finishes the attempt on a valid acceptance. The response
// must echo the attempt cookie; anything else is a stray or spoofed packet.
func (s *Socket) completeHandshake(payload handshakePayload, raddr *net.UDPAddr) {
	s.mu.Lock()

	if s.status != StatusConnecting {
		s.mu.Unlock()

		return
	}

	if payload.cookie != s.attempt.cookie {
		s.mu.Unlock()
		s.log.Debugf("socket %d response cookie mismatch from %s", s.id, raddr)

		return
	}

	s.peerID = payload.srcID
	s.peerAddr = raddr
	s.leaveConnectingLocked(StatusConnected, nil)
	s.mu.Unlock()

	s.stack.metrics.connectEstablished.Inc()
	s.log.Debugf("socket %d connected to %s (peer %d)", s.id, raddr, payload.srcID)

	s.notifyPollers()
}

// answerRendezvous replies to the peer's simultaneous connection request.
// Each side completes on the response echoing its own cookie, so crossing
// requests converge without a listener.
func (s *Socket) answerRendezvous(payload handshakePayload, raddr *net.UDPAddr) {
	s.mu.Lock()

	if s.status != StatusConnecting || s.attempt.reqType != hsRendezvous {
		s.mu.Unlock()

		return
	}

	mux := s.mux
	ts := s.timestamp()
	s.mu.Unlock()

	reply := handshakePayload{
		version:    protocolVersion,
		reqType:    hsResponse,
		initialSeq: s.initialSeq,
		mtu:        uint32(s.stack.params.MTU),
		srcID:      s.id,
		cookie:     payload.cookie,
	}

	var pb [handshakeSize - headerSize]byte

	if _, err := reply.marshal(pb[:]); err != nil {
		return
	}

	h := header{typ: packetHandshake, timestamp: ts, dstID: payload.srcID}

	if err := mux.writePacket(h, pb[:], raddr); err != nil {
		s.log.Debugf("socket %d rendezvous reply to %s: %s", s.id, raddr, err)
	}
}

// sendHandshakeRequest transmits one connection request. A lost request is
// invisible to the caller: the retry schedule resends it until the deadline.
func (s *Socket) sendHandshakeRequest(attempt *handshakeAttempt) {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()

	if mux == nil {
		return
	}

	payload := handshakePayload{
		version:    protocolVersion,
		reqType:    attempt.reqType,
		initialSeq: s.initialSeq,
		mtu:        uint32(s.stack.params.MTU),
		srcID:      s.id,
		cookie:     attempt.cookie,
	}

	var pb [handshakeSize - headerSize]byte

	if _, err := payload.marshal(pb[:]); err != nil {
		return
	}

	h := header{typ: packetHandshake, timestamp: s.timestamp(), dstID: 0}

	if err := mux.writePacket(h, pb[:], attempt.raddr); err != nil {
		s.log.Debugf("socket %d handshake request to %s: %s", s.id, attempt.raddr, err)

		return
	}

	s.stack.metrics.packetsSent.Inc()
}
