package udx

import (
	"fmt"
	"io"
	"net"

	"github.com/juju/errors"
	"github.com/pion/logging"
)

// Listener accepts inbound connections on a bound UDP address. Handshake
// requests create an established socket, respond to the caller and queue the
// socket for Accept. Duplicate requests (the caller retries until its
// deadline) re-send the response instead of creating another socket.
type Listener struct {
	stack *Stack
	log   logging.LeveledLogger

	mux           *packetMux
	inductionChan chan *packet
	acceptChan    chan *Socket

	teardownChan chan struct{}
	torndownChan chan struct{}
}

// DefaultBacklog is the number of established, not yet accepted sockets a
// listener holds before rejecting new callers as busy.
const DefaultBacklog = 16

// Listen binds laddr and starts accepting connections.
func (st *Stack) Listen(laddr *net.UDPAddr) (*Listener, error) {
	if err := st.checkOpen(); err != nil {
		return nil, errors.Trace(err)
	}

	inductionChan := make(chan *packet, 32)

	mux, err := st.openMuxWithSink(laddr, inductionChan)
	if err != nil {
		return nil, errors.Annotate(err, "listen")
	}

	l := &Listener{
		stack: st,
		log:   st.params.LoggerFactory.NewLogger("udx_listener"),

		mux:           mux,
		inductionChan: inductionChan,
		acceptChan:    make(chan *Socket, DefaultBacklog),

		teardownChan: make(chan struct{}, 1),
		torndownChan: make(chan struct{}),
	}

	go l.run()

	l.log.Debugf("listening on %s", mux.localAddr())

	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.mux.localAddr()
}

// Accept returns the next established socket.
func (l *Listener) Accept() (*Socket, error) {
	select {
	case s := <-l.acceptChan:
		return s, nil
	case <-l.torndownChan:
		return nil, errors.Annotate(io.ErrClosedPipe, "accept")
	}
}

func (l *Listener) run() {
	// peers remembers responded-to callers so retried requests do not spawn
	// duplicate sockets.
	peers := map[string]*Socket{}

	defer func() {
		l.mux.close()

		for {
			select {
			case s := <-l.acceptChan:
				_ = s.Close()
			default:
				close(l.torndownChan)

				return
			}
		}
	}()

	for {
		select {
		case p := <-l.inductionChan:
			l.handleInduction(peers, p)
		case <-l.teardownChan:
			return
		}
	}
}

func (l *Listener) handleInduction(peers map[string]*Socket, p *packet) {
	payload, err := unmarshalHandshake(p.payload)
	if err != nil {
		l.log.Debugf("bad handshake from %s: %s", p.raddr, err)

		return
	}

	if payload.reqType != hsRequest {
		return
	}

	key := fmt.Sprintf("%s/%d", p.raddr, payload.srcID)

	if sock, ok := peers[key]; ok {
		// The caller retried; our response was probably lost.
		l.respond(sock, payload, p.raddr)

		return
	}

	if len(l.acceptChan) == cap(l.acceptChan) {
		l.log.Debugf("backlog full, rejecting %s", p.raddr)
		l.reject(payload, p.raddr, rejectionBusy)

		return
	}

	sock, err := l.stack.newAcceptedSocket(l.mux, payload, p.raddr)
	if err != nil {
		l.log.Debugf("accept %s: %s", p.raddr, err)
		l.reject(payload, p.raddr, rejectionRefused)

		return
	}

	peers[key] = sock
	l.respond(sock, payload, p.raddr)

	l.acceptChan <- sock

	l.log.Debugf("accepted %s as socket %d", p.raddr, sock.ID())
}

// respond sends the handshake acceptance, echoing the caller's cookie.
func (l *Listener) respond(sock *Socket, req handshakePayload, raddr *net.UDPAddr) {
	reply := handshakePayload{
		version:    protocolVersion,
		reqType:    hsResponse,
		initialSeq: sock.initialSeq,
		mtu:        uint32(l.stack.params.MTU),
		srcID:      sock.ID(),
		cookie:     req.cookie,
	}

	var pb [handshakeSize - headerSize]byte

	if _, err := reply.marshal(pb[:]); err != nil {
		return
	}

	h := header{typ: packetHandshake, timestamp: sock.timestamp(), dstID: req.srcID}

	if err := l.mux.writePacket(h, pb[:], raddr); err != nil {
		l.log.Debugf("handshake response to %s: %s", raddr, err)
	}
}

func (l *Listener) reject(req handshakePayload, raddr *net.UDPAddr, reason uint32) {
	h := header{typ: packetRejection, field: reason, dstID: req.srcID}

	if err := l.mux.writePacket(h, nil, raddr); err != nil {
		l.log.Debugf("rejection to %s: %s", raddr, err)
	}
}

// Close tears the listener down. Sockets queued but never accepted are
// closed; sockets already accepted share the listener's UDP socket and stop
// working once it is gone, like after any transport loss.
func (l *Listener) Close() error {
	select {
	case l.teardownChan <- struct{}{}:
	case <-l.torndownChan:
	}

	<-l.torndownChan

	return nil
}
