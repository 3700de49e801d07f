package udx

import (
	"net"

	"github.com/juju/errors"
	"github.com/oxtoacart/bpool"
	"github.com/pion/logging"
)

// DefaultMTU bounds the size of a single datagram.
const DefaultMTU = 1500

// packetMux owns a bound PacketConn and demultiplexes inbound datagrams to
// sockets. Packets whose destination socket ID is set route to the matching
// registered socket. Packets addressed to socket zero are handshake traffic:
// they route to the socket connecting to the sender's address if there is
// one, and otherwise to the listener induction sink when this mux backs a
// listener.
//
// A single goroutine owns the routing tables; registration and teardown are
// requests over channels.
type packetMux struct {
	params muxParams

	log  logging.LeveledLogger
	pool *bpool.BytePool

	registerChan      chan muxRegistration
	unregisterChan    chan SocketID
	remotePacketsChan chan *packet

	teardownChan chan struct{}
	torndownChan chan struct{}
}

type muxParams struct {
	conn          net.PacketConn
	mtu           int
	loggerFactory logging.LoggerFactory

	// inductionSink receives handshake packets that match no connecting
	// socket. Only set when the mux backs a listener.
	inductionSink chan<- *packet

	readBufferSize int
}

type muxRegistration struct {
	sock *Socket
	// raddr is set when the socket also claims handshake packets addressed
	// to socket zero coming from this remote address (connecting and
	// rendezvous sockets).
	raddr *net.UDPAddr

	done chan error
}

var errAddrInUse = errors.New("remote address already claimed on this mux")

func newPacketMux(params muxParams) *packetMux {
	if params.mtu == 0 {
		params.mtu = DefaultMTU
	}

	if params.readBufferSize == 0 {
		params.readBufferSize = 64
	}

	m := &packetMux{
		params: params,

		log:  params.loggerFactory.NewLogger("udx_mux"),
		pool: bpool.NewBytePool(32, params.mtu),

		registerChan:      make(chan muxRegistration),
		unregisterChan:    make(chan SocketID),
		remotePacketsChan: make(chan *packet, params.readBufferSize),

		teardownChan: make(chan struct{}, 1),
		torndownChan: make(chan struct{}),
	}

	go m.startLoop()

	return m
}

func (m *packetMux) localAddr() net.Addr {
	return m.params.conn.LocalAddr()
}

// register adds a socket to the routing tables and waits until the mux loop
// picked it up, so that no datagram arriving afterwards can miss it.
func (m *packetMux) register(s *Socket, raddr *net.UDPAddr) error {
	reg := muxRegistration{
		sock:  s,
		raddr: raddr,
		done:  make(chan error, 1),
	}

	select {
	case m.registerChan <- reg:
	case <-m.torndownChan:
		return errors.Annotate(ErrSocketClosed, "register")
	}

	select {
	case err := <-reg.done:
		return errors.Trace(err)
	case <-m.torndownChan:
		return errors.Annotate(ErrSocketClosed, "register")
	}
}

func (m *packetMux) unregister(id SocketID) {
	select {
	case m.unregisterChan <- id:
	case <-m.torndownChan:
	}
}

func (m *packetMux) startLoop() {
	readingDone := make(chan struct{})

	go func() {
		defer close(readingDone)
		m.startReading()
	}()

	bySockID := map[SocketID]*Socket{}
	byAddr := map[string]*Socket{}

	defer func() {
		_ = m.params.conn.Close()

		// Drain the packet channel so the reader can never stay blocked on a
		// send while we wait for it to finish.
		for {
			select {
			case <-m.remotePacketsChan:
			case <-readingDone:
				close(m.torndownChan)

				return
			}
		}
	}()

	handleRegister := func(reg muxRegistration) {
		if reg.raddr != nil {
			key := reg.raddr.String()

			// Two sockets claiming handshake traffic from the same remote
			// would silently steal each other's responses.
			if claimed, ok := byAddr[key]; ok && claimed != reg.sock {
				reg.done <- errors.Annotatef(errAddrInUse, "%s by socket %d", key, claimed.ID())

				return
			}

			byAddr[key] = reg.sock
		}

		bySockID[reg.sock.ID()] = reg.sock

		reg.done <- nil
	}

	handleUnregister := func(id SocketID) {
		sock, ok := bySockID[id]
		if !ok {
			return
		}

		delete(bySockID, id)

		for addr, s := range byAddr {
			if s == sock {
				delete(byAddr, addr)
			}
		}
	}

	handlePacket := func(p *packet) {
		if p.dstID != 0 {
			sock, ok := bySockID[p.dstID]
			if !ok {
				m.log.Debugf("no socket %d for %s packet from %s", p.dstID, p.typ, p.raddr)

				return
			}

			sock.deliver(p)

			return
		}

		if sock, ok := byAddr[p.raddr.String()]; ok {
			sock.deliver(p)

			return
		}

		if m.params.inductionSink != nil && p.typ == packetHandshake {
			select {
			case m.params.inductionSink <- p:
			default:
				m.log.Debugf("induction queue full, dropped handshake from %s", p.raddr)
			}

			return
		}

		m.log.Debugf("dropped %s packet from %s", p.typ, p.raddr)
	}

	for {
		select {
		case reg := <-m.registerChan:
			handleRegister(reg)
		case id := <-m.unregisterChan:
			handleUnregister(id)
		case p := <-m.remotePacketsChan:
			handlePacket(p)
		case <-m.teardownChan:
			return
		}
	}
}

func (m *packetMux) startReading() {
	buf := m.pool.Get()
	defer m.pool.Put(buf)

	for {
		i, raddr, err := m.params.conn.ReadFrom(buf)
		if err != nil {
			// The conn was closed during teardown; anything else is logged
			// below before the reader stops.
			select {
			case <-m.teardownChan:
			default:
				m.log.Debugf("read: %s", err)
			}

			// Put teardown back so the loop exits too.
			select {
			case m.teardownChan <- struct{}{}:
			default:
			}

			return
		}

		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}

		h, err := unmarshalHeader(buf[:i])
		if err != nil {
			m.log.Debugf("bad packet from %s: %s", raddr, err)

			continue
		}

		p := &packet{
			header:  h,
			payload: append([]byte(nil), buf[headerSize:i]...),
			raddr:   udpAddr,
		}

		select {
		case m.remotePacketsChan <- p:
		case <-m.torndownChan:
			return
		}
	}
}

// writePacket marshals the header and payload into a pooled buffer and
// writes it out as a single datagram.
func (m *packetMux) writePacket(h header, payload []byte, raddr *net.UDPAddr) error {
	if headerSize+len(payload) > m.params.mtu {
		return errors.Errorf("packet size %d exceeds mtu %d", headerSize+len(payload), m.params.mtu)
	}

	buf := m.pool.Get()
	defer m.pool.Put(buf)

	i, err := h.marshal(buf)
	if err != nil {
		return errors.Trace(err)
	}

	i += copy(buf[i:], payload)

	_, err = m.params.conn.WriteTo(buf[:i], raddr)

	return errors.Annotatef(err, "write %s to %s", h.typ, raddr)
}

func (m *packetMux) done() <-chan struct{} {
	return m.torndownChan
}

func (m *packetMux) close() {
	select {
	case m.teardownChan <- struct{}{}:
	case <-m.torndownChan:
	}

	<-m.torndownChan
}
