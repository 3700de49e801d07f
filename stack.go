package udx

import (
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/transport/packetio"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/udx-project/udx/clock"
)

// Params configures a Stack. Zero values select the defaults.
type Params struct {
	LoggerFactory logging.LoggerFactory

	// Clock drives every deadline and retry decision. Tests inject a mock.
	Clock clock.Clock

	// TickInterval is the connection worker period. A connection timeout is
	// observed within one tick after its deadline, so this is also the
	// timeout jitter bound.
	TickInterval time.Duration

	// RetryInterval is how often an unanswered handshake request is re-sent
	// while the attempt is still within its deadline.
	RetryInterval time.Duration

	// MTU bounds datagram size.
	MTU int

	// Registerer, when set, receives the stack's metric collectors.
	Registerer prometheus.Registerer
}

const (
	// DefaultTickInterval is the default connection worker period.
	DefaultTickInterval = 10 * time.Millisecond

	// DefaultRetryInterval is the default handshake retry period.
	DefaultRetryInterval = time.Second
)

// Stack is the process-wide handle owning the socket table, socket ID
// allocation and the connection worker. All sockets, listeners and pollers
// are created through it, and none of them outlive it.
type Stack struct {
	params  Params
	log     logging.LeveledLogger
	clock   clock.Clock
	rand    randutil.MathRandomGenerator
	metrics *metrics
	worker  *connWorker

	mu      sync.Mutex
	sockets map[SocketID]*Socket
	nextID  SocketID
	closed  bool
}

// New starts a Stack.
func New(params Params) (*Stack, error) {
	if params.LoggerFactory == nil {
		params.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	if params.Clock == nil {
		params.Clock = clock.New()
	}

	if params.TickInterval <= 0 {
		params.TickInterval = DefaultTickInterval
	}

	if params.RetryInterval <= 0 {
		params.RetryInterval = DefaultRetryInterval
	}

	if params.MTU <= 0 {
		params.MTU = DefaultMTU
	}

	rand := randutil.NewMathRandomGenerator()

	st := &Stack{
		params:  params,
		log:     params.LoggerFactory.NewLogger("udx_stack"),
		clock:   params.Clock,
		rand:    rand,
		metrics: newMetrics(params.Registerer),

		sockets: map[SocketID]*Socket{},
		// Socket IDs start at a random base, like sequence numbers, so IDs
		// from different runs do not collide on the wire.
		nextID: SocketID(rand.Uint32() & 0x7fffffff),
	}

	st.worker = newConnWorker(params.LoggerFactory, params.Clock, params.TickInterval)

	return st, nil
}

func (st *Stack) checkOpen() error {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()

	if closed {
		return errors.Trace(ErrStackClosed)
	}

	return nil
}

// allocIDLocked hands out the next free positive socket ID. IDs are never
// reused while the socket table still references them.
func (st *Stack) allocIDLocked() SocketID {
	for {
		st.nextID++

		if st.nextID == 0 {
			continue
		}

		if _, taken := st.sockets[st.nextID]; !taken {
			return st.nextID
		}
	}
}

func (st *Stack) newCookie() uint32 {
	for {
		if c := st.rand.Uint32(); c != 0 {
			return c
		}
	}
}

// NewSocket creates an unbound socket in StatusInit with default options.
func (st *Stack) NewSocket() (*Socket, error) {
	st.mu.Lock()

	if st.closed {
		st.mu.Unlock()

		return nil, errors.Annotate(ErrStackClosed, "new socket")
	}

	id := st.allocIDLocked()

	s := &Socket{
		id:    id,
		stack: st,
		log:   st.params.LoggerFactory.NewLogger("udx_socket"),

		createdAt: st.clock.Now(),

		status: StatusInit,
		opts:   defaultOptions(),

		initialSeq: st.rand.Uint32(),

		pollers: map[*Poller]struct{}{},

		inbox:   make(chan *packet, 64),
		recvBuf: packetio.NewBuffer(),
	}

	st.sockets[id] = s
	st.mu.Unlock()

	return s, nil
}

// newAcceptedSocket creates the listener-side socket for a caller whose
// handshake request was approved. It shares the listener's mux.
func (st *Stack) newAcceptedSocket(mux *packetMux, req handshakePayload, raddr *net.UDPAddr) (*Socket, error) {
	s, err := st.NewSocket()
	if err != nil {
		return nil, errors.Trace(err)
	}

	s.mu.Lock()
	s.status = StatusConnected
	s.mux = mux
	s.ownsMux = false
	s.peerID = req.srcID
	s.peerAddr = raddr
	s.mu.Unlock()

	if err := mux.register(s, nil); err != nil {
		_ = s.Close()

		return nil, errors.Trace(err)
	}

	st.metrics.connectEstablished.Inc()

	return s, nil
}

// NewPoller creates an empty readiness registry.
func (st *Stack) NewPoller() (*Poller, error) {
	if err := st.checkOpen(); err != nil {
		return nil, errors.Trace(err)
	}

	return newPoller(st.params.LoggerFactory, st.clock), nil
}

func (st *Stack) openMux(laddr *net.UDPAddr) (*packetMux, error) {
	return st.openMuxWithSink(laddr, nil)
}

func (st *Stack) openMuxWithSink(laddr *net.UDPAddr, inductionSink chan<- *packet) (*packetMux, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen udp: %v", laddr)
	}

	return newPacketMux(muxParams{
		conn:          conn,
		mtu:           st.params.MTU,
		loggerFactory: st.params.LoggerFactory,
		inductionSink: inductionSink,
	}), nil
}

func (st *Stack) dropSocket(id SocketID) {
	st.mu.Lock()
	delete(st.sockets, id)
	st.mu.Unlock()
}

// Socket looks a socket up by its handle.
func (st *Stack) Socket(id SocketID) (*Socket, bool) {
	st.mu.Lock()
	s, ok := st.sockets[id]
	st.mu.Unlock()

	return s, ok
}

// Close stops the worker and closes every remaining socket. The stack is
// unusable afterwards.
func (st *Stack) Close() error {
	st.mu.Lock()

	if st.closed {
		st.mu.Unlock()

		return nil
	}

	st.closed = true

	sockets := make([]*Socket, 0, len(st.sockets))
	for _, s := range st.sockets {
		sockets = append(sockets, s)
	}
	st.mu.Unlock()

	errs := make([]error, 0, len(sockets))

	for _, s := range sockets {
		errs = append(errs, s.Close())
	}

	st.worker.close()

	return errors.Trace(firstError(errs...))
}
