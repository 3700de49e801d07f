package udx_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/udx-project/udx"
)

func newStack(t *testing.T) *udx.Stack {
	t.Helper()

	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	st, err := udx.New(udx.Params{})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	return st
}

// deadAddr binds a UDP port that never answers, guaranteeing a connect
// attempt against it can only time out.
func deadAddr(t *testing.T) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	// Swallow whatever arrives so ICMP unreachable noise cannot appear.
	go func() {
		buf := make([]byte, 2048)

		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

// TestConnectionTimeout covers the non-blocking path: the failed attempt
// must surface through the poller within the configured timeout, with the
// socket reported in both the read and the write sets.
func TestConnectionTimeout(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(500*time.Millisecond))
	require.NoError(t, sock.SetBlocking(false, false))
	require.NoError(t, sock.SetOption(udx.OptionTSBPD, true))
	require.NoError(t, sock.SetOption(udx.OptionSender, true))

	poll, err := st.NewPoller()
	require.NoError(t, err)

	defer poll.Release()

	require.NoError(t, poll.Add(sock, udx.EventWrite|udx.EventError))

	start := time.Now()

	require.NoError(t, sock.Connect(deadAddr(t)), "arming never reports the outcome")

	res, err := poll.Wait(600 * time.Millisecond)
	require.NoError(t, err)

	elapsed := time.Since(start)

	assert.Equal(t, 2, res.Total(), "the errored socket satisfies both sets")
	require.Len(t, res.Read, 1)
	require.Len(t, res.Write, 1)
	assert.Same(t, sock, res.Read[0])
	assert.Same(t, sock, res.Write[0])

	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 580*time.Millisecond)

	assert.Equal(t, udx.StatusBroken, sock.Status())
	assert.Equal(t, udx.CodeNoServer, udx.CodeOf(sock.ConnectError()))

	require.NoError(t, poll.Remove(sock))
	require.NoError(t, sock.Close())
}

// TestBlockingConnectTimeoutLoop guards the regression where a failed
// attempt leaves the socket stuck mid-connect: every repetition must fail
// with the no-server error, never with "already connected".
func TestBlockingConnectTimeoutLoop(t *testing.T) {
	st := newStack(t)
	raddr := deadAddr(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(100*time.Millisecond))

	for i := 0; i < 30; i++ {
		err := sock.Connect(raddr)
		require.Error(t, err, "attempt %d", i)
		require.Equal(t, udx.CodeNoServer, udx.CodeOf(err), "attempt %d: %s", i, err)
	}

	require.NoError(t, sock.Close())
}

func TestBlockingConnectTimeoutBounds(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(300*time.Millisecond))

	start := time.Now()
	err = sock.Connect(deadAddr(t))
	elapsed := time.Since(start)

	require.Equal(t, udx.CodeNoServer, udx.CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestConnectSuccessAndRoundTrip(t *testing.T) {
	st := newStack(t)

	ln, err := st.Listen(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	defer ln.Close()

	accepted := make(chan *udx.Socket, 1)

	go func() {
		sock, err := ln.Accept()
		if err == nil {
			accepted <- sock
		}
	}()

	caller, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, caller.Connect(ln.Addr().(*net.UDPAddr)))
	require.Equal(t, udx.StatusConnected, caller.Status())

	var callee *udx.Socket

	select {
	case callee = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	_, err = caller.Send([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 2048)

	i, err := callee.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:i]))

	_, err = callee.Send([]byte("pong"))
	require.NoError(t, err)

	i, err = caller.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:i]))

	require.NoError(t, caller.Close())
	require.NoError(t, callee.Close())
}

func TestConnectedSocketIsWriteReady(t *testing.T) {
	st := newStack(t)

	ln, err := st.Listen(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		for {
			if _, err := ln.Accept(); err != nil {
				return
			}
		}
	}()

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetBlocking(false, false))

	poll, err := st.NewPoller()
	require.NoError(t, err)

	defer poll.Release()

	require.NoError(t, poll.Add(sock, udx.EventWrite|udx.EventError))
	require.NoError(t, sock.Connect(ln.Addr().(*net.UDPAddr)))

	res, err := poll.Wait(2 * time.Second)
	require.NoError(t, err)

	require.Len(t, res.Write, 1, "connected socket is write-ready")
	assert.Empty(t, res.Read, "no error, no data: not in the read set")
	assert.Equal(t, udx.StatusConnected, sock.Status())
	assert.NoError(t, sock.ConnectError())

	require.NoError(t, sock.Close())
}

// TestCloseWhileConnecting verifies that closing a connecting socket from
// another goroutine wakes the blocking Connect promptly instead of letting
// it wait out the deadline.
func TestCloseWhileConnecting(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(5*time.Second))

	result := make(chan error, 1)

	start := time.Now()

	go func() {
		result <- sock.Connect(deadAddr(t))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sock.Close())

	select {
	case err := <-result:
		require.Equal(t, udx.CodeSocketClosed, udx.CodeOf(err))
		assert.Less(t, time.Since(start), time.Second, "returned well before the deadline")
	case <-time.After(2 * time.Second):
		t.Fatal("blocking connect did not return after close")
	}
}

// TestCloseRacingConnect interleaves Close with a concurrent Connect at
// every stage of the arming sequence. Whatever the interleaving, a socket
// whose Close returned must stay closed: Connect either finished first or
// fails with the socket-closed error, and never resurrects the socket into
// a connecting state.
func TestCloseRacingConnect(t *testing.T) {
	st := newStack(t)
	raddr := deadAddr(t)

	for i := 0; i < 50; i++ {
		sock, err := st.NewSocket()
		require.NoError(t, err)

		require.NoError(t, sock.SetConnectTimeout(time.Second))
		require.NoError(t, sock.SetBlocking(false, false))

		result := make(chan error, 1)

		go func() {
			result <- sock.Connect(raddr)
		}()

		// Vary the interleaving point across iterations.
		time.Sleep(time.Duration(i%10) * 50 * time.Microsecond)

		require.NoError(t, sock.Close())

		err = <-result
		if err != nil {
			require.Equal(t, udx.CodeSocketClosed, udx.CodeOf(err), "iteration %d: %s", i, err)
		}

		require.Equal(t, udx.StatusClosed, sock.Status(), "iteration %d: connect err %v", i, err)
	}
}

// TestCloseRacingBind covers the same window for an explicit Bind.
func TestCloseRacingBind(t *testing.T) {
	st := newStack(t)

	for i := 0; i < 50; i++ {
		sock, err := st.NewSocket()
		require.NoError(t, err)

		result := make(chan error, 1)

		go func() {
			result <- sock.Bind(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
		}()

		time.Sleep(time.Duration(i%10) * 50 * time.Microsecond)

		require.NoError(t, sock.Close())

		err = <-result
		if err != nil {
			require.Equal(t, udx.CodeSocketClosed, udx.CodeOf(err), "iteration %d: %s", i, err)
		}

		require.Equal(t, udx.StatusClosed, sock.Status(), "iteration %d", i)
	}
}

func TestReuseAfterTimeout(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(100*time.Millisecond))

	err = sock.Connect(deadAddr(t))
	require.Equal(t, udx.CodeNoServer, udx.CodeOf(err))
	require.Equal(t, udx.StatusBroken, sock.Status())

	// The same socket immediately connects somewhere that answers.
	ln, err := st.Listen(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		for {
			if _, err := ln.Accept(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, sock.SetConnectTimeout(2*time.Second))
	require.NoError(t, sock.Connect(ln.Addr().(*net.UDPAddr)))
	assert.Equal(t, udx.StatusConnected, sock.Status())

	require.NoError(t, sock.Close())
}

func TestConnectValidation(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	err = sock.Connect(nil)
	require.Equal(t, udx.CodeInvalidAddress, udx.CodeOf(err))

	err = sock.Connect(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.Equal(t, udx.CodeInvalidAddress, udx.CodeOf(err))

	assert.Equal(t, udx.StatusInit, sock.Status(), "validation failures mutate nothing")
}

func TestConnectWhileConnecting(t *testing.T) {
	st := newStack(t)
	raddr := deadAddr(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.SetConnectTimeout(time.Second))
	require.NoError(t, sock.SetBlocking(false, false))
	require.NoError(t, sock.Connect(raddr))

	err = sock.Connect(raddr)
	require.Equal(t, udx.CodeConnectInProgress, udx.CodeOf(err))

	require.NoError(t, sock.Close())
}

func TestConnectAfterClose(t *testing.T) {
	st := newStack(t)
	raddr := deadAddr(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close(), "close is idempotent")

	err = sock.Connect(raddr)
	require.Equal(t, udx.CodeSocketClosed, udx.CodeOf(err))
}

func TestRendezvousConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	st, err := udx.New(udx.Params{RetryInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	defer func() {
		require.NoError(t, st.Close())
	}()

	sock1, err := st.NewSocket()
	require.NoError(t, err)

	sock2, err := st.NewSocket()
	require.NoError(t, err)

	for _, sock := range []*udx.Socket{sock1, sock2} {
		require.NoError(t, sock.SetOption(udx.OptionRendezvous, true))
		require.NoError(t, sock.SetConnectTimeout(3*time.Second))
		require.NoError(t, sock.Bind(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0}))
	}

	addr1 := sock1.LocalAddr().(*net.UDPAddr)
	addr2 := sock2.LocalAddr().(*net.UDPAddr)

	var wg sync.WaitGroup

	errs := make([]error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		errs[0] = sock1.Connect(addr2)
	}()

	go func() {
		defer wg.Done()
		errs[1] = sock2.Connect(addr1)
	}()

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, udx.StatusConnected, sock1.Status())
	assert.Equal(t, udx.StatusConnected, sock2.Status())

	require.NoError(t, sock1.Close())
	require.NoError(t, sock2.Close())
}

func TestRecvNonBlockingNoData(t *testing.T) {
	st := newStack(t)

	ln, err := st.Listen(&net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		for {
			if _, err := ln.Accept(); err != nil {
				return
			}
		}
	}()

	sock, err := st.NewSocket()
	require.NoError(t, err)

	require.NoError(t, sock.Connect(ln.Addr().(*net.UDPAddr)))
	require.NoError(t, sock.SetOption(udx.OptionRecvBlocking, false))

	buf := make([]byte, 16)

	_, err = sock.Recv(buf)
	assert.Error(t, err)

	_, err = sock.Send([]byte("x"))
	assert.NoError(t, err)

	require.NoError(t, sock.Close())
}

func TestSendNotConnected(t *testing.T) {
	st := newStack(t)

	sock, err := st.NewSocket()
	require.NoError(t, err)

	_, err = sock.Send([]byte("x"))
	assert.Error(t, err)

	_, err = sock.Recv(make([]byte, 16))
	assert.Error(t, err)
}
