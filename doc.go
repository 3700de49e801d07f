// Package udx implements a connection-oriented, reliable transport layered
// over UDP datagrams, with a socket-like API and a readiness poller.
//
// A Stack owns the socket table and a background connection worker that
// drives handshake retries and timeouts. Sockets connect either blocking
// (Connect returns the outcome) or non-blocking (Connect returns once the
// attempt is armed, and the outcome is observed through a Poller). Both
// modes share one deadline, enforced only by the worker, so they can never
// disagree.
//
//	st, _ := udx.New(udx.Params{})
//	defer st.Close()
//
//	sock, _ := st.NewSocket()
//	_ = sock.SetConnectTimeout(500 * time.Millisecond)
//	_ = sock.SetBlocking(false, false)
//
//	poll, _ := st.NewPoller()
//	defer poll.Release()
//	_ = poll.Add(sock, udx.EventWrite|udx.EventError)
//
//	_ = sock.Connect(raddr)
//	res, _ := poll.Wait(600 * time.Millisecond)
//	// On timeout the socket appears in both res.Read and res.Write, and
//	// CodeOf(sock.ConnectError()) == CodeNoServer.
package udx
