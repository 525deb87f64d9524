// Package zssp implements a secure session protocol for unreliable datagram
// transports.
//
// Two hosts, each with a long-lived NIST P-384 static key, perform a
// Noise_IKpsk2 handshake optionally hardened with a Kyber1024 key
// encapsulation, then exchange AES-256-GCM encrypted packets. Keys are
// renegotiated in-band before they wear out, packets larger than the MTU are
// fragmented, and a sliding counter window rejects replays. The package never
// touches the network itself: the caller supplies a send function and feeds
// received datagrams in.
//
// # Getting Started
//
// Each host needs an identity and a session table. The initiator creates a
// session from the responder's static public key; NewSession adds it to the
// table before sending the offer:
//
//	host, _ := identity.New(nil)
//	table := zssp.NewTable()
//	rc, err := zssp.NewReceiveContext(host, zssp.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	send := func(b []byte) error { _, err := conn.WriteTo(b, peer); return err }
//	s, err := zssp.NewSession(host, table, peerStatic, send, zssp.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Every inbound datagram goes through the receive context:
//
//	res, err := rc.Receive(table, addr, datagram, send)
//	switch res.Kind {
//	case zssp.ResultNewSession:
//	    log.Printf("new session %s", res.Session.ID())
//	case zssp.ResultData:
//	    handle(res.Data)
//	case zssp.ResultDropped:
//	    log.Printf("dropped: %s", res.Dropped)
//	}
//
// Once Established reports true, Send encrypts and transmits data:
//
//	err := s.Send(send, []byte("hello"))
//
// # Timers
//
// Sessions start no goroutines. Call Session.Service and
// ReceiveContext.Service every limits.ServiceInterval or so; they retry
// unanswered key offers, start time-based rekeys and evict stale state.
//
// # Key Lifetime
//
// A session key is renegotiated after Options.Rekey.AfterUses packets or
// Options.Rekey.AfterTime plus jitter, whichever comes first. Packets keep
// flowing during a rekey. A key that reaches Options.Rekey.ExpireUses is
// destroyed and Send returns ErrKeysExhausted; the session is closed and a
// fresh handshake is required.
//
// # Observability
//
// Logging uses logrus with structured fields. Prometheus counters for drops,
// handshakes and rekeys are available through NewMetrics and
// Options.Metrics.
package zssp
