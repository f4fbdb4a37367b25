// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultMaxIdleTimeout is used until a caller-supplied Config overrides
// it (config.go).
const defaultMaxIdleTimeout = 30 * time.Second

// minimumClientInitialDatagramSize is the minimum UDP datagram size a
// client's first Initial packet must be padded to (RFC 9000, Section
// 14.1).
const minimumClientInitialDatagramSize = 1200

// A tlsState holds the packet protection keys for every number space, in
// both directions. TLS 1.3 itself is out of scope for this engine: keys
// arrive either from deriveInitialKeys (Initial space, computed locally)
// or from installTrafficSecret, called by whatever external TLS oracle
// is driving the handshake for Handshake and 1-RTT.
type tlsState struct {
	wkeys [numberSpaceCount]keys
	rkeys [numberSpaceCount]keys
}

// A connListener sends datagrams on behalf of a Conn.
type connListener interface {
	sendDatagram(p []byte, addr netip.AddrPort) error
}

// connTestHooks lets tests drive a Conn's event loop deterministically.
type connTestHooks interface {
	nextMessage(msgc chan any, nextTimeout time.Time) (now time.Time, m any)
}

// A datagram is one inbound UDP datagram delivered to a Conn's loop.
type datagram struct {
	b []byte
}

// recycle exists for symmetry with the loop's per-message cleanup; this
// engine does not pool datagram buffers.
func (d *datagram) recycle() {}

// A Conn is a single QUIC connection: one packet writer, one loss
// detector (and its congestion controller), one ACK tracker per number
// space, and the connection ID and packet-protection-key state those
// pieces need. Multiple goroutines may call its exported methods; all
// connection state is owned by the loop goroutine and reached only by
// sending it a function to run (runOnLoop) or a message (sendMsg).
type Conn struct {
	side      connSide
	config    Config
	path      *path
	listener  connListener
	testHooks connTestHooks

	msgc   chan any
	donec  chan struct{}
	exited bool

	w           packetWriter
	acks        [numberSpaceCount]ackState
	connIDState connIDState
	loss        *lossDetector
	tlsState    tlsState

	handshakeConfirmed sentVal

	idleDeadline   time.Time
	maxIdleTimeout time.Duration

	// crypto holds the per-number-space handshake byte stream; streams
	// and inStreams hold per-application-stream state, keyed by stream
	// ID. streamOrder preserves creation order so frame production is
	// round-robin rather than map-order-dependent.
	crypto      [numberSpaceCount]*cryptoStream
	streams     map[int64]*outStream
	streamOrder []int64
	inStreams   map[int64]*inStream

	// cryptoDataHandler, streamDataHandler, and streamResetHandler are
	// hooks an external driver installs to learn about received
	// handshake and application data, mirroring installTrafficSecret's
	// role for keys.
	cryptoDataHandler  func(space numberSpace, data []byte)
	streamDataHandler  func(id int64, data []byte, fin bool)
	streamResetHandler func(id int64, errorCode uint64)

	// state is this Conn's position in the connection lifecycle.
	// closeDeadline, if set, is when the closing or draining period
	// ends and the connection becomes terminal (RFC 9000, Section 10.2).
	state         connState
	closeCode     uint64
	closeReason   string
	closeDeadline time.Time

	// Tests only: send a PING in a specific number space.
	testSendPingSpace numberSpace
	testSendPing      sentVal

	connIDStr string
	log       *logrus.Entry

	// Server-side address validation (RFC 9000, Section 8).
	tokenValidator *tokenValidator
	origDstConnID  []byte
	pendingCounted bool
}

// pendingHandshakes counts server Conns created but not yet
// address-validated, across every Conn in the process: the signal
// shouldRequireRetry uses to decide whether new handshakes must present
// a Retry token before proceeding.
var pendingHandshakes int64

func newConn(now time.Time, side connSide, initialConnID []byte, peerAddr netip.AddrPort, listener connListener, hooks connTestHooks) (conn *Conn, err error) {
	config := defaultConfig()
	c := &Conn{
		side:           side,
		config:         config,
		path:           newPath(peerAddr),
		listener:       listener,
		testHooks:      hooks,
		msgc:           make(chan any, 1),
		donec:          make(chan struct{}),
		maxIdleTimeout: config.MaxIdleTimeout,
	}
	defer func() {
		if conn == nil {
			close(c.donec)
		}
	}()

	if side == clientSide && initialConnID == nil {
		initialConnID, err = newRandomConnID()
		if err != nil {
			return nil, err
		}
	}
	if err := c.connIDState.init(side, initialConnID); err != nil {
		return nil, err
	}

	clientKeys, serverKeys := deriveInitialKeys(initialConnID)
	switch side {
	case clientSide:
		c.tlsState.wkeys[initialSpace] = clientKeys
		c.tlsState.rkeys[initialSpace] = serverKeys
	case serverSide:
		c.tlsState.wkeys[initialSpace] = serverKeys
		c.tlsState.rkeys[initialSpace] = clientKeys
	}

	for i := range c.acks {
		c.acks[i] = newAckState(config.ReorderThreshold, config.AckFrequency, config.MaxAckDelay)
	}
	for i := range c.crypto {
		c.crypto[i] = newCryptoStream()
	}
	c.state = stateHandshake

	cc, err := config.newCongestionController(&c.path.rtt)
	if err != nil {
		return nil, err
	}
	c.loss = newLossDetector(side, &c.path.rtt, cc)
	c.loss.setMaxAckDelay(config.MaxAckDelay)

	c.log, c.connIDStr = newConnLogger(side, peerAddr)
	c.logConnectionStarted()

	if side == serverSide {
		c.origDstConnID = append([]byte(nil), initialConnID...)
		c.tokenValidator, err = config.loadTokenValidator()
		if err != nil {
			return nil, err
		}
		c.markPending()
	}

	c.restartIdleTimer(now)

	go c.loop(now)
	return c, nil
}

// markPending records this Conn as an unvalidated server handshake; safe
// to call more than once, since only the first call has any effect.
func (c *Conn) markPending() {
	if c.pendingCounted {
		return
	}
	c.pendingCounted = true
	atomic.AddInt64(&pendingHandshakes, 1)
}

// clearPending stops counting this Conn as unvalidated: called once its
// path is address-validated, and again when the Conn exits (a no-op if
// the path was validated first).
func (c *Conn) clearPending() {
	if !c.pendingCounted {
		return
	}
	c.pendingCounted = false
	atomic.AddInt64(&pendingHandshakes, -1)
}

// shouldRequireRetry reports whether a server handshake without a valid
// address-validation token must be redirected through a Retry, per the
// configured RetryThreshold (RFC 9000, Section 8.1.2).
func (c *Conn) shouldRequireRetry() bool {
	return atomic.LoadInt64(&pendingHandshakes) > c.config.RetryThreshold
}

// sendRetry answers a client's Initial packet with a Retry, asking it to
// prove it can receive datagrams at its claimed address before the
// server commits any per-connection state beyond this already-created
// (and about to be discarded) Conn.
func (c *Conn) sendRetry(now time.Time, clientSrcConnID []byte) {
	newSrcConnID, err := newRandomConnID()
	if err != nil {
		return
	}
	token, err := c.tokenValidator.mintRetryToken(now, c.origDstConnID, c.path.addr.Addr())
	if err != nil {
		return
	}
	pkt := buildRetryPacket(c.origDstConnID, clientSrcConnID, newSrcConnID, token)
	c.listener.sendDatagram(pkt, c.path.addr)
}

func (c *Conn) String() string {
	return fmt.Sprintf("quic.Conn(%v,->%v)", c.side, c.path.addr)
}

// setState transitions the connection to a new lifecycle state,
// logging the move. Transitions never go backwards; callers are
// expected to check before moving to a state that could regress.
func (c *Conn) setState(s connState) {
	if c.state == s {
		return
	}
	c.logStateTransition(c.state, s)
	c.state = s
}

// outStreamFor returns the send-side state for application stream id,
// creating it (and recording it in streamOrder) if this is the first
// write to it.
func (c *Conn) outStreamFor(id int64) *outStream {
	if c.streams == nil {
		c.streams = make(map[int64]*outStream)
	}
	s, ok := c.streams[id]
	if !ok {
		s = newOutStream(id)
		c.streams[id] = s
		c.streamOrder = append(c.streamOrder, id)
	}
	return s
}

// inStreamFor returns the receive-side state for application stream id,
// creating it if this is the first frame seen for it.
func (c *Conn) inStreamFor(id int64) *inStream {
	if c.inStreams == nil {
		c.inStreams = make(map[int64]*inStream)
	}
	s, ok := c.inStreams[id]
	if !ok {
		s = &inStream{id: id}
		c.inStreams[id] = s
	}
	return s
}

// pruneDoneStreams drops every stream in order that has reached a
// terminal state, discarding its outStream bookkeeping.
func (c *Conn) pruneDoneStreams(order []int64) []int64 {
	live := order[:0]
	for _, id := range order {
		if st := c.streams[id]; st == nil || st.done() {
			delete(c.streams, id)
			continue
		}
		live = append(live, id)
	}
	return live
}

// QueueCryptoData enqueues data to be carried to the peer as CRYPTO
// frames in the given number space: the hook an external TLS driver
// uses to hand this engine handshake bytes to send.
func (c *Conn) QueueCryptoData(space numberSpace, data []byte) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		c.crypto[space].queue(data)
		c.wake()
	})
}

// WriteStream queues data for sending on application stream id, and, if
// fin is set, closes the stream for further writes once this data is
// sent.
func (c *Conn) WriteStream(id int64, data []byte, fin bool) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		st := c.outStreamFor(id)
		st.write(data)
		if fin {
			st.closeWrite()
		}
		c.wake()
	})
}

// ResetStream abandons application stream id, asking the peer to stop
// expecting further data on it via RESET_STREAM (RFC 9000, Section 3.2).
func (c *Conn) ResetStream(id int64, errorCode uint64) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		c.outStreamFor(id).resetWith(errorCode)
		c.wake()
	})
}

// CloseWithError closes the connection locally: it sends a
// CONNECTION_CLOSE frame at every number space with live write keys and
// enters the closing period (RFC 9000, Section 10.2).
func (c *Conn) CloseWithError(errorCode uint64, reason string) error {
	return c.runOnLoop(func(now time.Time, c *Conn) {
		c.closeWithError(now, errorCode, reason)
	})
}

// closeWithError moves the connection into the closing state and sends
// the initial round of CONNECTION_CLOSE frames. It is a no-op once the
// connection is already closing, draining, or terminal.
func (c *Conn) closeWithError(now time.Time, errorCode uint64, reason string) {
	if c.state == stateClosing || c.state == stateDraining || c.state == stateTerminal {
		return
	}
	c.closeCode = errorCode
	c.closeReason = reason
	c.setState(stateClosing)
	c.closeDeadline = now.Add(3 * c.loss.ptoBasePeriod())
	c.sendCloseFrames(now)
}

// enterDraining moves the connection into the draining state on receipt
// of the peer's own CONNECTION_CLOSE: RFC 9000, Section 10.2.2 forbids
// sending anything further, so no close frames are sent here.
func (c *Conn) enterDraining(now time.Time) {
	if c.state == stateDraining || c.state == stateTerminal {
		return
	}
	c.setState(stateDraining)
	c.closeDeadline = now.Add(3 * c.loss.ptoBasePeriod())
}

// sendCloseFrames builds and sends one datagram carrying a
// CONNECTION_CLOSE frame in every number space that still has live
// write keys, coalesced the same way maybeSend coalesces packets (RFC
// 9000, Section 10.2.3).
func (c *Conn) sendCloseFrames(now time.Time) {
	c.w.reset(c.path.maxDatagramSize())
	for space := initialSpace; space < numberSpaceCount; space++ {
		k := c.tlsState.wkeys[space]
		if !k.isSet() {
			continue
		}
		pnumMaxAcked := c.acks[space].largestSeen()
		pnum := c.loss.nextNumber(space)
		if space == appDataSpace {
			dstConnID := c.connIDState.dstConnID()
			c.w.start1RTTPacket(pnum, pnumMaxAcked, dstConnID)
			c.w.appendConnectionCloseFrame(c.closeCode, c.closeReason)
			c.w.finish1RTTPacket(pnum, pnumMaxAcked, dstConnID, k)
			continue
		}
		ptype := packetTypeInitial
		if space == handshakeSpace {
			ptype = packetTypeHandshake
		}
		p := longPacket{
			ptype:     ptype,
			version:   1,
			num:       pnum,
			dstConnID: c.connIDState.dstConnID(),
			srcConnID: c.connIDState.srcConnID(),
		}
		c.w.startProtectedLongHeaderPacket(pnumMaxAcked, p)
		c.w.appendConnectionCloseFrame(c.closeCode, c.closeReason)
		c.w.finishProtectedLongHeaderPacket(pnumMaxAcked, k, p)
	}
	if buf := c.w.datagram(); len(buf) > 0 {
		c.listener.sendDatagram(buf, c.path.addr)
	}
}

// restartIdleTimer resets the max_idle_timeout deadline: called at
// connection creation and whenever a datagram is sent or received (RFC
// 9000, Section 10.1).
func (c *Conn) restartIdleTimer(now time.Time) {
	if c.maxIdleTimeout > 0 {
		c.idleDeadline = now.Add(c.maxIdleTimeout)
	}
}

func (c *Conn) idleExpired(now time.Time) bool {
	return !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline)
}

// confirmHandshake is called when the handshake is confirmed: directly,
// by an external caller driving the (out of scope) TLS handshake, for
// the server; or implicitly upon receiving HANDSHAKE_DONE, for the
// client. https://www.rfc-editor.org/rfc/rfc9001#section-4.1.2
func (c *Conn) confirmHandshake(now time.Time) {
	if c.handshakeConfirmed.isSet() {
		return
	}
	c.setState(stateConnected)
	if c.side == serverSide {
		c.handshakeConfirmed.setUnsent()
	} else {
		c.handshakeConfirmed.setReceived()
	}
	c.restartIdleTimer(now)
	c.loss.confirmHandshake()
	c.discardKeys(now, handshakeSpace)
}

// discardKeys discards unused packet protection keys and releases any
// still-outstanding packets sent under them (RFC 9001, Section 4.9).
func (c *Conn) discardKeys(now time.Time, space numberSpace) {
	if !c.tlsState.wkeys[space].isSet() && !c.tlsState.rkeys[space].isSet() {
		return
	}
	c.tlsState.wkeys[space] = keys{}
	c.tlsState.rkeys[space] = keys{}
	c.loss.discardPackets(space, c.handleAckOrLoss)
}

// installTrafficSecret installs the write/read keys for one number space,
// the hook an external TLS driver uses to hand this engine newly derived
// Handshake or 1-RTT secrets.
func (c *Conn) installTrafficSecret(now time.Time, space numberSpace, write, read keys) {
	c.tlsState.wkeys[space] = write
	c.tlsState.rkeys[space] = read
	c.restartIdleTimer(now)
	c.wake()
}

type (
	timerEvent struct{}
	wakeEvent  struct{}
)

var errIdleTimeout = errors.New("quic: idle timeout")

// loop is the connection's main goroutine. All connection state above is
// owned by this goroutine and must only be touched here or by a function
// sent through msgc.
func (c *Conn) loop(now time.Time) {
	defer close(c.donec)
	defer c.stats().forget(c.connIDStr)

	var timer *time.Timer
	var lastTimeout time.Time
	hooks := c.testHooks
	if hooks == nil {
		timer = time.AfterFunc(1*time.Hour, func() {
			c.sendMsg(timerEvent{})
		})
		defer timer.Stop()
	}

	for !c.exited {
		sendTimeout := c.maybeSend(now)

		nextTimeout := sendTimeout
		nextTimeout = firstTime(nextTimeout, c.idleDeadline)
		nextTimeout = firstTime(nextTimeout, c.loss.timer)
		nextTimeout = firstTime(nextTimeout, c.acks[appDataSpace].nextTimeout())
		nextTimeout = firstTime(nextTimeout, c.closeDeadline)

		var m any
		if hooks != nil {
			now, m = hooks.nextMessage(c.msgc, nextTimeout)
		} else if !nextTimeout.IsZero() && nextTimeout.Before(now) {
			now = time.Now()
			m = timerEvent{}
		} else {
			if !nextTimeout.Equal(lastTimeout) && !nextTimeout.IsZero() {
				timer.Reset(nextTimeout.Sub(now))
				lastTimeout = nextTimeout
			}
			m = <-c.msgc
			now = time.Now()
		}

		switch m := m.(type) {
		case *datagram:
			c.handleDatagram(now, m)
			m.recycle()
		case timerEvent:
			if !c.closeDeadline.IsZero() && !now.Before(c.closeDeadline) {
				c.abort(now, nil)
				return
			}
			if c.idleExpired(now) {
				c.abort(now, errIdleTimeout)
				return
			}
			c.loss.advance(now, c.handleAckOrLoss)
		case wakeEvent:
			// Woken to retry sending; maybeSend runs at the top of the loop.
		case func(time.Time, *Conn):
			m(now, c)
		default:
			panic(fmt.Sprintf("quic: unrecognized conn message %T", m))
		}

		c.stats().report(c.connIDStr, c.loss.cc.getNetworkStatistics(&c.path.rtt))
	}
}

// abort tears the connection down immediately, without a draining
// period: used for the idle timeout and for fatal local errors.
func (c *Conn) abort(now time.Time, err error) {
	c.setState(stateTerminal)
	c.logConnectionClosed(err)
	c.clearPending()
	c.exited = true
}

// exit shuts the connection down and waits for its loop to exit.
func (c *Conn) exit() {
	c.runOnLoop(func(now time.Time, c *Conn) {
		if !c.exited {
			c.abort(now, nil)
		}
	})
	<-c.donec
}

// sendMsg sends a message to the conn's loop without waiting for it to
// be processed. The conn may exit before processing the message, in
// which case it is dropped.
func (c *Conn) sendMsg(m any) {
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// wake wakes the conn's loop to retry sending.
func (c *Conn) wake() {
	select {
	case c.msgc <- wakeEvent{}:
	default:
	}
}

// runOnLoop executes f on the conn's loop goroutine and waits for it to
// return.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) error {
	donec := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		defer close(donec)
		f(now, c)
	})
	select {
	case <-donec:
	case <-c.donec:
		return errors.New("quic: connection closed")
	}
	return nil
}

func (c *Conn) stats() *connStats { return defaultConnStats }

// firstTime returns the earliest non-zero time, or the zero Time if both
// are zero.
func firstTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
