// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// newConnLogger returns a logrus entry scoped to one connection: every
// line it writes carries the connection's trace ID, side, and peer
// address, so log lines from concurrent connections can be told apart.
func newConnLogger(side connSide, peerAddr netip.AddrPort) (*logrus.Entry, string) {
	id := xid.New().String()
	entry := logrus.WithFields(logrus.Fields{
		"conn_id": id,
		"side":    side.String(),
		"peer":    peerAddr.String(),
	})
	return entry, id
}

func (c *Conn) logConnectionStarted() {
	c.log.Info("connection started")
}

func (c *Conn) logConnectionClosed(err error) {
	if err != nil {
		c.log.WithError(err).Info("connection closed")
		return
	}
	c.log.Info("connection closed")
}

func (c *Conn) logPacketDropped(reason string) {
	c.log.WithField("reason", reason).Debug("dropped packet")
}

func (c *Conn) logStateTransition(from, to connState) {
	c.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("state transition")
}
