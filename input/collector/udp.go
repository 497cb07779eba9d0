package collector

import (
	"context"
	"net"
	"time"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
)

// udpSession is the state of one exporter address
type udpSession struct {
	session  *ipfix.Session
	lastSeen time.Time
}

// readUDP is the only writer of udpSessions while running. Sessions are
// expired from this loop too, so a close never races a message of the same
// session.
func (c *Collector) readUDP(ctx context.Context, conn *net.UDPConn) {
	defer c.expireUDP(time.Time{}, "shutdown")

	buf := make([]byte, MaxMessageSize)
	timeout := c.config.SessionTimeout.Std()
	sweepInterval := min(timeout/2, time.Second)
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		// Set read deadline to check shutdown and expiry periodically
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)

		now := time.Now()
		if now.Sub(lastSweep) >= sweepInterval {
			c.expireUDP(now.Add(-timeout), "timeout")
			lastSweep = now
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.lastError.Store(err.Error())
			c.logger.Warn("UDP read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.receive(c.udpSession(addr, conn.LocalAddr(), now), data)
	}
}

// udpSession returns the session of remote, opening one on first contact
func (c *Collector) udpSession(remote *net.UDPAddr, local net.Addr, now time.Time) *ipfix.Session {
	key := remote.String()

	c.mu.Lock()
	us, ok := c.udpSessions[key]
	if ok {
		us.lastSeen = now
	}
	c.mu.Unlock()
	if ok {
		return us.session
	}

	s := c.openSession(ipfix.TransportUDP, remote, local)
	c.mu.Lock()
	c.udpSessions[key] = &udpSession{session: s, lastSeen: now}
	c.mu.Unlock()
	return s
}

// expireUDP closes every UDP session last seen before cutoff. A zero cutoff
// closes all of them.
func (c *Collector) expireUDP(cutoff time.Time, reason string) {
	var expired []*ipfix.Session

	c.mu.Lock()
	for key, us := range c.udpSessions {
		if cutoff.IsZero() || us.lastSeen.Before(cutoff) {
			expired = append(expired, us.session)
			delete(c.udpSessions, key)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		c.closeSession(s, reason)
	}
}
