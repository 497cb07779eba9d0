package collector

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
)

func (c *Collector) acceptTCP(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.running.Load() {
				return
			}
			c.lastError.Store(err.Error())
			c.logger.Warn("TCP accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c.mu.Lock()
		if !c.running.Load() {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.tcpConns[conn] = nil
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveTCP(conn)
		}()
	}
}

// serveTCP runs one TCP session from accept to close
func (c *Collector) serveTCP(conn net.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.tcpConns, conn)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	s := c.openSession(ipfix.TransportTCP, conn.RemoteAddr(), conn.LocalAddr())
	c.mu.Lock()
	if _, ok := c.tcpConns[conn]; ok {
		c.tcpConns[conn] = s
	}
	c.mu.Unlock()

	reason := "eof"
	if err := c.readFrames(s, conn); err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			reason = "closed"
		case errors.IsInvalid(err):
			reason = "malformed stream"
			c.parseErrors.Add(1)
			c.lastError.Store(err.Error())
			c.metrics.parseError(s.Transport.String(), err)
			c.logger.Warn("Closing TCP session", "session", s.String(), "error", err)
		default:
			reason = "read error"
			c.lastError.Store(err.Error())
			c.logger.Debug("TCP read ended", "session", s.String(), "error", err)
		}
	}
	c.closeSession(s, reason)
}

// readFrames splits the stream on the length field of each message header
func (c *Collector) readFrames(s *ipfix.Session, conn net.Conn) error {
	r := bufio.NewReaderSize(conn, MaxMessageSize)
	head := make([]byte, ipfix.HeaderLen)

	for {
		if _, err := io.ReadFull(r, head); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		hdr, err := ipfix.ParseHeader(head)
		if err != nil {
			return err
		}
		if hdr.Version != ipfix.Version || hdr.Length < ipfix.HeaderLen {
			return errors.WrapInvalid(
				fmt.Errorf("%w: version %d, length %d", errors.ErrMalformedMessage, hdr.Version, hdr.Length),
				"collector", "readFrames", "frame header")
		}

		raw := make([]byte, hdr.Length)
		copy(raw, head)
		if _, err := io.ReadFull(r, raw[ipfix.HeaderLen:]); err != nil {
			return err
		}
		c.receive(s, raw)
	}
}
