// Package telnet implements the client side of the minimal telnet option
// protocol spoken by BBS hosts. Reads strip and answer IAC negotiation
// inline; writes escape literal 0xFF bytes.
package telnet

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Telnet protocol constants.
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	SE   byte = 240 // Subnegotiation End

	OptEcho     byte = 1  // Echo option
	OptSGA      byte = 3  // Suppress Go Ahead
	OptTermType byte = 24 // Terminal Type (RFC 1091)
	OptNAWS     byte = 31 // Negotiate About Window Size

	TermTypeIs   byte = 0 // IS sub-command: we report our terminal type
	TermTypeSend byte = 1 // SEND sub-command: host requests terminal type
)

// defaultInactivity is the socket-level read timeout; a host that stays
// silent this long gets a forced close.
const defaultInactivity = 30 * time.Second

// state tracks the IAC decoder across Read calls.
type state int

const (
	stateData state = iota
	stateIAC
	stateWill
	stateWont
	stateDo
	stateDont
	stateSB
	stateSBData
	stateSBIAC
)

// Conn wraps a net.Conn with telnet protocol awareness. Read strips IAC
// commands and answers negotiation per the client policy; Write escapes
// 0xFF bytes as IAC IAC.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex

	// IAC state machine (persists across Read calls)
	state    state
	sbOption byte
	sbData   []byte

	inactivity time.Duration
	connected  atomic.Bool
}

// NewConn wraps an established net.Conn with telnet protocol handling.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		conn:       nc,
		state:      stateData,
		inactivity: defaultInactivity,
	}
	c.connected.Store(true)
	return c
}

// Dial opens a TCP connection to host:port and wraps it. The timeout
// bounds the TCP connect; ctx cancels an in-flight dial.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// Read reads decoded data from the host. Negotiation commands are consumed
// and answered inline; only data bytes land in p. A read that sits idle
// past the inactivity window closes the connection.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	for {
		if c.inactivity > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.inactivity))
		}
		n, err := c.conn.Read(buf)

		// Decoded output never exceeds raw input, so p has room.
		written := 0
		for i := 0; i < n; i++ {
			b := buf[i]
			switch c.state {
			case stateData:
				if b == IAC {
					c.state = stateIAC
				} else {
					p[written] = b
					written++
				}

			case stateIAC:
				switch b {
				case IAC:
					// Escaped 0xFF, forward one literal byte
					p[written] = 0xFF
					written++
					c.state = stateData
				case WILL:
					c.state = stateWill
				case WONT:
					c.state = stateWont
				case DO:
					c.state = stateDo
				case DONT:
					c.state = stateDont
				case SB:
					c.state = stateSB
				default:
					// Other IAC commands (NOP, AYT, BRK...) carry no option
					c.state = stateData
				}

			case stateWill:
				if b == OptEcho || b == OptSGA {
					err = firstErr(err, c.reply(DO, b))
				} else {
					err = firstErr(err, c.reply(DONT, b))
				}
				c.state = stateData

			case stateWont:
				err = firstErr(err, c.reply(DONT, b))
				c.state = stateData

			case stateDo:
				switch b {
				case OptTermType, OptNAWS, OptSGA:
					err = firstErr(err, c.reply(WILL, b))
					if b == OptNAWS {
						err = firstErr(err, c.sendNAWS())
					}
				default:
					err = firstErr(err, c.reply(WONT, b))
				}
				c.state = stateData

			case stateDont:
				err = firstErr(err, c.reply(WONT, b))
				c.state = stateData

			case stateSB:
				c.sbOption = b
				c.sbData = c.sbData[:0]
				c.state = stateSBData

			case stateSBData:
				if b == IAC {
					c.state = stateSBIAC
				} else if len(c.sbData) < 256 {
					c.sbData = append(c.sbData, b)
				}

			case stateSBIAC:
				switch b {
				case SE:
					err = firstErr(err, c.handleSubnegotiation())
					c.state = stateData
				case IAC:
					if len(c.sbData) < 256 {
						c.sbData = append(c.sbData, IAC)
					}
					c.state = stateSBData
				default:
					c.state = stateData
				}
			}
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.Close()
				err = fmt.Errorf("connection idle for %s: %w", c.inactivity, err)
			} else {
				c.connected.Store(false)
			}
			if written > 0 {
				return written, nil // surface the error on the next call
			}
			return 0, err
		}
		if written > 0 {
			return written, nil
		}
		// The whole chunk was negotiation; read again for data.
	}
}

// Write sends data to the host, escaping literal 0xFF bytes as IAC IAC.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !bytes.Contains(p, []byte{0xFF}) {
		return c.conn.Write(p)
	}
	escaped := make([]byte, 0, len(p)+4)
	for _, b := range p {
		if b == 0xFF {
			escaped = append(escaped, IAC, IAC)
		} else {
			escaped = append(escaped, b)
		}
	}
	if _, err := c.conn.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendKey writes the byte sequence for a symbolic key name.
func (c *Conn) SendKey(name string) error {
	b, err := KeyBytes(name)
	if err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	if c.connected.CompareAndSwap(true, false) {
		return c.conn.Close()
	}
	return nil
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

func (c *Conn) reply(cmd, opt byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte{IAC, cmd, opt})
	return err
}

// sendNAWS reports our fixed 80x24 window, big-endian 16-bit each.
func (c *Conn) sendNAWS() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte{IAC, SB, OptNAWS, 0x00, 0x50, 0x00, 0x18, IAC, SE})
	return err
}

func (c *Conn) handleSubnegotiation() error {
	if c.sbOption == OptTermType && len(c.sbData) >= 1 && c.sbData[0] == TermTypeSend {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		msg := append([]byte{IAC, SB, OptTermType, TermTypeIs}, []byte("ANSI")...)
		msg = append(msg, IAC, SE)
		_, err := c.conn.Write(msg)
		return err
	}
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
