package rconclient

import (
	"net"
	"time"
)

// Datagrams is the transport abstraction the Session depends on. Defining it
// here lets Session be driven against a fake in tests instead of a real UDP
// socket.
//
// A concrete *udpDatagrams satisfies this over net.DialUDP; a
// host embedding this module may supply its own (e.g. to multiplex several
// sessions over one socket).
type Datagrams interface {
	// Send writes one UDP datagram to the associated remote address.
	Send(b []byte) error

	// Receive blocks until a datagram arrives, the deadline set by
	// SetReadDeadline elapses, or the association is closed. It returns the
	// raw bytes of exactly one datagram.
	Receive() ([]byte, error)

	// SetReadDeadline bounds the next call to Receive. A zero Time disables
	// the deadline.
	SetReadDeadline(t time.Time) error

	// Close releases the underlying socket. Subsequent Send/Receive calls
	// return an error. Close is idempotent.
	Close() error
}

// udpDatagrams is the default Datagrams implementation, a thin wrapper over
// a connected net.UDPConn.
type udpDatagrams struct {
	conn *net.UDPConn
}

// dialUDP opens a UDP association with addr (host:port). UDP is
// connectionless at the wire level; "dialing" here only fixes the local
// socket's default destination and source-filters inbound datagrams.
func dialUDP(addr string) (*udpDatagrams, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &udpDatagrams{conn: conn}, nil
}

func (u *udpDatagrams) Send(b []byte) error {
	_, err := u.conn.Write(b)
	return err
}

// maxDatagramSize bounds a single read. BattlEye RCON payloads are small
// (multi-part command replies cap each part well under this); a larger
// incoming datagram is truncated rather than causing an allocation storm.
const maxDatagramSize = 4096

func (u *udpDatagrams) Receive() ([]byte, error) {
	buf := make([]byte, maxDatagramSize)
	n, err := u.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (u *udpDatagrams) SetReadDeadline(t time.Time) error {
	return u.conn.SetReadDeadline(t)
}

func (u *udpDatagrams) Close() error {
	return u.conn.Close()
}
