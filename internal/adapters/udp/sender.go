package udp

import (
	"net"
	"net/netip"
	"time"
)

// Sender writes datagrams to subscribers through one shared socket.
// Each send is a single attempt bounded by writeTimeout; there are no retries.
type Sender struct {
	conn         *net.UDPConn
	writeTimeout time.Duration
}

func NewSender(conn *net.UDPConn, writeTimeout time.Duration) *Sender {
	return &Sender{conn: conn, writeTimeout: writeTimeout}
}

func (s *Sender) Send(dst netip.AddrPort, data []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.WriteToUDPAddrPort(data, dst)
	return err
}
