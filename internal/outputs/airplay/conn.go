package airplay

import "net"

// udpSender is the real pacedSender: a connected UDP socket to the
// receiver's RTP port.
type udpSender struct {
	conn net.Conn
}

func dialSender(addr string) (pacedSender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpSender{conn: conn}, nil
}

func (u *udpSender) Send(pkt []byte) error {
	_, err := u.conn.Write(pkt)
	return err
}

func (u *udpSender) Close() error {
	return u.conn.Close()
}
