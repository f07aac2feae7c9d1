// Package transport owns the two sockets the supervisor core listens on: a
// UDP socket for SWIM probe datagrams and a QUIC listener for gossip
// push/pull streams. It is the direct descendant of the teacher's hyperbus
// layer, trimmed to the two transports this protocol actually needs and
// wired to the ring-key AEAD envelope instead of hyperbus's TLS handshake.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/ring"
	"github.com/fleetswarm/core/internal/xerr"
)

// SwimPacket is one received, ring-opened SWIM datagram.
type SwimPacket struct {
	From net.Addr
	Data []byte
}

// SwimSocket is a UDP socket bound for SWIM probe traffic, sealing every
// outbound datagram and opening every inbound one under the ring key. A nil
// cipher means the ring runs without the AEAD envelope: datagrams cross the
// wire as the bare wire-codec bytes.
type SwimSocket struct {
	conn   *net.UDPConn
	cipher *ring.Cipher
	logger *log.Logger
}

// ListenSwim binds a UDP socket at addr for SWIM traffic. cipher may be nil.
func ListenSwim(addr string, cipher *ring.Cipher, logger *log.Logger) (*SwimSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, xerr.New(xerr.ConfigInvalid, "resolve-swim-addr", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, xerr.New(xerr.Transport, "listen-swim", err)
	}
	return &SwimSocket{conn: conn, cipher: cipher, logger: logger}, nil
}

// LocalAddr returns the socket's bound address.
func (s *SwimSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Send seals plaintext under the ring key (using aad as additional
// authenticated data, typically the frame's version+type bytes) and sends
// it to dst.
func (s *SwimSocket) Send(dst net.Addr, plaintext, aad []byte) error {
	sealed := plaintext
	if s.cipher != nil {
		var err error
		sealed, err = s.cipher.Seal(plaintext, aad)
		if err != nil {
			return err
		}
	}
	udpDst, ok := dst.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dst.String())
		if err != nil {
			return xerr.New(xerr.Transport, "resolve-swim-dst", err)
		}
		udpDst = resolved
	}
	if _, err := s.conn.WriteToUDP(sealed, udpDst); err != nil {
		return xerr.New(xerr.Transport, "send-swim", err)
	}
	return nil
}

// maxDatagramOverhead bounds the read buffer: the largest sealed datagram is
// the 512-byte wire budget plus the ring envelope's nonce and tag.
const maxDatagramOverhead = 512 + 24 + 16

// Recv blocks (respecting ctx) until one SWIM datagram arrives, opens it
// under the ring key with aad as the expected additional authenticated
// data, and returns the plaintext.
func (s *SwimSocket) Recv(ctx context.Context, aad []byte) (SwimPacket, error) {
	type result struct {
		pkt SwimPacket
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, maxDatagramOverhead)
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			done <- result{err: xerr.New(xerr.Transport, "recv-swim", err)}
			return
		}
		plaintext := append([]byte(nil), buf[:n]...)
		if s.cipher != nil {
			opened, err := s.cipher.Open(plaintext, aad)
			if err != nil {
				done <- result{err: err}
				return
			}
			plaintext = opened
		}
		done <- result{pkt: SwimPacket{From: from, Data: plaintext}}
	}()

	select {
	case <-ctx.Done():
		s.conn.SetReadDeadline(time.Now())
		return SwimPacket{}, ctx.Err()
	case r := <-done:
		return r.pkt, r.err
	}
}

// Close releases the socket.
func (s *SwimSocket) Close() error {
	return s.conn.Close()
}
