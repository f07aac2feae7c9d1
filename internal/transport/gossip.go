package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/xerr"
	"github.com/quic-go/quic-go"
)

// GossipStream is a bidirectional byte stream carrying length-prefixed
// gossip frames, satisfying io.Reader and io.Writer.
type GossipStream struct {
	stream *quic.Stream
}

func (s *GossipStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *GossipStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *GossipStream) Close() error                { return s.stream.Close() }

// GossipListener accepts incoming pull connections on the gossip QUIC
// transport.
type GossipListener struct {
	listener *quic.Listener
	logger   *log.Logger
}

// ListenGossip binds a QUIC listener at addr using a self-signed
// certificate, the same scheme the teacher's hyperbus uses for its QUICBus.
// The certificate only satisfies QUIC's transport-layer encryption
// requirement; it authenticates no peer. Frames carried over the resulting
// stream are not ring-key sealed, so the gossip plane does no peer
// authentication at all.
func ListenGossip(addr string, logger *log.Logger) (*GossipListener, error) {
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, xerr.New(xerr.Transport, "gossip-tls-config", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return nil, xerr.New(xerr.Transport, "listen-gossip", err)
	}
	return &GossipListener{listener: listener, logger: logger}, nil
}

// Addr returns the listener's bound address.
func (l *GossipListener) Addr() string {
	return l.listener.Addr().String()
}

// Accept blocks until a peer opens a gossip connection, then accepts its
// first (and only) stream, used to pull or push a batch of rumors.
func (l *GossipListener) Accept(ctx context.Context) (*GossipStream, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, xerr.New(xerr.Transport, "accept-gossip-conn", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, xerr.New(xerr.Transport, "accept-gossip-stream", err)
	}
	return &GossipStream{stream: stream}, nil
}

// Close releases the listener.
func (l *GossipListener) Close() error {
	return l.listener.Close()
}

// DialGossip opens a gossip connection and its single stream to addr.
func DialGossip(ctx context.Context, addr string) (*GossipStream, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), &quic.Config{})
	if err != nil {
		return nil, xerr.New(xerr.Transport, "dial-gossip", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, xerr.New(xerr.Transport, "open-gossip-stream", err)
	}
	return &GossipStream{stream: stream}, nil
}

// generateTLSConfig builds a throwaway self-signed certificate, mirroring
// hyperbus's QUIC bootstrap: the certificate identifies no one, it exists
// only so QUIC has a TLS 1.3 handshake to run.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"fleetswarm"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"fleetswarm-gossip"},
	}, nil
}

// clientTLSConfig builds the dial-side TLS config. The server's certificate
// is self-signed and identifies no one, so there is no CA chain to verify it
// against, and certificate verification is skipped here. The ring-key AEAD
// envelope is not applied to gossip frames either, so a gossip connection
// does not authenticate its peer.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"fleetswarm-gossip"},
	}
}
