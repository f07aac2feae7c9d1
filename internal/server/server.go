// Package server is the facade described in §4.6: the only object an
// external collaborator (the CLI, an HTTP status surface) may hold. It owns
// the membership list, the rumor store, and the SWIM and gossip engines,
// following the teacher's Bus-as-facade shape (internal/hyperbus.Bus) but
// composing the domain engines instead of wrapping a single transport.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fleetswarm/core/internal/gossip"
	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/ring"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/swim"
	"github.com/fleetswarm/core/internal/trace"
	"github.com/fleetswarm/core/internal/transport"
	"github.com/fleetswarm/core/internal/xerr"
)

// drainDeadline bounds how long Shutdown waits for activities to finish
// in-flight work, per §5's cancellation model.
const drainDeadline = 2 * time.Second

var errNotUDPAddr = errors.New("swim socket local address is not a UDP address")

// Peer is an initial gossip/SWIM peer address pair supplied at Start.
type Peer struct {
	SwimAddr   string
	GossipAddr string
}

// Server is the facade over the membership and rumor subsystems.
type Server struct {
	list   *member.List
	rumors *rumor.Store
	logger *log.Logger
	trace  *trace.Sink

	swimSock *transport.SwimSocket
	gossipLn *transport.GossipListener

	swimEngine   *swim.Engine
	gossipEngine *gossip.Engine

	cancel context.CancelFunc
	mu     sync.Mutex
}

// New constructs an unstarted server.
func New(logger *log.Logger, sink *trace.Sink) *Server {
	return &Server{logger: logger, trace: sink}
}

// Start binds the SWIM and gossip sockets, seeds the membership list with
// localMember and any initialPeers, and launches all five long-lived
// activities. ringKey, if non-nil, wraps every datagram in the AEAD
// envelope described in §4.1a; a nil key means the ring runs unencrypted.
func (s *Server) Start(ctx context.Context, listenSwim, listenGossip string, localID member.ID, persistent bool, initialPeers []Peer, ringKey *ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cipher *ring.Cipher
	if ringKey != nil {
		c, err := ring.NewCipher(*ringKey)
		if err != nil {
			return err
		}
		cipher = c
	}

	swimSock, err := transport.ListenSwim(listenSwim, cipher, s.logger)
	if err != nil {
		return err
	}
	gossipLn, err := transport.ListenGossip(listenGossip, s.logger)
	if err != nil {
		swimSock.Close()
		return err
	}

	swimAddr, ok := swimSock.LocalAddr().(*net.UDPAddr)
	if !ok {
		swimSock.Close()
		gossipLn.Close()
		return xerr.New(xerr.ConfigInvalid, "start", errNotUDPAddr)
	}
	gossipAddr, err := net.ResolveUDPAddr("udp", gossipLn.Addr())
	if err != nil {
		swimSock.Close()
		gossipLn.Close()
		return xerr.New(xerr.ConfigInvalid, "start", err)
	}

	local := member.Member{
		ID:         localID,
		SwimAddr:   swimAddr,
		GossipAddr: gossipAddr,
		Health:     member.Alive,
		Persistent: persistent,
	}

	s.list = member.NewList(local)
	s.rumors = rumor.NewStore()
	s.swimSock = swimSock
	s.gossipLn = gossipLn

	for _, p := range initialPeers {
		s.addPeer(p)
	}

	s.swimEngine = swim.New(swim.DefaultConfig(), s.list, s.rumors, s.swimSock, s.logger, s.trace)
	s.gossipEngine = gossip.New(gossip.DefaultConfig(), s.list, s.rumors, s.gossipLn, s.logger, s.trace)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.swimEngine.Start(runCtx)
	s.gossipEngine.Start(runCtx)

	s.logger.Info("server started", "swim_addr", swimAddr.String(), "gossip_addr", gossipAddr.String())
	return nil
}

func (s *Server) addPeer(p Peer) {
	swimAddr, err := net.ResolveUDPAddr("udp", p.SwimAddr)
	if err != nil {
		s.logger.Warn("bad initial peer swim address", "addr", p.SwimAddr, "error", err)
		return
	}
	gossipAddr, err := net.ResolveUDPAddr("udp", p.GossipAddr)
	if err != nil {
		s.logger.Warn("bad initial peer gossip address", "addr", p.GossipAddr, "error", err)
		return
	}
	s.list.Insert(member.Member{
		ID:         member.NewID(),
		SwimAddr:   swimAddr,
		GossipAddr: gossipAddr,
		Health:     member.Alive,
	})
}

// InsertMember applies an externally observed membership fact (e.g. from a
// join request) through the same reconciliation rules the SWIM engine uses.
func (s *Server) InsertMember(m member.Member) member.ReconcileResult {
	return s.list.Insert(m)
}

// InsertServiceRumor injects a non-membership rumor (service announcement,
// config, election message) for dissemination.
func (s *Server) InsertServiceRumor(r rumor.Rumor) rumor.InsertOutcome {
	return s.rumors.Insert(r)
}

// MemberListSnapshot returns a deep copy of every known member.
func (s *Server) MemberListSnapshot() []member.Member {
	return s.list.Snapshot()
}

// RumorSnapshot returns every rumor currently held.
func (s *Server) RumorSnapshot() []rumor.Rumor {
	return s.rumors.Snapshot()
}

// LocalID returns the local member's identity.
func (s *Server) LocalID() member.ID {
	return s.list.LocalID()
}

// Shutdown cancels all activities, waits up to drainDeadline for them to
// drain in-flight work, then closes both sockets. Sockets are closed here,
// not by the activities, so a blocked Read unblocks with an error.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.swimEngine != nil {
		s.swimEngine.Wait(drainDeadline)
	}
	if s.gossipEngine != nil {
		s.gossipEngine.Wait(drainDeadline)
	}
	if s.swimSock != nil {
		s.swimSock.Close()
	}
	if s.gossipLn != nil {
		s.gossipLn.Close()
	}
	s.logger.Info("server shut down")
}
