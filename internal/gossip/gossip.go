// Package gossip runs the push/pull rumor-dissemination activities layered
// on top of the SWIM failure detector, following the teacher's
// ticker-driven activity idiom (membership.SWIM.gossipLoop) but generalized
// to a true push/pull exchange over the QUIC gossip transport instead of
// the teacher's unimplemented placeholder.
package gossip

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/trace"
	"github.com/fleetswarm/core/internal/transport"
	"github.com/fleetswarm/core/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Config holds the gossip engine's tunable constants.
type Config struct {
	PushPeriod time.Duration
	Fanout     int
}

// DefaultConfig returns the spec's default gossip constants.
func DefaultConfig() Config {
	return Config{PushPeriod: time.Second, Fanout: 5}
}

// Engine runs the push and pull activities against a shared membership list
// and rumor store.
type Engine struct {
	cfg      Config
	list     *member.List
	rumors   *rumor.Store
	listener *transport.GossipListener
	logger   *log.Logger
	trace    *trace.Sink

	wg sync.WaitGroup
}

// New builds a gossip engine bound to an already-listening gossip
// transport.
func New(cfg Config, list *member.List, rumors *rumor.Store, listener *transport.GossipListener, logger *log.Logger, sink *trace.Sink) *Engine {
	return &Engine{cfg: cfg, list: list, rumors: rumors, listener: listener, logger: logger.With("activity", "gossip"), trace: sink}
}

// Start launches the push and pull activities. It returns immediately; the
// activities run until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.pushLoop(ctx)
	go e.pullLoop(ctx)
}

// Wait blocks until both activities have returned, or the deadline elapses
// first.
func (e *Engine) Wait(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.logger.Warn("gossip activities did not drain before deadline")
	}
}

// pushLoop never overlaps itself: the next round starts PushPeriod after
// the previous round *completed*, not on a fixed-phase ticker.
func (e *Engine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PushPeriod):
			e.pushOnce(ctx)
		}
	}
}

func (e *Engine) pushOnce(ctx context.Context) {
	peers := e.pushTargets()
	if len(peers) == 0 {
		return
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		if peer.GossipAddr == nil {
			continue
		}
		group.Go(func() error {
			e.pushTo(gctx, peer)
			return nil
		})
	}
	_ = group.Wait()
}

// pushTargets selects up to Fanout random non-Confirmed peers, except that
// persistent peers are always eligible regardless of health, per §4.4 step 1.
func (e *Engine) pushTargets() []member.Member {
	local := e.list.LocalID()
	all := e.list.Snapshot()

	candidates := make([]member.Member, 0, len(all))
	for _, m := range all {
		if m.ID == local || m.Departed {
			continue
		}
		if m.Health == member.Confirmed && !m.Persistent {
			continue
		}
		candidates = append(candidates, m)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	if e.cfg.Fanout < len(candidates) {
		candidates = candidates[:e.cfg.Fanout]
	}
	return candidates
}

func (e *Engine) pushTo(ctx context.Context, peer member.Member) {
	hot := e.rumors.HotFor(peer.ID, e.list.Len())
	if len(hot) == 0 {
		return
	}

	stream, err := transport.DialGossip(ctx, peer.GossipAddr.String())
	if err != nil {
		// Connection failure is not a membership signal; heat is not
		// incremented so these rumors remain eligible next round.
		e.logger.Debug("gossip dial failed", "peer", peer.ID, "error", err)
		return
	}
	defer stream.Close()

	for _, r := range hot {
		if err := wire.WriteGossipFrame(stream, r); err != nil {
			e.logger.Debug("gossip write failed", "peer", peer.ID, "error", err)
			return
		}
		e.rumors.MarkSent(r.Key, peer.ID, e.list.Len())
	}
	if e.trace.Enabled() {
		e.trace.Emit(trace.PiggybackSent, map[string]any{"peer": peer.ID.String(), "count": len(hot)})
	}
}

// pullLoop accepts incoming gossip connections and applies every rumor
// streamed to it.
func (e *Engine) pullLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		stream, err := e.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Debug("gossip accept failed", "error", err)
			continue
		}
		go e.handleIncoming(stream)
	}
}

func (e *Engine) handleIncoming(stream *transport.GossipStream) {
	defer stream.Close()
	for {
		r, err := wire.ReadGossipFrame(stream)
		if err != nil {
			if err != io.EOF {
				e.logger.Debug("gossip read failed", "error", err)
			}
			return
		}
		e.apply(r)
	}
}

func (e *Engine) apply(r rumor.Rumor) {
	if r.Key.Kind == rumor.Member {
		e.applyMemberRumor(r)
		return
	}
	e.rumors.Insert(r)
}

// applyMemberRumor mirrors swim.applyMemberRumor: a membership rumor's
// payload is a single health byte, its Seq the incarnation. The outcome is
// republished so a secondhand transition keeps spreading, and a
// SelfRefuted outcome republishes the bumped incarnation as Alive.
func (e *Engine) applyMemberRumor(r rumor.Rumor) {
	res, ok := applyMemberRumor(e.list, r)
	if !ok {
		return
	}
	switch res.Outcome {
	case member.Applied, member.SelfRefuted:
		e.rumors.Insert(memberRumor(res.Member))
	}
}

// applyMemberRumor decodes a membership rumor payload and reconciles it
// against the local list, returning the reconciliation outcome.
func applyMemberRumor(list *member.List, r rumor.Rumor) (member.ReconcileResult, bool) {
	id, err := member.ParseID(r.Key.PrimaryID)
	if err != nil {
		return member.ReconcileResult{}, false
	}
	if len(r.Payload) < 1 {
		return member.ReconcileResult{}, false
	}
	health := member.Health(r.Payload[0])
	return list.Insert(member.Member{ID: id, Health: health, Incarnation: r.Seq}), true
}

// memberRumor builds the rumor announcing m's current health, mirroring
// swim.memberRumor's wire shape.
func memberRumor(m member.Member) rumor.Rumor {
	return rumor.Rumor{
		Key:     rumor.Key{Kind: rumor.Member, PrimaryID: m.ID.String()},
		Seq:     m.Incarnation,
		Payload: []byte{byte(m.Health)},
	}
}
