// Package swim runs the three cooperating activities of the failure
// detector: outbound probing, inbound datagram handling, and suspicion
// expiry. It is the direct descendant of the teacher's membership.SWIM
// ticker-loop idiom, generalized from a placeholder gossip loop into the
// full SWIM+Suspicion+Infection protocol.
package swim

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/trace"
	"github.com/fleetswarm/core/internal/transport"
	"github.com/fleetswarm/core/internal/wire"
)

// Config holds the SWIM engine's tunable constants.
type Config struct {
	ProbePeriod   time.Duration
	ProbeTimeout  time.Duration
	PingReqFanout int
	SuspicionMul  int // suspicion timeout = SuspicionMul * ProbePeriod
}

// DefaultConfig returns the spec's default SWIM constants.
func DefaultConfig() Config {
	return Config{
		ProbePeriod:   time.Second,
		ProbeTimeout:  300 * time.Millisecond,
		PingReqFanout: 5,
		SuspicionMul:  5,
	}
}

func (c Config) suspicionTimeout() time.Duration {
	return time.Duration(c.SuspicionMul) * c.ProbePeriod
}

// Engine runs the SWIM probe cycle against a shared membership list and
// rumor store over a SwimSocket.
type Engine struct {
	cfg    Config
	list   *member.List
	rumors *rumor.Store
	sock   *transport.SwimSocket
	logger *log.Logger
	trace  *trace.Sink

	aad []byte // wire version byte then a zero byte, the same for every frame type

	mu      sync.Mutex
	pending map[member.ID]chan struct{} // probe target -> completion signal

	wg sync.WaitGroup
}

// New builds a SWIM engine. Every datagram is sealed and opened with the
// same two bytes of additional authenticated data: the wire version followed
// by a zero byte. The frame type is not part of it; it travels inside the
// sealed payload.
func New(cfg Config, list *member.List, rumors *rumor.Store, sock *transport.SwimSocket, logger *log.Logger, sink *trace.Sink) *Engine {
	return &Engine{
		cfg:     cfg,
		list:    list,
		rumors:  rumors,
		sock:    sock,
		logger:  logger.With("activity", "swim"),
		trace:   sink,
		aad:     []byte{wire.Version, 0},
		pending: make(map[member.ID]chan struct{}),
	}
}

// Start launches the three activities. It returns immediately; the
// activities run until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(3)
	go e.outboundLoop(ctx)
	go e.inboundLoop(ctx)
	go e.expireLoop(ctx)
}

// Wait blocks until all three activities have returned, or the deadline
// elapses first.
func (e *Engine) Wait(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.logger.Warn("swim activities did not drain before deadline")
	}
}

// hotPiggyback returns the membership rumors still hot for peer, in HotFor's
// order; other rumor kinds are disseminated only by the gossip engine.
func (e *Engine) hotPiggyback(peer member.ID) []rumor.Rumor {
	hot := e.rumors.HotFor(peer, e.list.Len())
	pb := hot[:0]
	for _, r := range hot {
		if r.Key.Kind == rumor.Member {
			pb = append(pb, r)
		}
	}
	return pb
}

func (e *Engine) markSent(sent []rumor.Rumor, peer member.ID) {
	for _, r := range sent {
		e.rumors.MarkSent(r.Key, peer, e.list.Len())
	}
	if len(sent) > 0 && e.trace.Enabled() {
		e.trace.Emit(trace.PiggybackSent, map[string]any{"peer": peer.String(), "count": len(sent)})
	}
}

func (e *Engine) applyPiggyback(pb []rumor.Rumor) {
	for _, r := range pb {
		if r.Key.Kind == rumor.Member {
			e.applyMemberRumor(r)
			continue
		}
		e.rumors.Insert(r)
	}
}

// applyMemberRumor decodes a membership rumor payload, reconciles it against
// the local list, and republishes the outcome so the transition keeps
// spreading. The payload is a single byte: the health value; the rumor's Seq
// carries the incarnation. A SelfRefuted outcome means the rumor was about
// this node; the bumped incarnation is republished as Alive per §4.2.
func (e *Engine) applyMemberRumor(r rumor.Rumor) {
	res, ok := applyMemberRumor(e.list, r)
	if !ok {
		return
	}
	switch res.Outcome {
	case member.Applied:
		e.rumors.Insert(memberRumor(res.Member))
	case member.SelfRefuted:
		e.rumors.Insert(memberRumor(res.Member))
		if e.trace.Enabled() {
			e.trace.Emit(trace.RumorApplied, map[string]any{"member": res.Member.ID.String(), "health": "self-refuted"})
		}
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

// memberRumor builds the piggyback rumor announcing m's current health.
func memberRumor(m member.Member) rumor.Rumor {
	return rumor.Rumor{
		Key:     rumor.Key{Kind: rumor.Member, PrimaryID: m.ID.String()},
		Seq:     m.Incarnation,
		Payload: []byte{byte(m.Health)},
	}
}

// outboundLoop drives the probe cycle described in §4.3.
func (e *Engine) outboundLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ProbePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probeOnce(ctx)
		}
	}
}

func (e *Engine) probeOnce(ctx context.Context) {
	target, ok := e.list.NextProbeTarget()
	if !ok {
		return
	}
	if target.SwimAddr == nil {
		return
	}

	if e.trace.Enabled() {
		e.trace.Emit(trace.ProbeStart, map[string]any{"target": target.ID.String()})
	}
	defer func() {
		if e.trace.Enabled() {
			e.trace.Emit(trace.ProbeEnd, map[string]any{"target": target.ID.String()})
		}
	}()

	done := make(chan struct{}, 1)
	e.mu.Lock()
	e.pending[target.ID] = done
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, target.ID)
		e.mu.Unlock()
	}()

	pb := e.hotPiggyback(target.ID)
	frame := wire.SwimFrame{Type: wire.FramePing, Sender: e.list.LocalID(), Target: target.ID}
	data, included, err := wire.EncodeSwimDatagram(frame, pb)
	if err != nil {
		e.logger.Warn("encode ping failed", "error", err)
		return
	}
	if err := e.sock.Send(target.SwimAddr, data, e.aad); err != nil {
		e.logger.Warn("send ping failed", "target", target.ID, "error", err)
	} else {
		e.markSent(included, target.ID)
	}

	select {
	case <-done:
		return // direct Ack received
	case <-time.After(e.cfg.ProbeTimeout):
	case <-ctx.Done():
		return
	}

	e.requestIndirectProbes(target)

	remaining := e.cfg.ProbePeriod - e.cfg.ProbeTimeout
	select {
	case <-done:
		return
	case <-time.After(remaining):
	case <-ctx.Done():
		return
	}

	e.suspectMember(target)
}

func (e *Engine) requestIndirectProbes(target member.Member) {
	helpers := e.list.RandomTargets(e.cfg.PingReqFanout, target.ID)
	for _, h := range helpers {
		if h.SwimAddr == nil {
			continue
		}
		pb := e.hotPiggyback(h.ID)
		frame := wire.SwimFrame{Type: wire.FramePingReq, Sender: e.list.LocalID(), Target: target.ID}
		data, included, err := wire.EncodeSwimDatagram(frame, pb)
		if err != nil {
			continue
		}
		if err := e.sock.Send(h.SwimAddr, data, e.aad); err == nil {
			e.markSent(included, h.ID)
		}
	}
}

func (e *Engine) suspectMember(target member.Member) {
	res := e.list.Insert(member.Member{ID: target.ID, Health: member.Suspect, Incarnation: target.Incarnation})
	if res.Outcome == member.Applied {
		e.rumors.Insert(memberRumor(res.Member))
		e.logger.Debug("suspected member after probe timeout", "member", target.ID)
		if e.trace.Enabled() {
			e.trace.Emit(trace.RumorApplied, map[string]any{"member": target.ID.String(), "health": "suspect"})
		}
	}
}

// inboundLoop decodes arriving datagrams and dispatches them.
func (e *Engine) inboundLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		pkt, err := e.sock.Recv(ctx, e.aad)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Debug("recv failed", "error", err)
			continue
		}
		frame, err := wire.DecodeSwimDatagram(pkt.Data)
		if err != nil {
			e.logger.Debug("decode failed", "error", err)
			continue
		}
		e.applyPiggyback(frame.Piggyback)
		e.dispatch(ctx, frame, pkt.From)
	}
}

func (e *Engine) dispatch(ctx context.Context, frame wire.SwimFrame, from net.Addr) {
	switch frame.Type {
	case wire.FramePing:
		e.handlePing(frame, from)
	case wire.FramePingReq:
		e.handlePingReq(ctx, frame, from)
	case wire.FrameAck:
		e.handleAck(frame)
	}
}

func (e *Engine) handlePing(frame wire.SwimFrame, from net.Addr) {
	pb := e.hotPiggyback(frame.Sender)
	reply := wire.SwimFrame{Type: wire.FrameAck, Sender: e.list.LocalID(), Target: e.list.LocalID()}
	data, included, err := wire.EncodeSwimDatagram(reply, pb)
	if err != nil {
		return
	}
	if err := e.sock.Send(from, data, e.aad); err == nil {
		e.markSent(included, frame.Sender)
	}
}

func (e *Engine) handlePingReq(ctx context.Context, frame wire.SwimFrame, from net.Addr) {
	target, ok := e.list.Get(frame.Target)
	if !ok || target.SwimAddr == nil {
		return
	}

	done := make(chan struct{}, 1)
	e.mu.Lock()
	// Only register if nothing else is already waiting on this target; the
	// outbound activity's own probe, if any, still owns the primary slot.
	if _, exists := e.pending[frame.Target]; !exists {
		e.pending[frame.Target] = done
		defer func() {
			e.mu.Lock()
			if e.pending[frame.Target] == done {
				delete(e.pending, frame.Target)
			}
			e.mu.Unlock()
		}()
	}
	e.mu.Unlock()

	pb := e.hotPiggyback(target.ID)
	ping := wire.SwimFrame{Type: wire.FramePing, Sender: e.list.LocalID(), Target: target.ID}
	data, included, err := wire.EncodeSwimDatagram(ping, pb)
	if err != nil {
		return
	}
	if err := e.sock.Send(target.SwimAddr, data, e.aad); err != nil {
		return
	}
	e.markSent(included, target.ID)

	select {
	case <-done:
	case <-time.After(e.cfg.ProbeTimeout):
		return
	case <-ctx.Done():
		return
	}

	relay := wire.SwimFrame{Type: wire.FrameAck, Sender: e.list.LocalID(), Target: target.ID, HasVia: true, Via: frame.Sender}
	data, included, err = wire.EncodeSwimDatagram(relay, e.hotPiggyback(frame.Sender))
	if err != nil {
		return
	}
	if err := e.sock.Send(from, data, e.aad); err == nil {
		e.markSent(included, frame.Sender)
	}
}

func (e *Engine) handleAck(frame wire.SwimFrame) {
	e.mu.Lock()
	done, ok := e.pending[frame.Target]
	e.mu.Unlock()
	if ok {
		select {
		case done <- struct{}{}:
		default:
		}
	}
}

// expireLoop transitions timed-out Suspect members to Confirmed.
func (e *Engine) expireLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range e.list.Expire(e.cfg.suspicionTimeout()) {
				e.rumors.Insert(memberRumor(m))
				e.logger.Debug("member suspicion expired", "member", m.ID)
				if e.trace.Enabled() {
					e.trace.Emit(trace.RumorApplied, map[string]any{"member": m.ID.String(), "health": "confirmed"})
				}
			}
		}
	}
}
