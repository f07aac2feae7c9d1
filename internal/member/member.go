// Package member owns the cluster membership list: the set of known
// supervisor nodes, their health, and the incarnation-number reconciliation
// rules that decide how concurrent health rumors about the same member are
// resolved.
package member

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID is a stable 16-byte member identity, stringified as 32 hex characters.
type ID [16]byte

// NewID generates a fresh random member identity.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses a 32-character hex string back into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("member: invalid id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("member: invalid id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Less gives a deterministic tie-break order over identities, used to break
// heat ties during piggyback selection (lexicographic on the raw bytes).
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Health is a member's observed failure-detector state.
type Health int

const (
	Alive Health = iota
	Suspect
	Confirmed
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Member is one entry in the membership list.
type Member struct {
	ID          ID
	SwimAddr    *net.UDPAddr
	GossipAddr  *net.UDPAddr // dialed as a QUIC endpoint, not a raw UDP socket
	Incarnation uint64
	Health      Health
	Persistent  bool
	Departed    bool

	// SuspicionStart is when Health last became Suspect; used by the expire
	// activity to decide when T_s has elapsed. Zero when not Suspect.
	SuspicionStart time.Time
}

// clone returns a deep copy safe to hand to a caller outside the lock.
func (m Member) clone() Member {
	cp := m
	if m.SwimAddr != nil {
		addr := *m.SwimAddr
		cp.SwimAddr = &addr
	}
	if m.GossipAddr != nil {
		addr := *m.GossipAddr
		cp.GossipAddr = &addr
	}
	return cp
}

// ReconcileOutcome describes what happened when a candidate record was
// applied to the list.
type ReconcileOutcome int

const (
	// Discarded means the incoming record lost to the existing one (stale
	// incarnation, or no-op).
	Discarded ReconcileOutcome = iota
	// Applied means the list now reflects the incoming record.
	Applied
	// SelfRefuted means the candidate targeted the local member with a
	// Suspect/Confirmed rumor; the local incarnation was bumped instead of
	// applying the incoming health, and an Alive rumor must be published by
	// the caller.
	SelfRefuted
)

// ReconcileResult is the outcome of List.Insert.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	Member  Member // resulting record (post-reconciliation), always populated
}

// List is the membership list: the exclusive owner of all Member records.
// MemberList and RumorStore in the source design are each guarded by a
// single reader/writer lock; readers run concurrently, writers exclude all
// others.
type List struct {
	mu      sync.RWMutex
	localID ID
	members map[ID]*Member

	// rotation is the outbound activity's probe-target permutation. It is
	// owned here because it is derived from (and must stay consistent with)
	// the member set it shuffles over.
	rotation    []ID
	rotationPos int
}

// NewList creates a membership list seeded with the local member, always
// Alive from its own perspective.
func NewList(local Member) *List {
	local.Health = Alive
	l := &List{
		localID: local.ID,
		members: make(map[ID]*Member),
	}
	m := local.clone()
	l.members[local.ID] = &m
	return l
}

// LocalID returns the local member's identity.
func (l *List) LocalID() ID { return l.localID }

// Get returns a copy of the member record, if known.
func (l *List) Get(id ID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return m.clone(), true
}

// HealthOf returns the health of a known member, or Confirmed (treated as
// absent) for an unknown one.
func (l *List) HealthOf(id ID) (Health, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Confirmed, false
	}
	return m.Health, true
}

// Snapshot returns a deep copy of every member, for external callers
// (status surfaces, tests).
func (l *List) Snapshot() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, m.clone())
	}
	return out
}

// Len reports the number of known members, including the local one.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}

// RandomTargets selects up to n distinct members (uniform, without
// replacement), excluding the given identities, for probe or ping-req
// fan-out.
func (l *List) RandomTargets(n int, exclude ...ID) []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()

	excluded := make(map[ID]bool, len(exclude)+1)
	excluded[l.localID] = true
	for _, id := range exclude {
		excluded[id] = true
	}

	candidates := make([]*Member, 0, len(l.members))
	for id, m := range l.members {
		if !excluded[id] && !m.Departed {
			candidates = append(candidates, m)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]Member, 0, n)
	for _, m := range candidates[:n] {
		out = append(out, m.clone())
	}
	return out
}

// NextProbeTarget advances the outbound activity's rotating permutation and
// returns the next probe target: a non-local, non-Confirmed member, except
// that persistent members are always included regardless of health so that
// partitions can heal. The permutation reshuffles whenever it is exhausted.
func (l *List) NextProbeTarget() (Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.rotationPos >= len(l.rotation) {
			l.rebuildRotationLocked()
			if len(l.rotation) == 0 {
				return Member{}, false
			}
		}
		id := l.rotation[l.rotationPos]
		l.rotationPos++
		m, ok := l.members[id]
		if !ok {
			continue // no longer in the list
		}
		if (m.Health == Confirmed && !m.Persistent) || m.Departed {
			continue
		}
		return m.clone(), true
	}
}

func (l *List) rebuildRotationLocked() {
	ids := make([]ID, 0, len(l.members))
	for id, m := range l.members {
		if id == l.localID || m.Departed || (m.Health == Confirmed && !m.Persistent) {
			continue
		}
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	l.rotation = ids
	l.rotationPos = 0
}

// SetDeparted marks a member departed; it remains in the list (so the
// departure itself keeps gossiping) but is never selected as a probe or
// gossip target.
func (l *List) SetDeparted(id ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.members[id]; ok {
		m.Departed = true
	}
}

// Insert applies the §4.2 reconciliation table to a candidate observation
// of a member's health and incarnation. It returns what happened and the
// resulting record; SelfRefuted signals that the caller (the SWIM inbound
// activity) must publish a fresh Alive rumor for the local member at the
// bumped incarnation.
func (l *List) Insert(candidate Member) ReconcileResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, known := l.members[candidate.ID]

	if candidate.ID == l.localID {
		return l.reconcileSelfLocked(existing, candidate)
	}

	if !known {
		m := candidate.clone()
		if candidate.Health == Suspect {
			m.SuspicionStart = time.Now()
		}
		l.members[candidate.ID] = &m
		return ReconcileResult{Outcome: Applied, Member: m.clone()}
	}

	return l.reconcileLocked(existing, candidate)
}

func (l *List) reconcileSelfLocked(existing *Member, candidate Member) ReconcileResult {
	if candidate.Health == Alive || candidate.Incarnation < existing.Incarnation {
		return ReconcileResult{Outcome: Discarded, Member: existing.clone()}
	}
	// Suspect or Confirmed rumor about us, at >= our incarnation: refute.
	if candidate.Incarnation >= existing.Incarnation {
		existing.Incarnation = candidate.Incarnation + 1
		existing.Health = Alive
		existing.SuspicionStart = time.Time{}
		return ReconcileResult{Outcome: SelfRefuted, Member: existing.clone()}
	}
	return ReconcileResult{Outcome: Discarded, Member: existing.clone()}
}

// reconcileLocked implements the total function on (existing, incoming)
// from §4.2's table, for a non-local identity already present in the list.
func (l *List) reconcileLocked(existing *Member, in Member) ReconcileResult {
	ie, ii := existing.Incarnation, in.Incarnation

	switch existing.Health {
	case Alive:
		switch in.Health {
		case Alive:
			if ii > ie {
				return l.applyLocked(existing, in)
			}
		case Suspect:
			if ii >= ie {
				return l.applyLocked(existing, in)
			}
		case Confirmed:
			if ii >= ie {
				return l.applyLocked(existing, in)
			}
		}
	case Suspect:
		switch in.Health {
		case Alive:
			if ii > ie {
				return l.applyLocked(existing, in)
			}
		case Suspect:
			if ii > ie {
				return l.applyLocked(existing, in)
			}
		case Confirmed:
			// "Suspect -> Confirmed(any)": update unconditionally, matching
			// the source's treatment of a timed-out suspicion reaching
			// confirmation regardless of incarnation drift.
			return l.applyLocked(existing, in)
		}
	case Confirmed:
		switch in.Health {
		case Alive:
			// Partition-heal rule: Alive with a strictly higher incarnation
			// overrides Confirmed even though Confirmed members are
			// otherwise sticky.
			if ii > ie {
				return l.applyLocked(existing, in)
			}
		case Confirmed:
			// keep existing
		case Suspect:
			// Confirmed is never downgraded to Suspect directly; a Suspect
			// rumor about an already-Confirmed member carries no new
			// information.
		}
	}

	return ReconcileResult{Outcome: Discarded, Member: existing.clone()}
}

func (l *List) applyLocked(existing *Member, in Member) ReconcileResult {
	existing.Incarnation = in.Incarnation
	existing.Health = in.Health
	existing.Persistent = existing.Persistent || in.Persistent
	if in.SwimAddr != nil {
		existing.SwimAddr = in.SwimAddr
	}
	if in.GossipAddr != nil {
		existing.GossipAddr = in.GossipAddr
	}
	if in.Health == Suspect {
		existing.SuspicionStart = time.Now()
	} else {
		existing.SuspicionStart = time.Time{}
	}
	return ReconcileResult{Outcome: Applied, Member: existing.clone()}
}

// Expire scans Suspect members whose suspicion timer has exceeded d and
// transitions them to Confirmed, preserving their incarnation. It returns
// the members that just transitioned so the caller can publish Confirmed
// rumors for them.
func (l *List) Expire(d time.Duration) []Member {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var transitioned []Member
	for _, m := range l.members {
		if m.Health == Suspect && !m.SuspicionStart.IsZero() && now.Sub(m.SuspicionStart) >= d {
			m.Health = Confirmed
			m.SuspicionStart = time.Time{}
			transitioned = append(transitioned, m.clone())
		}
	}
	return transitioned
}
