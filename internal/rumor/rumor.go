// Package rumor owns the rumor store: the heat-tracked set of gossipable
// payloads (membership health observations, service announcements,
// configuration blobs, election messages) that the SWIM piggyback and the
// gossip push/pull activities disseminate between nodes.
package rumor

import (
	"math"
	"sort"
	"sync"

	"github.com/fleetswarm/core/internal/member"
)

// Kind tags what a rumor describes.
type Kind int

const (
	Member Kind = iota
	Service
	ServiceConfig
	ServiceFile
	Election
	ElectionUpdate
)

func (k Kind) String() string {
	switch k {
	case Member:
		return "member"
	case Service:
		return "service"
	case ServiceConfig:
		return "service-config"
	case ServiceFile:
		return "service-file"
	case Election:
		return "election"
	case ElectionUpdate:
		return "election-update"
	default:
		return "unknown"
	}
}

// Key is the composite replacement key of a rumor.
type Key struct {
	Kind        Kind
	PrimaryID   string
	SecondaryID string // empty when the rumor kind has no secondary id
}

// Less gives a deterministic order over keys, used to break heat ties
// during piggyback selection.
func (k Key) Less(other Key) bool {
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	if k.PrimaryID != other.PrimaryID {
		return k.PrimaryID < other.PrimaryID
	}
	return k.SecondaryID < other.SecondaryID
}

// Rumor is a single gossipable fact.
type Rumor struct {
	Key Key

	// Seq is the staleness discriminator: a member's incarnation number for
	// Member-kind rumors, a plain version counter for every other kind. A
	// candidate with a lower Seq than what the store holds is always stale.
	Seq uint64

	Payload []byte
}

// InsertOutcome reports what Insert did with a candidate rumor.
type InsertOutcome int

const (
	Changed InsertOutcome = iota
	Duplicate
	Stale
)

type entry struct {
	rumor Rumor
	heat  map[member.ID]int
}

// Store is the exclusive owner of all known rumors, indexed by kind and key.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewStore creates an empty rumor store.
func NewStore() *Store {
	return &Store{entries: make(map[Key]*entry)}
}

// HeatThreshold is K = ceil(3*log2(N+1)), the default "hot" cutoff for a
// cluster of size N.
func HeatThreshold(clusterSize int) int {
	if clusterSize < 0 {
		clusterSize = 0
	}
	k := int(math.Ceil(3 * math.Log2(float64(clusterSize+1))))
	if k < 1 {
		k = 1
	}
	return k
}

// Insert applies keyed replacement: a higher Seq always wins, an equal Seq
// with identical payload is a Duplicate, and a lower Seq is Stale and
// discarded.
func (s *Store) Insert(r Rumor) InsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.Key]
	if !ok {
		s.entries[r.Key] = &entry{rumor: r, heat: make(map[member.ID]int)}
		return Changed
	}

	switch {
	case r.Seq < e.rumor.Seq:
		return Stale
	case r.Seq == e.rumor.Seq:
		if string(r.Payload) == string(e.rumor.Payload) {
			return Duplicate
		}
		// Same Seq, different payload: still replace (e.g. a corrected
		// announcement at the same version), but this is the unusual case.
		e.rumor = r
		return Changed
	default:
		e.rumor = r
		// A higher Seq invalidates accumulated heat: every peer needs the
		// new fact re-disseminated.
		e.heat = make(map[member.ID]int)
		return Changed
	}
}

// Get returns the current rumor stored under key, if any.
func (s *Store) Get(key Key) (Rumor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Rumor{}, false
	}
	return e.rumor, true
}

// HotFor returns every rumor still hot (send count below the cluster's heat
// threshold) for the given peer, ordered by (send count asc, key asc) —
// highest-heat (lowest count) first, ties broken by key for determinism.
// Callers needing a byte budget (the SWIM piggyback) truncate this list
// themselves once they know the wire-encoded size of each entry; callers
// streaming rumors over a gossip connection send the whole list.
func (s *Store) HotFor(peer member.ID, clusterSize int) []Rumor {
	threshold := HeatThreshold(clusterSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		rumor Rumor
		count int
	}
	candidates := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		count := e.heat[peer]
		if count < threshold {
			candidates = append(candidates, scored{rumor: e.rumor, count: count})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].rumor.Key.Less(candidates[j].rumor.Key)
	})

	out := make([]Rumor, len(candidates))
	for i, c := range candidates {
		out[i] = c.rumor
	}
	return out
}

// MarkSent increments the per-peer send count for a rumor, saturating at
// threshold+1 so the heat map never grows with cluster history.
func (s *Store) MarkSent(key Key, peer member.ID, clusterSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}
	ceiling := HeatThreshold(clusterSize) + 1
	if e.heat[peer] < ceiling {
		e.heat[peer]++
	}
}

// SendCount returns the current send count of a rumor against a peer, for
// tests and the property checks in §8.
func (s *Store) SendCount(key Key, peer member.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return 0
	}
	return e.heat[peer]
}

// Len reports the number of distinct rumors held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns every rumor currently held, for status surfaces.
func (s *Store) Snapshot() []Rumor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rumor, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rumor)
	}
	return out
}
