package member

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newList() (*List, ID) {
	local := Member{ID: NewID()}
	return NewList(local), local.ID
}

func TestInsertNewMember(t *testing.T) {
	l, _ := newList()
	remote := NewID()

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	assert.Equal(t, Applied, res.Outcome)

	m, ok := l.Get(remote)
	assert.True(t, ok)
	assert.Equal(t, Alive, m.Health)
}

func TestReconcileAliveHigherIncarnationWins(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 1})
	assert.Equal(t, Applied, res.Outcome)
	assert.EqualValues(t, 1, res.Member.Incarnation)
}

func TestReconcileStaleIncarnationDiscarded(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 5})

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 3})
	assert.Equal(t, Discarded, res.Outcome)
	assert.EqualValues(t, 5, res.Member.Incarnation)
}

func TestReconcileAliveToSuspect(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Suspect, Incarnation: 0})
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Suspect, res.Member.Health)
	assert.False(t, res.Member.SuspicionStart.IsZero())
}

func TestReconcileSuspectRefutedByHigherAlive(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Suspect, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 1})
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Alive, res.Member.Health)
}

func TestReconcileSuspectSameIncarnationAliveDiscarded(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Suspect, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	assert.Equal(t, Discarded, res.Outcome)
	assert.Equal(t, Suspect, res.Member.Health)
}

func TestReconcileConfirmedIsSticky(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Confirmed, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Confirmed, Incarnation: 0})
	assert.Equal(t, Discarded, res.Outcome)
	assert.Equal(t, Confirmed, res.Member.Health)
}

func TestReconcilePartitionHeal(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Confirmed, Incarnation: 0})

	// Confirmed member reappears with a higher incarnation: must heal back
	// to Alive despite Confirmed normally being sticky.
	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 1})
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Alive, res.Member.Health)
	assert.EqualValues(t, 1, res.Member.Incarnation)
}

func TestReconcilePartitionHealRequiresHigherIncarnation(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Confirmed, Incarnation: 0})

	res := l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	assert.Equal(t, Discarded, res.Outcome)
	assert.Equal(t, Confirmed, res.Member.Health)
}

func TestSelfRefutation(t *testing.T) {
	l, localID := newList()

	res := l.Insert(Member{ID: localID, Health: Suspect, Incarnation: 0})
	assert.Equal(t, SelfRefuted, res.Outcome)
	assert.Equal(t, Alive, res.Member.Health)
	assert.EqualValues(t, 1, res.Member.Incarnation)
}

func TestSelfAliveNeverDiscardsLocalView(t *testing.T) {
	l, localID := newList()

	res := l.Insert(Member{ID: localID, Health: Alive, Incarnation: 9})
	assert.Equal(t, Discarded, res.Outcome)
	assert.EqualValues(t, 0, res.Member.Incarnation)
}

func TestExpireTransitionsSuspectToConfirmed(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 3})
	l.Insert(Member{ID: remote, Health: Suspect, Incarnation: 3})

	transitioned := l.Expire(0)
	if assert.Len(t, transitioned, 1) {
		assert.Equal(t, Confirmed, transitioned[0].Health)
		assert.EqualValues(t, 3, transitioned[0].Incarnation)
	}

	health, _ := l.HealthOf(remote)
	assert.Equal(t, Confirmed, health)
}

func TestExpireRespectsTimeout(t *testing.T) {
	l, _ := newList()
	remote := NewID()
	l.Insert(Member{ID: remote, Health: Alive, Incarnation: 0})
	l.Insert(Member{ID: remote, Health: Suspect, Incarnation: 0})

	transitioned := l.Expire(time.Hour)
	assert.Empty(t, transitioned)
}

func TestNextProbeTargetSkipsConfirmedUnlessPersistent(t *testing.T) {
	l, _ := newList()
	confirmed := NewID()
	persistentConfirmed := NewID()

	l.Insert(Member{ID: confirmed, Health: Confirmed, Incarnation: 0})
	l.Insert(Member{ID: persistentConfirmed, Health: Confirmed, Incarnation: 0, Persistent: true})

	seen := map[ID]int{}
	for i := 0; i < 10; i++ {
		m, ok := l.NextProbeTarget()
		assert.True(t, ok)
		seen[m.ID]++
	}
	assert.Zero(t, seen[confirmed])
	assert.Positive(t, seen[persistentConfirmed])
}

func TestRandomTargetsExcludesLocalAndGiven(t *testing.T) {
	l, localID := newList()
	a, b := NewID(), NewID()
	l.Insert(Member{ID: a, Health: Alive})
	l.Insert(Member{ID: b, Health: Alive})

	targets := l.RandomTargets(5, a)
	for _, m := range targets {
		assert.NotEqual(t, localID, m.ID)
		assert.NotEqual(t, a, m.ID)
	}
}
