package swim

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/ring"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberRumorRoundTrip(t *testing.T) {
	id := member.NewID()
	m := member.Member{ID: id, Health: member.Suspect, Incarnation: 7}

	r := memberRumor(m)
	assert.Equal(t, rumor.Member, r.Key.Kind)
	assert.Equal(t, id.String(), r.Key.PrimaryID)
	assert.EqualValues(t, 7, r.Seq)

	list := member.NewList(member.Member{ID: member.NewID()})
	list.Insert(member.Member{ID: id, Health: member.Alive, Incarnation: 0})
	_, _ = applyMemberRumor(list, r)

	got, ok := list.Get(id)
	require.True(t, ok)
	assert.Equal(t, member.Suspect, got.Health)
	assert.EqualValues(t, 7, got.Incarnation)
}

func testCipher(t *testing.T) *ring.Cipher {
	t.Helper()
	var key ring.Key
	for i := range key {
		key[i] = byte(i)
	}
	c, err := ring.NewCipher(key)
	require.NoError(t, err)
	return c
}

// newTestEngine binds a real UDP socket for the engine and registers the
// local member in its own list under its bound address.
func newTestEngine(t *testing.T) (*Engine, member.Member) {
	t.Helper()
	cipher := testCipher(t)
	logger := log.New(slog.LevelError)

	sock, err := transport.ListenSwim("127.0.0.1:0", cipher, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	localID := member.NewID()
	addr := sock.LocalAddr().(*net.UDPAddr)
	local := member.Member{ID: localID, SwimAddr: addr, Health: member.Alive}

	list := member.NewList(local)
	rumors := rumor.NewStore()
	cfg := DefaultConfig()
	cfg.ProbePeriod = 150 * time.Millisecond
	cfg.ProbeTimeout = 40 * time.Millisecond

	e := New(cfg, list, rumors, sock, logger, nil)
	return e, local
}

func TestTwoEnginesPingAck(t *testing.T) {
	a, aLocal := newTestEngine(t)
	b, bLocal := newTestEngine(t)

	a.list.Insert(member.Member{ID: bLocal.ID, SwimAddr: bLocal.SwimAddr, Health: member.Alive})
	b.list.Insert(member.Member{ID: aLocal.ID, SwimAddr: aLocal.SwimAddr, Health: member.Alive})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a.Start(ctx)
	b.Start(ctx)

	deadline := time.After(1500 * time.Millisecond)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("B never observed A as Alive (or vice versa) within deadline")
		case <-tick.C:
			ha, _ := b.list.HealthOf(aLocal.ID)
			hb, _ := a.list.HealthOf(bLocal.ID)
			if ha == member.Alive && hb == member.Alive {
				return
			}
		}
	}
}
