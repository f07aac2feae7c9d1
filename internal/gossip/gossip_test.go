package gossip

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, member.Member) {
	t.Helper()
	logger := log.New(slog.LevelError)

	listener, err := transport.ListenGossip("127.0.0.1:0", logger)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	addrStr := listener.Addr()
	tcpAddr, err := net.ResolveUDPAddr("udp", addrStr)
	require.NoError(t, err)

	localID := member.NewID()
	local := member.Member{ID: localID, GossipAddr: tcpAddr, Health: member.Alive}

	list := member.NewList(local)
	rumors := rumor.NewStore()
	cfg := DefaultConfig()
	cfg.PushPeriod = 100 * time.Millisecond

	e := New(cfg, list, rumors, listener, logger, nil)
	return e, local
}

func TestPushDeliversHotRumorToPeer(t *testing.T) {
	a, aLocal := newTestEngine(t)
	b, bLocal := newTestEngine(t)

	a.list.Insert(member.Member{ID: bLocal.ID, GossipAddr: bLocal.GossipAddr, Health: member.Alive})
	b.list.Insert(member.Member{ID: aLocal.ID, GossipAddr: aLocal.GossipAddr, Health: member.Alive})

	announce := rumor.Rumor{
		Key:     rumor.Key{Kind: rumor.Service, PrimaryID: "svc-a"},
		Seq:     1,
		Payload: []byte("running"),
	}
	a.rumors.Insert(announce)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	a.Start(ctx)
	b.Start(ctx)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("B never received the pushed rumor within deadline")
		case <-tick.C:
			got, ok := b.rumors.Get(announce.Key)
			if ok {
				assert.Equal(t, announce.Payload, got.Payload)
				return
			}
		}
	}
}
