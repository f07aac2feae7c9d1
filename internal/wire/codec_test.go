package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSwimDatagramRoundTrip(t *testing.T) {
	f := SwimFrame{
		Type:   FramePing,
		Sender: member.NewID(),
		Target: member.NewID(),
	}
	hot := []rumor.Rumor{
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "node-a"}, Seq: 3, Payload: []byte("alive")},
		{Key: rumor.Key{Kind: rumor.Service, PrimaryID: "svc-a", SecondaryID: "group"}, Seq: 1, Payload: []byte("running")},
	}

	data, included, err := EncodeSwimDatagram(f, hot)
	require.NoError(t, err)
	assert.Len(t, included, 2)
	assert.LessOrEqual(t, len(data), MaxDatagramSize)

	decoded, err := DecodeSwimDatagram(data)
	require.NoError(t, err)
	assert.Equal(t, f.Type, decoded.Type)
	assert.Equal(t, f.Sender, decoded.Sender)
	assert.Equal(t, f.Target, decoded.Target)
	assert.False(t, decoded.HasVia)
	if assert.Len(t, decoded.Piggyback, 2) {
		assert.Equal(t, hot[0].Key, decoded.Piggyback[0].Key)
		assert.Equal(t, hot[0].Seq, decoded.Piggyback[0].Seq)
		assert.Equal(t, hot[0].Payload, decoded.Piggyback[0].Payload)
		assert.Equal(t, hot[1].Key, decoded.Piggyback[1].Key)
	}
}

func TestEncodeSwimDatagramWithVia(t *testing.T) {
	f := SwimFrame{
		Type:   FrameAck,
		Sender: member.NewID(),
		Target: member.NewID(),
		HasVia: true,
		Via:    member.NewID(),
	}
	data, _, err := EncodeSwimDatagram(f, nil)
	require.NoError(t, err)

	decoded, err := DecodeSwimDatagram(data)
	require.NoError(t, err)
	assert.True(t, decoded.HasVia)
	assert.Equal(t, f.Via, decoded.Via)
	assert.Empty(t, decoded.Piggyback)
}

func TestEncodeSwimDatagramNeverExceedsBudget(t *testing.T) {
	f := SwimFrame{Type: FramePing, Sender: member.NewID(), Target: member.NewID()}

	// A pile of candidates whose combined size vastly exceeds 512 bytes.
	var hot []rumor.Rumor
	for i := 0; i < 100; i++ {
		hot = append(hot, rumor.Rumor{
			Key:     rumor.Key{Kind: rumor.ServiceConfig, PrimaryID: "service-with-a-long-name", SecondaryID: "some-group"},
			Seq:     uint64(i),
			Payload: bytes.Repeat([]byte{'x'}, 64),
		})
	}

	data, included, err := EncodeSwimDatagram(f, hot)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), MaxDatagramSize)
	assert.Less(t, len(included), len(hot), "truncation should have dropped some candidates")
}

func TestEncodeSwimDatagramTailTruncationKeepsPrefix(t *testing.T) {
	f := SwimFrame{Type: FramePing, Sender: member.NewID(), Target: member.NewID()}

	hot := []rumor.Rumor{
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "a"}, Seq: 0, Payload: bytes.Repeat([]byte{'a'}, 200)},
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "b"}, Seq: 0, Payload: bytes.Repeat([]byte{'b'}, 200)},
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "c"}, Seq: 0, Payload: bytes.Repeat([]byte{'c'}, 200)},
	}

	_, included, err := EncodeSwimDatagram(f, hot)
	require.NoError(t, err)
	// Each candidate encodes to 216 bytes and the piggyback budget after the
	// 35-byte header and 2-byte count is 475 bytes, so the first two fit and
	// the third does not; truncation must keep the prefix in order, never
	// reorder or skip ahead.
	if assert.Len(t, included, 2) {
		assert.Equal(t, hot[0].Key, included[0].Key)
		assert.Equal(t, hot[1].Key, included[1].Key)
	}
}

func TestDecodeSwimDatagramRejectsBadVersion(t *testing.T) {
	f := SwimFrame{Type: FramePing, Sender: member.NewID(), Target: member.NewID()}
	data, _, err := EncodeSwimDatagram(f, nil)
	require.NoError(t, err)

	corrupt := append([]byte(nil), data...)
	corrupt[0] = 0xFF

	_, err = DecodeSwimDatagram(corrupt)
	assert.Error(t, err)
}

func TestDecodeSwimDatagramRejectsShortInput(t *testing.T) {
	_, err := DecodeSwimDatagram([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestGossipFrameRoundTrip(t *testing.T) {
	r := rumor.Rumor{
		Key:     rumor.Key{Kind: rumor.Election, PrimaryID: "ring-a"},
		Seq:     7,
		Payload: []byte("candidate-announcement"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteGossipFrame(&buf, r))

	got, err := ReadGossipFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.Key, got.Key)
	assert.Equal(t, r.Seq, got.Seq)
	assert.Equal(t, r.Payload, got.Payload)
}

func TestGossipFrameStreamOfMultipleRumors(t *testing.T) {
	rumors := []rumor.Rumor{
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "n1"}, Seq: 1, Payload: []byte("a")},
		{Key: rumor.Key{Kind: rumor.Member, PrimaryID: "n2"}, Seq: 2, Payload: []byte("b")},
	}

	var buf bytes.Buffer
	for _, r := range rumors {
		require.NoError(t, WriteGossipFrame(&buf, r))
	}

	for _, want := range rumors {
		got, err := ReadGossipFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Key, got.Key)
	}
}

func TestReadGossipFrameEOFOnCleanClose(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadGossipFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}
