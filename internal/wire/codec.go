// Package wire implements the SWIM datagram and gossip frame codecs: a
// stable binary serialization with a one-byte version prefix and a
// tag/wire-type/value shape reminiscent of a protobuf wire format, but
// hand-rolled (see the repository's DESIGN.md for why: it is the only way
// to keep exact, incremental control over the serialized size of each
// piggybacked rumor, which the 512-byte datagram cap depends on).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/rumor"
	"github.com/fleetswarm/core/internal/xerr"
)

// Version is the current wire format version. Receivers MUST reject any
// other value.
const Version byte = 1

// MaxDatagramSize is the hard cap on an encoded SWIM datagram.
const MaxDatagramSize = 512

// FrameType tags the kind of frame that follows the version byte.
type FrameType byte

const (
	FramePing FrameType = iota
	FrameAck
	FramePingReq
	FrameGossipRumor
)

// SwimFrame is one decoded Ping, Ack, or PingReq datagram.
type SwimFrame struct {
	Type FrameType

	Sender member.ID

	// Target is the member being probed (PingReq) or acked (Ack); unused
	// for Ping.
	Target member.ID

	// Via, when HasVia is set, means this Ack was relayed: the sender is
	// forwarding an Ack(Target) on behalf of Via, the original prober that
	// sent it the PingReq.
	HasVia bool
	Via    member.ID

	Piggyback []rumor.Rumor
}

// EncodeSwimDatagram serializes f with as many entries of candidates
// (expected to already be ordered highest-heat-first, ties broken by key,
// per the rumor store's HotFor) as fit within MaxDatagramSize. It returns
// the encoded datagram and the subslice of candidates that was actually
// included, so the caller can mark exactly those as sent.
func EncodeSwimDatagram(f SwimFrame, candidates []rumor.Rumor) ([]byte, []rumor.Rumor, error) {
	var header bytes.Buffer
	header.WriteByte(Version)
	header.WriteByte(byte(f.Type))
	header.Write(f.Sender[:])
	header.Write(f.Target[:])
	if f.HasVia {
		header.WriteByte(1)
		header.Write(f.Via[:])
	} else {
		header.WriteByte(0)
	}

	if header.Len()+2 > MaxDatagramSize {
		return nil, nil, xerr.New(xerr.Transport, "encode-swim-datagram", fmt.Errorf("fixed header alone (%d bytes) exceeds %d-byte budget", header.Len(), MaxDatagramSize))
	}

	budget := MaxDatagramSize - header.Len() - 2 // 2 bytes for the piggyback count
	var body bytes.Buffer
	included := make([]rumor.Rumor, 0, len(candidates))
	for _, r := range candidates {
		encoded := encodeRumorTLV(r)
		if body.Len()+len(encoded) > budget {
			break // tail-truncate: candidates are already heat-ordered
		}
		body.Write(encoded)
		included = append(included, r)
	}

	var out bytes.Buffer
	out.Write(header.Bytes())
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(included)))
	out.Write(countBuf[:])
	out.Write(body.Bytes())

	if out.Len() > MaxDatagramSize {
		return nil, nil, xerr.New(xerr.Transport, "encode-swim-datagram", fmt.Errorf("encoded size %d exceeds %d-byte budget", out.Len(), MaxDatagramSize))
	}
	return out.Bytes(), included, nil
}

// DecodeSwimDatagram parses a datagram produced by EncodeSwimDatagram.
func DecodeSwimDatagram(data []byte) (SwimFrame, error) {
	var f SwimFrame
	if len(data) < 2+16+16+1 {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", fmt.Errorf("datagram too short: %d bytes", len(data)))
	}
	r := bytes.NewReader(data)

	version, _ := r.ReadByte()
	if version != Version {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", fmt.Errorf("unknown wire version %d", version))
	}

	typeByte, _ := r.ReadByte()
	f.Type = FrameType(typeByte)
	if f.Type != FramePing && f.Type != FrameAck && f.Type != FramePingReq {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", fmt.Errorf("not a SWIM frame type: %d", f.Type))
	}

	if _, err := io.ReadFull(r, f.Sender[:]); err != nil {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
	}
	if _, err := io.ReadFull(r, f.Target[:]); err != nil {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
	}

	viaFlag, err := r.ReadByte()
	if err != nil {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
	}
	if viaFlag == 1 {
		f.HasVia = true
		if _, err := io.ReadFull(r, f.Via[:]); err != nil {
			return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
		}
	}

	var countBuf [2]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
	}
	count := binary.BigEndian.Uint16(countBuf[:])

	f.Piggyback = make([]rumor.Rumor, 0, count)
	for i := uint16(0); i < count; i++ {
		rm, err := decodeRumorTLV(r)
		if err != nil {
			return f, xerr.New(xerr.Decode, "decode-swim-datagram", err)
		}
		f.Piggyback = append(f.Piggyback, rm)
	}

	return f, nil
}

// encodeRumorTLV encodes one rumor as: kind(1) | seq(8) | len(primary)(2) |
// primary | len(secondary)(2) | secondary | len(payload)(2) | payload.
func encodeRumorTLV(r rumor.Rumor) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Key.Kind))

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Seq)
	buf.Write(seqBuf[:])

	writeLenPrefixed(&buf, []byte(r.Key.PrimaryID))
	writeLenPrefixed(&buf, []byte(r.Key.SecondaryID))
	writeLenPrefixed(&buf, r.Payload)

	return buf.Bytes()
}

func decodeRumorTLV(r io.Reader) (rumor.Rumor, error) {
	var rm rumor.Rumor

	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return rm, err
	}
	rm.Key.Kind = rumor.Kind(kindByte[0])

	var seqBuf [8]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return rm, err
	}
	rm.Seq = binary.BigEndian.Uint64(seqBuf[:])

	primary, err := readLenPrefixed(r)
	if err != nil {
		return rm, err
	}
	rm.Key.PrimaryID = string(primary)

	secondary, err := readLenPrefixed(r)
	if err != nil {
		return rm, err
	}
	rm.Key.SecondaryID = string(secondary)

	payload, err := readLenPrefixed(r)
	if err != nil {
		return rm, err
	}
	rm.Payload = payload

	return rm, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// maxFieldLen bounds any single length-prefixed field read from the wire,
// defending the decoder against a corrupt or hostile length prefix forcing
// a huge allocation.
const maxFieldLen = 64 * 1024

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds %d-byte limit", n, maxFieldLen)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// maxGossipFrameLen bounds a single gossip-stream frame.
const maxGossipFrameLen = 4 << 20

// WriteGossipFrame writes one length-prefixed gossip frame to w: a 4-byte
// big-endian length, then version | FrameGossipRumor | rumor TLV.
func WriteGossipFrame(w io.Writer, r rumor.Rumor) error {
	var body bytes.Buffer
	body.WriteByte(Version)
	body.WriteByte(byte(FrameGossipRumor))
	body.Write(encodeRumorTLV(r))

	if body.Len() > maxGossipFrameLen {
		return xerr.New(xerr.Transport, "write-gossip-frame", fmt.Errorf("frame of %d bytes exceeds %d-byte limit", body.Len(), maxGossipFrameLen))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return xerr.New(xerr.Transport, "write-gossip-frame", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return xerr.New(xerr.Transport, "write-gossip-frame", err)
	}
	return nil
}

// ReadGossipFrame reads one length-prefixed gossip frame from r. It returns
// io.EOF unmodified when the peer closed the stream cleanly between frames.
func ReadGossipFrame(r io.Reader) (rumor.Rumor, error) {
	var rm rumor.Rumor

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return rm, xerr.New(xerr.Decode, "read-gossip-frame", err)
		}
		return rm, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxGossipFrameLen {
		return rm, xerr.New(xerr.Decode, "read-gossip-frame", fmt.Errorf("frame length %d exceeds %d-byte limit", n, maxGossipFrameLen))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return rm, xerr.New(xerr.Decode, "read-gossip-frame", err)
	}

	br := bytes.NewReader(body)
	version, err := br.ReadByte()
	if err != nil || version != Version {
		return rm, xerr.New(xerr.Decode, "read-gossip-frame", fmt.Errorf("unknown wire version"))
	}
	typeByte, err := br.ReadByte()
	if err != nil || FrameType(typeByte) != FrameGossipRumor {
		return rm, xerr.New(xerr.Decode, "read-gossip-frame", fmt.Errorf("not a gossip rumor frame"))
	}

	return decodeRumorTLV(br)
}
