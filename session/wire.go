package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flyingrobots/echo/id"
)

// MBUS v2 wire format (spec.md §4.11):
//
//	"MBUS" || version(u16 LE) || reserved(2B) || payload_len(u32 LE) || payload
//
//	payload = session_id(32) || cursor_id(32) || worldline_id(32) || warp_id(32)
//	        || tick(u64 LE) || commit_hash(32) || entry_count(u32 LE)
//	        || [channel_id(32) || value_hash(32) || value_len(u32 LE) || value(value_len)]...
const (
	mbusMagic      = "MBUS"
	mbusVersion    = uint16(2)
	mbusHeaderSize = 4 + 2 + 2 + 4 // magic + version + reserved + payload_len
)

// Errors returned by DecodePacket.
var (
	ErrTruncatedPacket = errors.New("session: truncated mbus packet")
	ErrBadMagic        = errors.New("session: bad mbus magic")
	ErrVersionMismatch = errors.New("session: mbus version mismatch")
)

// EncodePacket renders one publish — a CursorReceipt plus its TruthFrames —
// as a single MBUS v2 packet.
func EncodePacket(receipt CursorReceipt, frames []TruthFrame) []byte {
	payload := make([]byte, 0, 32*4+8+32+4+len(frames)*(32+32+4))
	payload = append(payload, receipt.SessionID.Bytes()...)
	payload = append(payload, receipt.CursorID.Bytes()...)
	payload = append(payload, receipt.WorldlineID.Bytes()...)
	payload = append(payload, receipt.WarpID.Bytes()...)
	payload = appendU64(payload, receipt.Tick)
	payload = append(payload, receipt.CommitHash.Bytes()...)
	payload = appendU32(payload, uint32(len(frames)))
	for _, f := range frames {
		payload = append(payload, f.Channel.Bytes()...)
		payload = append(payload, f.ValueHash.Bytes()...)
		payload = appendU32(payload, uint32(len(f.Value)))
		payload = append(payload, f.Value...)
	}

	out := make([]byte, 0, mbusHeaderSize+len(payload))
	out = append(out, []byte(mbusMagic)...)
	out = appendU16(out, mbusVersion)
	out = append(out, 0, 0) // reserved
	out = appendU32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodePacket parses one MBUS v2 packet from the front of buf, returning
// the decoded receipt, its truth frames, and the number of bytes consumed
// — so a caller holding a concatenated stream of packets can decode them
// one at a time. Every length-prefixed field is bounds-checked against the
// remaining buffer; a packet bearing any other version is rejected rather
// than guessed at.
func DecodePacket(buf []byte) (CursorReceipt, []TruthFrame, int, error) {
	if len(buf) < mbusHeaderSize {
		return CursorReceipt{}, nil, 0, ErrTruncatedPacket
	}
	if string(buf[:4]) != mbusMagic {
		return CursorReceipt{}, nil, 0, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != mbusVersion {
		return CursorReceipt{}, nil, 0, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, mbusVersion)
	}
	payloadLen := binary.LittleEndian.Uint32(buf[8:12])
	total := mbusHeaderSize + int(payloadLen)
	if len(buf) < total {
		return CursorReceipt{}, nil, 0, ErrTruncatedPacket
	}

	receipt, frames, err := decodePayload(buf[mbusHeaderSize:total])
	if err != nil {
		return CursorReceipt{}, nil, 0, err
	}
	return receipt, frames, total, nil
}

// wireReader walks payload front-to-back, refusing to read past its end.
type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncatedPacket
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *wireReader) takeHash() (id.Hash, error) {
	b, err := r.take(32)
	if err != nil {
		return id.Hash{}, err
	}
	var h id.Hash
	copy(h[:], b)
	return h, nil
}

func (r *wireReader) takeU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *wireReader) takeU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func decodePayload(payload []byte) (CursorReceipt, []TruthFrame, error) {
	r := &wireReader{buf: payload}

	sessionID, err := r.takeHash()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	cursorID, err := r.takeHash()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	worldlineID, err := r.takeHash()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	warpID, err := r.takeHash()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	tick, err := r.takeU64()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	commitHash, err := r.takeHash()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	receipt := CursorReceipt{
		SessionID:   id.SessionID(sessionID),
		CursorID:    id.CursorID(cursorID),
		WorldlineID: id.WarpID(worldlineID),
		WarpID:      id.WarpID(warpID),
		Tick:        tick,
		CommitHash:  commitHash,
	}

	entryCount, err := r.takeU32()
	if err != nil {
		return CursorReceipt{}, nil, err
	}
	frames := make([]TruthFrame, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		channel, err := r.takeHash()
		if err != nil {
			return CursorReceipt{}, nil, err
		}
		valueHash, err := r.takeHash()
		if err != nil {
			return CursorReceipt{}, nil, err
		}
		valueLen, err := r.takeU32()
		if err != nil {
			return CursorReceipt{}, nil, err
		}
		value, err := r.take(int(valueLen))
		if err != nil {
			return CursorReceipt{}, nil, err
		}
		frames = append(frames, TruthFrame{
			Cursor:    receipt,
			Channel:   id.ChannelID(channel),
			Value:     append([]byte(nil), value...),
			ValueHash: valueHash,
		})
	}

	return receipt, frames, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
