// Package frame implements the P3 wire frame: encoding, decoding, CRC
// stamping, and the per-connection egress pacer that legacy AOL 3.0 clients
// require to avoid being flooded past their small receive window.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the single byte at offset 7 of a long frame (offset 3 of a short
// control frame) identifying the frame's wire shape.
type Type byte

const (
	// TypeData marks a full frame carrying a 2-byte stream id and a
	// token-specific payload. Subject to CRC/TX/RX restamping at send.
	TypeData Type = 0x20
	// TypeShortACK marks a 5-byte control frame with no stream id or
	// payload.
	TypeShortACK Type = 0x24
)

const (
	magic      = 0x5A
	terminator = 0x0D
)

// shortFrameLenSentinel is the literal 2-byte value spec.md's worked example
// shows in a short control frame's length position ([0x5A][0x00 0x03][type]
// [0x0D]). Read literally as "whole-frame length" per §3 it undercounts the
// short frame's actual 5 bytes; this implementation treats it as a fixed
// sentinel marking "this is a short frame" rather than a literal byte count,
// which is the only reading consistent with the worked example.
var shortFrameLenSentinel = [2]byte{0x00, 0x03}

// Frame is a decoded P3 frame. CRC, TX and RX are populated by the pacer
// immediately before send (for outbound frames) or read verbatim off the
// wire (for inbound frames) — callers constructing an outbound Frame leave
// them zero.
type Frame struct {
	Type     Type
	Token    [2]byte // meaningful only when Type == TypeData
	StreamID uint16  // meaningful only when Type == TypeData
	Payload  []byte  // token-specific bytes following StreamID
	CRC      uint16
	TX       byte
	RX       byte
}

// NewData constructs an outbound DATA frame. CRC/TX/RX are left zero; the
// pacer stamps them at send time.
func NewData(token [2]byte, streamID uint16, payload []byte) *Frame {
	return &Frame{
		Type:     TypeData,
		Token:    token,
		StreamID: streamID,
		Payload:  payload,
	}
}

// NewShortACK constructs the 5-byte short ACK control frame.
func NewShortACK() *Frame {
	return &Frame{Type: TypeShortACK}
}

// NormalizeStreamID substitutes the default stream id 0x2100 when id is 0 or
// 0xFFFF, per spec.md §4.6.
func NormalizeStreamID(id uint16) uint16 {
	if id == 0 || id == 0xFFFF {
		return 0x2100
	}
	return id
}

// Encode serializes f to wire bytes, stamping CRC/TX/RX as of this call. The
// pacer calls this once per frame, immediately before writing it, so the
// stamped sequence numbers reflect actual send order rather than enqueue
// order.
func Encode(f *Frame, tx, rx byte) []byte {
	if f.Type == TypeShortACK {
		return []byte{magic, shortFrameLenSentinel[0], shortFrameLenSentinel[1], byte(TypeShortACK), terminator}
	}

	body := make([]byte, 0, 11+len(f.Payload)+1)
	body = append(body, f.Token[0], f.Token[1])
	var sid [2]byte
	binary.BigEndian.PutUint16(sid[:], f.StreamID)
	body = append(body, sid[0], sid[1])
	body = append(body, f.Payload...)
	body = append(body, terminator)

	// whole-frame length: magic + crc(2) + len(2) + tx + rx + type + body
	totalLen := 1 + 2 + 2 + 1 + 1 + 1 + len(body)

	out := make([]byte, 0, totalLen)
	out = append(out, magic, 0, 0) // crc placeholder
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(totalLen))
	out = append(out, lenBytes[0], lenBytes[1])
	out = append(out, tx, rx, byte(f.Type))
	out = append(out, body...)

	crc := crc16(out[5:]) // checksum covers tx/rx/type/token/streamid/payload/terminator
	binary.BigEndian.PutUint16(out[1:3], crc)

	f.CRC, f.TX, f.RX = crc, tx, rx
	return out
}

// EncodeCustom serializes a frame whose body doesn't fit the token+stream-id
// shape Encode assumes — the server-originated AA chat-message frame (tag
// byte instead of a 2-byte stream id) and the CA/CB chat notification
// frames (an embedded FDO atom header) both use this. tail is every byte
// after TYPE and before the terminator; the terminator and CRC are added
// here exactly as Encode adds them for the standard shape.
func EncodeCustom(typ Type, tail []byte, tx, rx byte) []byte {
	body := make([]byte, 0, len(tail)+1)
	body = append(body, tail...)
	body = append(body, terminator)

	totalLen := 1 + 2 + 2 + 1 + 1 + 1 + len(body)
	out := make([]byte, 0, totalLen)
	out = append(out, magic, 0, 0)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(totalLen))
	out = append(out, lenBytes[0], lenBytes[1])
	out = append(out, tx, rx, byte(typ))
	out = append(out, body...)

	crc := crc16(out[5:])
	binary.BigEndian.PutUint16(out[1:3], crc)
	return out
}

// Decode reads exactly one frame from r. It distinguishes the short ACK
// shape from a long DATA frame by the sentinel bytes immediately following
// the magic byte (see shortFrameLenSentinel).
func Decode(r io.Reader) (*Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("frame: read magic/len: %w", err)
	}
	if hdr[0] != magic {
		return nil, fmt.Errorf("frame: bad magic byte 0x%02X", hdr[0])
	}

	if hdr[1] == shortFrameLenSentinel[0] && hdr[2] == shortFrameLenSentinel[1] {
		var rest [2]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return nil, fmt.Errorf("frame: read short frame tail: %w", err)
		}
		if rest[1] != terminator {
			return nil, errors.New("frame: short frame missing terminator")
		}
		return &Frame{Type: Type(rest[0])}, nil
	}

	// Long frame: hdr[1:3] was CRC; LEN follows.
	crc := binary.BigEndian.Uint16(hdr[1:3])
	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, fmt.Errorf("frame: read length: %w", err)
	}
	totalLen := binary.BigEndian.Uint16(lenBytes[:])
	if totalLen < 8 {
		return nil, fmt.Errorf("frame: implausible length %d", totalLen)
	}

	remaining := make([]byte, int(totalLen)-5) // already consumed magic+crc+len = 5
	if _, err := io.ReadFull(r, remaining); err != nil {
		return nil, fmt.Errorf("frame: read body: %w", err)
	}
	if len(remaining) < 4 {
		return nil, errors.New("frame: body too short for tx/rx/type")
	}
	tx, rx, typ := remaining[0], remaining[1], Type(remaining[2])
	body := remaining[3:]
	if len(body) == 0 || body[len(body)-1] != terminator {
		return nil, errors.New("frame: missing terminator")
	}
	body = body[:len(body)-1]

	f := &Frame{Type: typ, CRC: crc, TX: tx, RX: rx}
	if typ == TypeData {
		if len(body) < 4 {
			return nil, errors.New("frame: DATA frame missing token/stream id")
		}
		f.Token = [2]byte{body[0], body[1]}
		f.StreamID = binary.BigEndian.Uint16(body[2:4])
		f.Payload = append([]byte(nil), body[4:]...)
	} else {
		if len(body) < 2 {
			return nil, errors.New("frame: frame missing token")
		}
		f.Token = [2]byte{body[0], body[1]}
		f.Payload = append([]byte(nil), body[2:]...)
	}
	return f, nil
}

// TokenString returns the 2-byte token as a string for dispatch/logging.
func (f *Frame) TokenString() string {
	return string(f.Token[:])
}
