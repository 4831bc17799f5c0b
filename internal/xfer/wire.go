// Package xfer implements the XFER file-transfer state machines: a
// server-originated download (tj/tf/xG/F7/F9) and a client-originated
// upload (th/td/tf(0x80)/xd/xe/xK/tN/fX), plus the shared escape-coded
// data framing and fixed-width struct encoders both directions use.
package xfer

import "encoding/binary"

// Tokens handled by this package.
var (
	TokenTJ = [2]byte{'t', 'j'}
	TokenTF = [2]byte{'t', 'f'}
	TokenXG = [2]byte{'x', 'G'}
	TokenF7 = [2]byte{'F', '7'}
	TokenF9 = [2]byte{'F', '9'}
	TokenXK = [2]byte{'x', 'K'}

	TokenTH = [2]byte{'t', 'h'}
	TokenTD = [2]byte{'t', 'd'}
	TokenXD = [2]byte{'x', 'd'}
	TokenXB = [2]byte{'x', 'b'}
	TokenXE = [2]byte{'x', 'e'}
	TokenTN = [2]byte{'t', 'N'}
	TokenFX = [2]byte{'f', 'X'}
)

// TFStartUpload is the flag byte in a tf frame's first byte that marks it
// as an upload-start request rather than a download announce.
const TFStartUpload = 0x80

// TFMeterFlag requests download progress metering from the client.
const TFMeterFlag = 0x20

// DataChunkSize is the maximum size of one F7/F9 payload before the next
// chunk is required (spec.md §4.7).
const DataChunkSize = 950

// EncodeTJ builds the 67-byte TJ_IN struct: type(1) + fileId(3) +
// createDate(BE32) + byteCount(BE32) + text(55, "library\0subject" zero
// padded).
func EncodeTJ(typ byte, fileID [3]byte, createDate, byteCount uint32, library, subject string) []byte {
	out := make([]byte, 67)
	out[0] = typ
	copy(out[1:4], fileID[:])
	binary.BigEndian.PutUint32(out[4:8], createDate)
	binary.BigEndian.PutUint32(out[8:12], byteCount)

	text := append([]byte(library), 0x00)
	text = append(text, []byte(subject)...)
	if len(text) > 55 {
		text = text[:55]
	}
	copy(out[12:67], text)
	return out
}

// EncodeTF builds the 87-byte TF_IN struct. When includeSep is true, the
// 68-byte name slot carries the name, a NUL, the 0x90 separator, and the
// 2-byte response token (Windows upload-start convention, spec.md §4.8);
// when false, name is simply NUL-terminated and zero-padded (the plain
// download-announce convention).
func EncodeTF(flags byte, size uint32, fileTime, createTime uint32, name string, includeSep bool, respToken uint16) []byte {
	out := make([]byte, 87)
	out[0] = flags
	out[1] = byte(size)
	out[2] = byte(size >> 8)
	out[3] = byte(size >> 16)
	// access(1)=0, type(1)=0, auxType(LE16)=0, storageType(1)=0, blocks(LE16)=0
	// bytes 4..10 already zero.
	binary.BigEndian.PutUint32(out[11:15], fileTime)
	binary.BigEndian.PutUint32(out[15:19], createTime)
	copy(out[19:87], encodeTFName(name, includeSep, respToken))
	return out
}

func encodeTFName(name string, includeSep bool, respToken uint16) []byte {
	var buf [68]byte
	b := []byte(name)
	if !includeSep {
		if len(b) > 67 {
			b = b[:67]
		}
		copy(buf[:], b)
		return buf[:]
	}

	const reserved = 4 // NUL + 0x90 + 2-byte response token
	maxLen := len(buf) - reserved
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	copy(buf[:], b)
	idx := len(b)
	buf[idx] = 0x00
	buf[idx+1] = 0x90
	buf[idx+2] = byte(respToken >> 8)
	buf[idx+3] = byte(respToken)
	return buf[:]
}

// EncodeTH builds the 119-byte TH_IN struct: respToken(2) + reserved(117).
func EncodeTH(respToken uint16) []byte {
	out := make([]byte, 119)
	binary.BigEndian.PutUint16(out[0:2], respToken)
	return out
}

// EncodeTD builds the 68-byte TD_IN struct: respToken(2) + field(1) +
// name(65).
func EncodeTD(respToken uint16, field byte, name string) []byte {
	out := make([]byte, 68)
	binary.BigEndian.PutUint16(out[0:2], respToken)
	out[2] = field
	b := []byte(name)
	if len(b) > 65 {
		b = b[:65]
	}
	copy(out[3:], b)
	return out
}

// EncodeFX builds an fX result payload: rc(1) + message(ASCII) + 0x00.
func EncodeFX(rc byte, message string) []byte {
	out := make([]byte, 0, len(message)+2)
	out = append(out, rc)
	out = append(out, []byte(message)...)
	out = append(out, 0x00)
	return out
}
