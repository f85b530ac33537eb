// Package binx holds the little-endian byte plumbing shared by the wire
// format and the service codecs.
package binx

import (
	"encoding/hex"

	"devicebus-go/errcode"
)

func U16(buf []byte, off int) uint16 {
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}

func PutU16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func U32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func PutU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func U64(buf []byte, off int) uint64 {
	return uint64(U32(buf, off)) | uint64(U32(buf, off+4))<<32
}

func PutU64(buf []byte, off int, v uint64) {
	PutU32(buf, off, uint32(v))
	PutU32(buf, off+4, uint32(v>>32))
}

// ToHex renders buf as lowercase hex.
func ToHex(buf []byte) string { return hex.EncodeToString(buf) }

// FromHex decodes lowercase/uppercase hex.
func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errcode.MalformedFrame
	}
	return b, nil
}
