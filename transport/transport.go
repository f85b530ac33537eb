// Package transport defines the physical-layer contract the bus core is
// injected with, plus the stock implementations: an in-memory pipe and the
// UART drivers.
package transport

import "devicebus-go/packet"

// Transport delivers raw frames. Send hands a fully assembled frame to the
// line; Receive returns the next validated inbound frame or nil; UID is the
// node's 8-byte device identifier.
type Transport interface {
	Send(frame []byte) error
	Receive() []byte
	UID() []byte
	Hash(buf []byte, bits int) uint32
}

// Notifier is implemented by transports that can signal frame arrival, so
// the bus can drain immediately instead of waiting for the next poll tick.
type Notifier interface {
	Ready() <-chan struct{}
}

// FNVHasher supplies the stock short-id hash; embed it in transports that
// have no hardware hash engine.
type FNVHasher struct{}

func (FNVHasher) Hash(buf []byte, bits int) uint32 { return packet.FNV1Hash(buf, bits) }

// ValidFrame reports whether frame has sane geometry and a matching CRC.
func ValidFrame(frame []byte) bool {
	if len(frame) < packet.HeaderSize || len(frame) > packet.MaxFrameSize {
		return false
	}
	if int(frame[12]) != len(frame)-packet.HeaderSize {
		return false
	}
	crc := uint16(frame[0]) | uint16(frame[1])<<8
	return crc == packet.CRC16(frame[2:])
}
