//go:build !rp2040 && !rp2350

package transport

import (
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"devicebus-go/packet"
)

// Serial runs the frame format over a host serial port. A reader goroutine
// accumulates bytes, resynchronizing on CRC failures by sliding one byte.
type Serial struct {
	FNVHasher

	uid  [8]byte
	port io.ReadWriteCloser

	mu     sync.Mutex
	inbox  [][]byte
	closed bool

	wmu   sync.Mutex
	ready chan struct{}
}

// OpenSerial opens name at baud. The device identifier is derived from the
// port name; NewSerial takes an explicit identifier instead.
func OpenSerial(name string, baud int) (*Serial, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	s := NewSerial(p, uidFromName(name))
	return s, nil
}

// NewSerial wraps an already-open byte stream.
func NewSerial(port io.ReadWriteCloser, uid [8]byte) *Serial {
	s := &Serial{uid: uid, port: port, ready: make(chan struct{}, 1)}
	go s.readLoop()
	return s
}

func uidFromName(name string) [8]byte {
	var uid [8]byte
	h := packet.FNV1Hash([]byte(name), 32)
	uid[0] = 0x73 // host-side id namespace
	uid[1] = byte(h)
	uid[2] = byte(h >> 8)
	uid[3] = byte(h >> 16)
	uid[4] = byte(h >> 24)
	h2 := packet.FNV1Hash([]byte(name), 24)
	uid[5] = byte(h2)
	uid[6] = byte(h2 >> 8)
	uid[7] = byte(h2 >> 16)
	return uid
}

func (s *Serial) UID() []byte { return s.uid[:] }

func (s *Serial) Send(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.port.Write(frame)
	return err
}

func (s *Serial) Receive() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	frame := s.inbox[0]
	s.inbox = s.inbox[1:]
	return frame
}

func (s *Serial) Ready() <-chan struct{} { return s.ready }

func (s *Serial) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) readLoop() {
	var acc []byte
	buf := make([]byte, 256)
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			acc = s.scan(acc)
		}
		if err != nil && err != io.EOF {
			return
		}
	}
}

// scan extracts whole valid frames from acc and returns the remainder.
func (s *Serial) scan(acc []byte) []byte {
	for {
		if len(acc) < packet.HeaderSize {
			return acc
		}
		total := packet.HeaderSize + int(acc[12])
		if total > packet.MaxFrameSize {
			acc = acc[1:] // resync
			continue
		}
		if len(acc) < total {
			return acc
		}
		frame := append([]byte(nil), acc[:total]...)
		if !ValidFrame(frame) {
			acc = acc[1:] // slide one byte and rescan
			continue
		}
		acc = acc[total:]
		s.mu.Lock()
		s.inbox = append(s.inbox, frame)
		s.mu.Unlock()
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}
