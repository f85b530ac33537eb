//go:build rp2040 || rp2350

package transport

import (
	"context"
	"sync"

	"github.com/jangala-dev/tinygo-uartx/uartx"

	"devicebus-go/packet"
)

// UART runs the frame format over an RP2 UART. The same scan/resync logic as
// the host port, fed by the IRQ-driven uartx receiver.
type UART struct {
	FNVHasher

	uid [8]byte
	u   *uartx.UART

	mu    sync.Mutex
	inbox [][]byte
	acc   []byte
	ready chan struct{}
}

// NewUART wraps a configured uartx port. uid is the board identity (RP2
// boards read it from flash or OTP at bring-up).
func NewUART(u *uartx.UART, uid [8]byte) *UART {
	t := &UART{uid: uid, u: u, ready: make(chan struct{}, 1)}
	go t.readLoop()
	return t
}

// OpenUART0 configures UART0 with defaults and wraps it.
func OpenUART0(uid [8]byte) (*UART, error) {
	if err := uartx.UART0.Configure(uartx.UARTConfig{}); err != nil {
		return nil, err
	}
	return NewUART(uartx.UART0, uid), nil
}

func (t *UART) UID() []byte { return t.uid[:] }

func (t *UART) Send(frame []byte) error {
	_, err := t.u.Write(frame)
	return err
}

func (t *UART) Receive() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return nil
	}
	frame := t.inbox[0]
	t.inbox = t.inbox[1:]
	return frame
}

func (t *UART) Ready() <-chan struct{} { return t.ready }

func (t *UART) readLoop() {
	buf := make([]byte, 64)
	for {
		n, err := t.u.RecvSomeContext(context.Background(), buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		t.mu.Lock()
		t.acc = append(t.acc, buf[:n]...)
		t.scanLocked()
		t.mu.Unlock()
	}
}

func (t *UART) scanLocked() {
	for {
		if len(t.acc) < packet.HeaderSize {
			return
		}
		total := packet.HeaderSize + int(t.acc[12])
		if total > packet.MaxFrameSize {
			t.acc = t.acc[1:]
			continue
		}
		if len(t.acc) < total {
			return
		}
		frame := append([]byte(nil), t.acc[:total]...)
		if !ValidFrame(frame) {
			t.acc = t.acc[1:]
			continue
		}
		t.acc = t.acc[total:]
		t.inbox = append(t.inbox, frame)
		select {
		case t.ready <- struct{}{}:
		default:
		}
	}
}
