// Package trace records bus frames to a CBOR stream for offline inspection.
package trace

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/xid"
)

// Directions recorded per frame.
const (
	DirRx = "rx"
	DirTx = "tx"
)

// Record is one captured frame.
type Record struct {
	Session string `cbor:"session"`
	Seq     uint64 `cbor:"seq"`
	TimeMs  int64  `cbor:"ts_ms"`
	Dir     string `cbor:"dir"`
	Frame   []byte `cbor:"frame"`
}

// Writer appends records to a stream. Every writer gets a fresh session id
// so interleaved captures stay separable.
type Writer struct {
	enc     *cbor.Encoder
	session string
	seq     uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w), session: xid.New().String()}
}

// Session returns the capture's session id.
func (w *Writer) Session() string { return w.session }

// Record appends one frame.
func (w *Writer) Record(dir string, tsMs int64, frame []byte) error {
	w.seq++
	return w.enc.Encode(Record{
		Session: w.session,
		Seq:     w.seq,
		TimeMs:  tsMs,
		Dir:     dir,
		Frame:   frame,
	})
}

// Reader iterates a capture stream.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader { return &Reader{dec: cbor.NewDecoder(r)} }

// Next returns the next record, or io.EOF at end of stream.
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
