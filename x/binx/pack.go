package binx

import "devicebus-go/errcode"

// Fixed-width codes understood by Pack/Unpack. Lowercase is signed, uppercase
// unsigned; a leading decimal repeat count applies to the following code
// ("3h" packs three i16 values).
//
//	b B  8-bit
//	h H  16-bit
//	i I  32-bit
//	q Q  64-bit
//
// Everything is little-endian.

func widthOf(code byte) int {
	switch code {
	case 'b', 'B':
		return 1
	case 'h', 'H':
		return 2
	case 'i', 'I':
		return 4
	case 'q', 'Q':
		return 8
	}
	return 0
}

type fmtItem struct {
	code  byte
	count int
}

func parseFmt(fmt string) ([]fmtItem, error) {
	var items []fmtItem
	count := 0
	counted := false
	for i := 0; i < len(fmt); i++ {
		c := fmt[i]
		if c >= '0' && c <= '9' {
			count = count*10 + int(c-'0')
			counted = true
			continue
		}
		if widthOf(c) == 0 {
			return nil, &errcode.E{C: errcode.Error, Op: "binx.parseFmt", Msg: "bad code " + string(c)}
		}
		n := 1
		if counted {
			n = count
		}
		items = append(items, fmtItem{code: c, count: n})
		count = 0
		counted = false
	}
	if counted {
		return nil, &errcode.E{C: errcode.Error, Op: "binx.parseFmt", Msg: "trailing count"}
	}
	return items, nil
}

// SizeOf returns the packed byte size of fmt.
func SizeOf(fmt string) (int, error) {
	items, err := parseFmt(fmt)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		n += widthOf(it.code) * it.count
	}
	return n, nil
}

// Pack encodes vals per fmt. Signed values pass through their two's
// complement bit pattern, so callers hand in int64 regardless of sign.
func Pack(fmt string, vals ...int64) ([]byte, error) {
	items, err := parseFmt(fmt)
	if err != nil {
		return nil, err
	}
	size := 0
	want := 0
	for _, it := range items {
		size += widthOf(it.code) * it.count
		want += it.count
	}
	if want != len(vals) {
		return nil, &errcode.E{C: errcode.Error, Op: "binx.Pack", Msg: "arg count mismatch"}
	}
	out := make([]byte, size)
	off := 0
	vi := 0
	for _, it := range items {
		w := widthOf(it.code)
		for k := 0; k < it.count; k++ {
			v := uint64(vals[vi])
			vi++
			switch w {
			case 1:
				out[off] = byte(v)
			case 2:
				PutU16(out, off, uint16(v))
			case 4:
				PutU32(out, off, uint32(v))
			case 8:
				PutU64(out, off, v)
			}
			off += w
		}
	}
	return out, nil
}

// Unpack decodes buf per fmt. Lowercase codes sign-extend.
func Unpack(fmt string, buf []byte) ([]int64, error) {
	items, err := parseFmt(fmt)
	if err != nil {
		return nil, err
	}
	var out []int64
	off := 0
	for _, it := range items {
		w := widthOf(it.code)
		for k := 0; k < it.count; k++ {
			if off+w > len(buf) {
				return nil, errcode.MalformedFrame
			}
			var v int64
			switch it.code {
			case 'B':
				v = int64(buf[off])
			case 'b':
				v = int64(int8(buf[off]))
			case 'H':
				v = int64(U16(buf, off))
			case 'h':
				v = int64(int16(U16(buf, off)))
			case 'I':
				v = int64(U32(buf, off))
			case 'i':
				v = int64(int32(U32(buf, off)))
			case 'Q', 'q':
				v = int64(U64(buf, off))
			}
			out = append(out, v)
			off += w
		}
	}
	return out, nil
}
