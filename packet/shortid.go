package packet

// FNV1Hash folds a 32-bit FNV-1 hash of buf down to its low bits bits, with
// the bits above them XORed in.
func FNV1Hash(buf []byte, bits int) uint32 {
	if bits < 1 {
		return 0
	}
	if bits > 32 {
		bits = 32
	}
	hash := uint32(0x811c9dc5)
	for _, b := range buf {
		hash = hash * 0x1000193
		hash ^= uint32(b)
	}
	if bits == 32 {
		return hash
	}
	return (hash ^ (hash >> bits)) & (1<<bits - 1)
}

// ShortID renders an 8-byte device identifier as the 4-character
// letters+digits form people read off device stickers.
func ShortID(id []byte) string {
	h := FNV1Hash(id, 30)
	return string([]byte{
		byte(0x41 + h%26),
		byte(0x41 + (h/26)%26),
		byte(0x30 + (h/(26*26))%10),
		byte(0x30 + (h/(26*26*10))%10),
	})
}

// ShortIDHex is ShortID over a hex-string identifier; malformed input gets
// rendered as-is.
func ShortIDHex(deviceID string) string {
	if len(deviceID) != 16 {
		return deviceID
	}
	var raw [8]byte
	for i := 0; i < 8; i++ {
		hi := unhex(deviceID[2*i])
		lo := unhex(deviceID[2*i+1])
		if hi < 0 || lo < 0 {
			return deviceID
		}
		raw[i] = byte(hi<<4 | lo)
	}
	return ShortID(raw[:])
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
