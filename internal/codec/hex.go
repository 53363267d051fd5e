// Package codec implements the byte-level encodings the SL651 wire format
// is built from: BCD digits, big-endian integers, CRC-16/Modbus, and the
// hex/base64 transports used to carry raw frames in persisted JSON records.
package codec

import (
	"encoding/hex"
	"fmt"
)

// ToHex renders a byte slice as an uppercase hex string with no separators,
// e.g. []byte{0x01, 0x02} -> "0102".
func ToHex(data []byte) string {
	return fmt.Sprintf("%X", data)
}

// FromHex parses a hex string (upper or lower case) into bytes. An odd
// number of digits is rejected rather than silently left-padded, since a
// malformed hex string at this layer almost always indicates a caller bug
// rather than wire data to tolerate.
func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: decode hex %q: %w", s, err)
	}
	return b, nil
}

// PadHexLeft left-pads a hex string with '0' until it spans byteLen bytes
// (byteLen*2 hex digits). Used when encoding element values whose numeric
// string is shorter than the element's configured length.
func PadHexLeft(s string, byteLen int) string {
	want := byteLen * 2
	for len(s) < want {
		s = "0" + s
	}
	return s
}
