package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCRC16Modbus_KnownVector(t *testing.T) {
	// 0x01 0x02 0x03 0x04 -> 0x2BA1, the canonical vector used to validate
	// any CRC-16/Modbus implementation against this codec.
	got := CRC16Modbus([]byte{0x01, 0x02, 0x03, 0x04})
	assert.Equal(t, uint16(0x2BA1), got)
}

func TestCRC16Modbus_Empty(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), CRC16Modbus(nil))
}

func TestBCD_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		byteLen int
	}{
		{"even digits", "1234", 2},
		{"odd digits padded", "123", 2},
		{"address width", "00123", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			packed := EncodeBCDAddress(tc.in, tc.byteLen)
			assert.Len(t, packed, tc.byteLen)
			decoded := ReadBCD(packed, 0, tc.byteLen)
			// decoded is always byteLen*2 digits, left-zero-padded
			want := tc.in
			for len(want) < tc.byteLen*2 {
				want = "0" + want
			}
			assert.Equal(t, want, decoded)
		})
	}
}

func TestReadBCD_ClampsIllegalNibbles(t *testing.T) {
	// 0xFA: high nibble 0xF (>9) and low nibble 0xA (>9) both saturate at 9.
	got := ReadBCD([]byte{0xFA}, 0, 1)
	assert.Equal(t, "99", got)
}

func TestEncodeBCDValue_DigitsAndTruncation(t *testing.T) {
	// 12.34 with 2 digits -> scaled 1234 -> packed into 2 bytes "1234"
	packed := EncodeBCDValue(12.34, 2, 2)
	assert.Equal(t, "1234", ReadBCD(packed, 0, 2))

	got := ParseBCDValue("1234", 2)
	assert.InDelta(t, 12.34, got, 1e-9)
}

func TestEncodeBCDValue_NegativeTakesAbsoluteValue(t *testing.T) {
	packed := EncodeBCDValue(-5, 1, 0)
	assert.Equal(t, "05", ReadBCD(packed, 0, 1))
}

func TestParseBCDValue_NonNumericReturnsZero(t *testing.T) {
	assert.Equal(t, float64(0), ParseBCDValue("not-a-number", 0))
}

func TestReportTime_RoundTrip(t *testing.T) {
	tm := time.Date(2022, time.December, 29, 10, 22, 15, 0, time.UTC)
	packed := EncodeReportTime(tm)
	assert.Len(t, packed, 6)

	bcd := ReadBCD(packed, 0, 6)
	assert.Equal(t, "221229102215", bcd)
	assert.Equal(t, "2022-12-29 10:22:15", ParseBCDTime(bcd))
}

func TestParseBCDTime_ShortStringReturnedUnmodified(t *testing.T) {
	assert.Equal(t, "2212", ParseBCDTime("2212"))
}

func TestHex_RoundTrip(t *testing.T) {
	data := []byte{0x01, 0xAB, 0xFF}
	hexStr := ToHex(data)
	assert.Equal(t, "01ABFF", hexStr)

	back, err := FromHex(hexStr)
	assert.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestFromHex_InvalidReturnsError(t *testing.T) {
	_, err := FromHex("not-hex")
	assert.Error(t, err)
}

func TestPadHexLeft(t *testing.T) {
	assert.Equal(t, "002F", PadHexLeft("2F", 2))
	assert.Equal(t, "2F", PadHexLeft("2F", 1))
}

func TestUint16BE_RoundTrip(t *testing.T) {
	buf := WriteUint16BE(nil, 0x8012)
	assert.Equal(t, []byte{0x80, 0x12}, buf)
	assert.Equal(t, uint16(0x8012), ReadUint16BE(buf, 0))
}

func TestEncodeSerialHex(t *testing.T) {
	b, err := EncodeSerialHex("1")
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, b)

	_, err = EncodeSerialHex("not-a-number")
	assert.Error(t, err)
}

func TestToBase64(t *testing.T) {
	assert.Equal(t, "AQID", ToBase64([]byte{0x01, 0x02, 0x03}))
}
