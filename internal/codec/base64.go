package codec

import "encoding/base64"

// ToBase64 encodes data with standard (RFC 4648) base64 padding, used when
// a JPEG-encoded element's bytes are embedded in a persisted JSON record.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
