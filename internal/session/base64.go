package session

import "encoding/base64"

// decodeBase64 decodes a SASL continuation line's base64 payload.
func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
