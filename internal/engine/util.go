package engine

import "encoding/base64"

// decodeWebSafeBase64 decodes a challenge or key-handle field as published
// to U2F clients (spec §6: "challenge is web-safe base64 of arbitrary
// bytes"), tolerating both padded and unpadded encodings.
func decodeWebSafeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
