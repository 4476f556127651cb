package signature

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by response verification; both fail closed
var (
	ErrMissingSignature  = errors.New("response signature header missing")
	ErrSignatureMismatch = errors.New("response signature mismatch")
)

const dataMarker = `"data":`

// RequestToken computes the request signature sent with every sync request:
// lowercase hex SHA1 of the pre-shared secret concatenated with the device id.
func RequestToken(secret, deviceID string) string {
	sum := sha1.Sum([]byte(secret + deviceID))
	return hex.EncodeToString(sum[:])
}

// VerifyResponse validates a signed server response and returns the raw data
// payload on success.
//
// The signature covers the data slice of the original transport bytes: the
// substring from just after the `"data":` marker to the next-to-last byte of
// the body (dropping the envelope's closing brace), with all whitespace
// removed. Verifying the wire bytes directly keeps the check insensitive to
// field ordering without depending on byte-stable re-serialization.
func VerifyResponse(body []byte, sig, secret string) ([]byte, error) {
	if sig == "" {
		return nil, ErrMissingSignature
	}

	raw := string(body)
	idx := strings.Index(raw, dataMarker)
	if idx < 0 || idx+len(dataMarker) >= len(raw) {
		return nil, fmt.Errorf("%w: no data payload in response", ErrSignatureMismatch)
	}

	slice := raw[idx+len(dataMarker) : len(raw)-1]
	cleaned := stripWhitespace(slice)

	sum := sha1.Sum([]byte(secret + cleaned))
	expected := hex.EncodeToString(sum[:])
	if !strings.EqualFold(expected, sig) {
		return nil, ErrSignatureMismatch
	}

	return []byte(strings.TrimSpace(slice)), nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
