package wire

// package wire builds and verifies the UDP text frame shared with the
// agents. With a password the frame is "<hex hmac-sha256> <payload>",
// without one it is the bare payload.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// hex digest length of sha256
const digestLen = 64

var ErrAuth = errors.New("hmac verification failed")

func Frame(password, payload string) string {
	if password == "" {
		return payload
	}

	return Digest(password, payload) + " " + payload
}

func Digest(password, payload string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(payload))

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify extracts the payload from a frame received for the given
// password. The digest compare is constant time.
func Verify(frame, password string) (string, error) {
	if password == "" {
		return frame, nil
	}

	idx := strings.IndexByte(frame, ' ')
	if idx != digestLen {
		return "", ErrAuth
	}

	got, err := hex.DecodeString(frame[:idx])
	if err != nil {
		return "", ErrAuth
	}

	payload := frame[idx+1:]

	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(payload))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", ErrAuth
	}

	return payload, nil
}

// Mask keeps the first and last 4 characters of a secret for log lines.
func Mask(secret string) string {
	if len(secret) < 12 {
		return "****"
	}

	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
