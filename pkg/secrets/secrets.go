package secrets

// package secrets keeps agent passwords encrypted at rest. The cipher is
// fernet keyed by the process wide master key, so every stored ciphertext
// carries the recognisable "gAAAA" envelope prefix. That prefix is what
// lets Open detect values that were encrypted more than once and hand
// back a repaired single layer ciphertext.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// base64 of the fernet version byte 0x80
const envelopePrefix = "gAAAA"

const maxNestedLayers = 16

var (
	ErrBadMasterKey  = errors.New("master key is missing or not a valid fernet key")
	ErrUndecryptable = errors.New("stored secret does not decrypt under the current master key")
)

type Box struct {
	key *fernet.Key
}

func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, ErrBadMasterKey
	}

	key, err := fernet.DecodeKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMasterKey, err.Error())
	}

	return &Box{key: key}, nil
}

func (b *Box) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), b.key)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}

	return string(tok), nil
}

func (b *Box) Decrypt(cipher string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(cipher), 0, []*fernet.Key{b.key})
	if msg == nil {
		return "", ErrUndecryptable
	}

	return string(msg), nil
}

func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

// Open returns the plaintext behind a stored value. A value without the
// envelope prefix is passed through unchanged. When the stored value
// turns out to be encrypted more than once, Open peels every layer and
// returns a repaired single layer ciphertext the caller must write back.
func (b *Box) Open(stored string) (string, string, error) {
	plain := stored
	layers := 0

	for IsCiphertext(plain) {
		if layers == maxNestedLayers {
			return "", "", fmt.Errorf("%w: more than %d nested layers", ErrUndecryptable, maxNestedLayers)
		}

		msg := fernet.VerifyAndDecrypt([]byte(plain), 0, []*fernet.Key{b.key})
		if msg == nil {
			// a decrypted value may itself start with the envelope
			// prefix without being a token
			if layers > 0 {
				break
			}
			return "", "", ErrUndecryptable
		}

		plain = string(msg)
		layers++
	}

	var repaired string
	if layers > 1 {
		var err error
		repaired, err = b.Encrypt(plain)
		if err != nil {
			return "", "", err
		}
	}

	return plain, repaired, nil
}
