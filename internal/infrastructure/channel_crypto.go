package infrastructure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Channel credentials are AES-256-GCM sealed by the control plane and
// stored base64 as iv(16) | tag(16) | ciphertext.
const (
	channelIVSize  = 16
	channelTagSize = 16
)

// ChannelCipher opens (and, for tests and tooling, seals) channel configs.
type ChannelCipher struct {
	aead cipher.AEAD
}

// NewChannelCipher builds a cipher from a base64 encoded 32-byte key.
func NewChannelCipher(encodedKey string) (*ChannelCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, eris.Wrap(err, "channel cipher: decode key")
	}
	if len(key) != 32 {
		return nil, eris.New("channel cipher: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "channel cipher: new block")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, channelIVSize)
	if err != nil {
		return nil, eris.Wrap(err, "channel cipher: new gcm")
	}
	return &ChannelCipher{aead: aead}, nil
}

// DecryptJSON opens encoded and unmarshals the plaintext into out.
func (c *ChannelCipher) DecryptJSON(encoded string, out any) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return eris.Wrap(err, "channel cipher: decode payload")
	}
	if len(data) < channelIVSize+channelTagSize {
		return eris.New("channel cipher: payload too short")
	}
	iv := data[:channelIVSize]
	tag := data[channelIVSize : channelIVSize+channelTagSize]
	body := data[channelIVSize+channelTagSize:]

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return eris.Wrap(err, "channel cipher: open")
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return eris.Wrap(err, "channel cipher: decode json")
	}
	return nil
}

// EncryptJSON seals v in the control plane's layout.
func (c *ChannelCipher) EncryptJSON(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "channel cipher: encode json")
	}
	iv := make([]byte, channelIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", eris.Wrap(err, "channel cipher: iv")
	}
	sealed := c.aead.Seal(nil, iv, plain, nil)
	body, tag := sealed[:len(sealed)-channelTagSize], sealed[len(sealed)-channelTagSize:]

	out := make([]byte, 0, len(sealed)+channelIVSize)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}
