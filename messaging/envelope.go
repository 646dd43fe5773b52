package messaging

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/jsoncodec"
)

const keySize = 32

// MessageBus is the envelope codec. With a key every message is encrypted
// with AES-256-CBC under a fresh IV; without one messages travel as plain
// JSON.
type MessageBus struct {
	block cipher.Block
	rand  io.Reader
}

// NewMessageBus creates a codec. A nil or empty key disables encryption.
func NewMessageBus(key []byte) (*MessageBus, error) {
	bus := &MessageBus{rand: rand.Reader}
	if len(key) == 0 {
		return bus, nil
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("rmqbus: encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rmqbus: invalid encryption key: %w", err)
	}
	bus.block = block
	return bus, nil
}

// Encrypted reports whether a key is configured.
func (b *MessageBus) Encrypted() bool {
	return b.block != nil
}

// Wrap serializes msg into its wire form.
func (b *MessageBus) Wrap(msg contracts.Message) ([]byte, error) {
	plain, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.Name, err)
	}
	if b.block == nil {
		return plain, nil
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(b.rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(b.block, iv).CryptBlocks(ciphertext, padded)

	return jsoncodec.Marshal(contracts.EncryptedEnvelope{
		IV:      base64.StdEncoding.EncodeToString(iv),
		Content: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// wireProbe decodes either form of the wire payload in one pass.
type wireProbe struct {
	contracts.Message
	IV      string `json:"iv"`
	Content string `json:"content"`
}

// Unwrap decodes a wire payload, decrypting it when it has the encrypted
// envelope shape.
func (b *MessageBus) Unwrap(data []byte) (contracts.Message, error) {
	var probe wireProbe
	if err := jsoncodec.Unmarshal(data, &probe); err != nil {
		return contracts.Message{}, fmt.Errorf("failed to decode message: %w", err)
	}

	envelope := contracts.EncryptedEnvelope{IV: probe.IV, Content: probe.Content}
	if !envelope.IsEncrypted() {
		return probe.Message, nil
	}
	if b.block == nil {
		return contracts.Message{}, ErrMissingKey
	}

	plain, err := b.decrypt(envelope)
	if err != nil {
		return contracts.Message{}, err
	}
	var msg contracts.Message
	if err := jsoncodec.Unmarshal(plain, &msg); err != nil {
		return contracts.Message{}, fmt.Errorf("failed to decode decrypted message: %w", err)
	}
	return msg, nil
}

func (b *MessageBus) decrypt(envelope contracts.EncryptedEnvelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv", ErrInvalidCiphertext)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Content)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad content", ErrInvalidCiphertext)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(b.block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	for _, p := range data[len(data)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
