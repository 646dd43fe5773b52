package contracts

// EncryptedEnvelope is the wire form of a message when encryption is enabled.
// Both fields are base64; Content is the AES-256-CBC ciphertext of the JSON
// serialized Message.
type EncryptedEnvelope struct {
	IV      string `json:"iv"`
	Content string `json:"content"`
}

// IsEncrypted reports whether the envelope carries both encrypted fields.
func (e EncryptedEnvelope) IsEncrypted() bool {
	return e.IV != "" && e.Content != ""
}
