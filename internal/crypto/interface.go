package crypto

// Provider defines the interface for cryptographic operations.
type Provider interface {
	// DeriveKey stretches a low-entropy secret into a 32-byte key.
	DeriveKey(secret string, salt []byte) ([]byte, error)

	// DeriveKeyFromEncodedSalt validates a Base64 salt and derives a key.
	DeriveKeyFromEncodedSalt(secret, encodedSalt string) ([]byte, error)

	// GenerateSalt returns a fresh Base64-encoded 32-byte salt.
	GenerateSalt() (string, error)

	// Encrypt seals plaintext with AES-256-GCM into a Base64 blob.
	Encrypt(plaintext, key []byte) (string, error)

	// Decrypt opens a Base64 blob produced by Encrypt.
	Decrypt(blob string, key []byte) ([]byte, error)
}
