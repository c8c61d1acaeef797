package testutil

import (
	"io"
	"time"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// Credentials used across package tests.
const (
	TestPIN      = "135790"
	WrongPIN     = "000000"
	TestMnemonic = "zebra zone abandon ability able about above absent absorb abstract absurd abuse"

	// TestIterations keeps PBKDF2 fast in tests.
	TestIterations = 1000
)

// NewTestLogger creates a debug logger that discards output.
func NewTestLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", io.Discard)
}

// NewCapturingLogger creates a debug logger writing into a LogOutput.
func NewCapturingLogger() (*events.Logger, *LogOutput) {
	out := NewLogOutput()
	return events.NewTestLogger(events.DebugLevel, "json", out), out
}

// TestProvider returns a crypto provider with a low iteration count.
func TestProvider() *crypto.CryptoProvider {
	return crypto.NewProvider(crypto.WithIterations(TestIterations))
}

// SyncKey returns a random sync key.
func SyncKey() []byte {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// SamplePayload builds a structurally valid payload without real
// ciphertext, for resolver and transport tests.
func SamplePayload(id string, dataType models.DataType, ts time.Time, deviceID string) *models.SyncPayload {
	return &models.SyncPayload{
		ID:            id,
		DataType:      dataType,
		EncryptedData: "Y2lwaGVydGV4dA==",
		IV:            "AAAAAAAAAAAAAAAA",
		AuthTag:       "AAAAAAAAAAAAAAAAAAAAAA==",
		Version:       1,
		Timestamp:     ts.UTC(),
		DeviceID:      deviceID,
		Checksum:      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
}
