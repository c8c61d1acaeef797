package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// DefaultKeyContext separates sync keys from every other key derived from
// the same master secret.
const DefaultKeyContext = "SYNC_KEY_V1"

// Protocol seals and opens sync payloads.
type Protocol struct {
	crypto     crypto.Provider
	iterations int
	logger     *events.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithKeyIterations sets the PBKDF2 iteration count for DeriveSyncKey.
func WithKeyIterations(n int) ProtocolOption {
	return func(p *Protocol) {
		if n > 0 {
			p.iterations = n
		}
	}
}

// WithProtocolMetrics counts rejected payloads.
func WithProtocolMetrics(m *metrics.Metrics) ProtocolOption {
	return func(p *Protocol) { p.metrics = m }
}

// WithProtocolClock replaces the time source used for payload timestamps.
func WithProtocolClock(now func() time.Time) ProtocolOption {
	return func(p *Protocol) { p.now = now }
}

// NewProtocol creates a sync protocol.
func NewProtocol(provider crypto.Provider, logger *events.Logger, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		crypto:     provider,
		iterations: crypto.DefaultIterations,
		logger:     logger.WithField("service", "sync_protocol"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DeriveSyncKey mixes keyContext into masterKey with HMAC-SHA256 and
// stretches the result with PBKDF2 over salt. An empty keyContext means
// DefaultKeyContext.
func (p *Protocol) DeriveSyncKey(masterKey, salt []byte, keyContext string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, &models.CryptoError{Op: "derive sync key", Reason: models.ReasonInvalidKey, Err: crypto.ErrInvalidKey}
	}
	if keyContext == "" {
		keyContext = DefaultKeyContext
	}

	h := hmac.New(sha256.New, masterKey)
	h.Write([]byte(keyContext))
	mixed := h.Sum(nil)

	return crypto.DeriveKeyBytes(mixed, salt, p.iterations)
}

// EncryptPayload seals data into a new payload with version 1.
func (p *Protocol) EncryptPayload(data []byte, dataType models.DataType, syncKey []byte, deviceID string) (*models.SyncPayload, error) {
	return p.seal(uuid.NewString(), 1, data, dataType, syncKey, deviceID)
}

// ResealPayload seals new data for an existing record, keeping its id and
// bumping its version.
func (p *Protocol) ResealPayload(prev *models.SyncPayload, data []byte, syncKey []byte, deviceID string) (*models.SyncPayload, error) {
	if prev == nil || prev.ID == "" {
		return nil, invalidPayload("reseal payload", errors.New("previous payload has no id"))
	}
	return p.seal(prev.ID, prev.Version+1, data, prev.DataType, syncKey, deviceID)
}

func (p *Protocol) seal(id string, version int, data []byte, dataType models.DataType, syncKey []byte, deviceID string) (*models.SyncPayload, error) {
	if !dataType.Valid() {
		return nil, invalidPayload("encrypt payload", fmt.Errorf("unknown data type %q", dataType))
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, invalidPayload("encrypt payload", errors.New("device id is required"))
	}

	blob, err := p.crypto.Encrypt(data, syncKey)
	if err != nil {
		return nil, err
	}
	iv, ciphertext, tag, err := crypto.SplitBlob(blob)
	if err != nil {
		return nil, err
	}

	return &models.SyncPayload{
		ID:            id,
		DataType:      dataType,
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		Version:       version,
		Timestamp:     p.now().UTC(),
		DeviceID:      deviceID,
		Checksum:      Checksum(data),
	}, nil
}

// DecryptPayload opens a payload and verifies the plaintext checksum. A
// mismatch fails even when the cipher tag verified.
func (p *Protocol) DecryptPayload(payload *models.SyncPayload, syncKey []byte) ([]byte, error) {
	if err := ValidatePayload(payload); err != nil {
		p.metrics.CryptoFailure("decrypt payload", models.ReasonInvalidPayload)
		return nil, err
	}

	// Validated above, decoding cannot fail
	iv, _ := base64.StdEncoding.DecodeString(payload.IV)
	ciphertext, _ := base64.StdEncoding.DecodeString(payload.EncryptedData)
	tag, _ := base64.StdEncoding.DecodeString(payload.AuthTag)

	blob, err := crypto.JoinBlob(iv, ciphertext, tag)
	if err != nil {
		return nil, err
	}

	plaintext, err := p.crypto.Decrypt(blob, syncKey)
	if err != nil {
		p.metrics.CryptoFailure("decrypt payload", models.ReasonDecryptionFailed)
		return nil, err
	}

	actual := Checksum(plaintext)
	expected := strings.ToLower(payload.Checksum)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		p.metrics.CryptoFailure("decrypt payload", models.ReasonChecksumMismatch)
		p.logger.WithFields(map[string]interface{}{
			"payload_id": payload.ID,
			"data_type":  string(payload.DataType),
		}).Error("Payload checksum mismatch")

		return nil, &models.CryptoError{
			Op:     "decrypt payload",
			Reason: models.ReasonChecksumMismatch,
			Err: &models.IntegrityError{
				Subject:  payload.ID,
				Expected: expected,
				Actual:   actual,
			},
		}
	}

	return plaintext, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidatePayload checks payload structure without decrypting.
func ValidatePayload(p *models.SyncPayload) error {
	if p == nil {
		return invalidPayload("validate payload", errors.New("payload is nil"))
	}

	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !p.DataType.Valid() {
		errs = append(errs, fmt.Errorf("unknown data type %q", p.DataType))
	}
	if p.Version < 1 {
		errs = append(errs, fmt.Errorf("version must be positive, got %d", p.Version))
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		errs = append(errs, errors.New("device id is required"))
	}
	if p.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if _, err := base64.StdEncoding.DecodeString(p.EncryptedData); err != nil {
		errs = append(errs, fmt.Errorf("encryptedData: %w", err))
	}
	if err := checkDecodedLen("iv", p.IV, crypto.NonceSize); err != nil {
		errs = append(errs, err)
	}
	if err := checkDecodedLen("authTag", p.AuthTag, crypto.TagSize); err != nil {
		errs = append(errs, err)
	}
	if raw, err := hex.DecodeString(p.Checksum); err != nil || len(raw) != sha256.Size {
		errs = append(errs, errors.New("checksum must be 64 hex characters"))
	}

	if len(errs) > 0 {
		return invalidPayload("validate payload", errors.Join(errs...))
	}
	return nil
}

func checkDecodedLen(field, value string, want int) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if len(raw) != want {
		return fmt.Errorf("%s: expected %d bytes, got %d", field, want, len(raw))
	}
	return nil
}

func invalidPayload(op string, err error) error {
	return &models.CryptoError{Op: op, Reason: models.ReasonInvalidPayload, Err: err}
}
