package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// metadataKey returns the audit metadata key, creating it on first use.
func (l *Logger) metadataKey(ctx context.Context, create bool) ([]byte, error) {
	encoded, found, err := securestore.ReadOptional(ctx, l.store, securestore.KeyAuditMetadataKey)
	if err != nil {
		return nil, err
	}
	if found {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil {
			err = crypto.ValidateKeySize(key)
		}
		if err != nil {
			return nil, models.WrapStorage("read", securestore.KeyAuditMetadataKey, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
		}
		return key, nil
	}
	if !create {
		return nil, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := l.store.Write(ctx, securestore.KeyAuditMetadataKey, base64.StdEncoding.EncodeToString(key), true); err != nil {
		return nil, err
	}
	l.logger.Info("Audit metadata key created")
	return key, nil
}

// sealMetadata replaces the values of sensitive keys with sealed blobs.
func (l *Logger) sealMetadata(ctx context.Context, metadata map[string]string) (map[string]string, error) {
	key, err := l.metadataKey(ctx, true)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if !models.IsSensitiveKey(k) {
			out[k] = v
			continue
		}
		blob, err := l.crypto.Encrypt([]byte(v), key)
		if err != nil {
			return nil, err
		}
		out[k] = EncryptedPrefix + blob
	}
	return out, nil
}

// RevealMetadata returns the entry's metadata with sealed values opened.
// Only sensitive keys are ever sealed; other values pass through as is.
func (l *Logger) RevealMetadata(ctx context.Context, entry models.AuditLogEntry) (map[string]string, error) {
	out := make(map[string]string, len(entry.Metadata))
	if !entry.IsEncrypted {
		for k, v := range entry.Metadata {
			out[k] = v
		}
		return out, nil
	}

	key, err := l.metadataKey(ctx, false)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, &models.CryptoError{Op: "reveal metadata", Reason: models.ReasonInvalidKey, Err: fmt.Errorf("audit metadata key missing")}
	}
	defer wipe(key)

	for k, v := range entry.Metadata {
		if !models.IsSensitiveKey(k) || !strings.HasPrefix(v, EncryptedPrefix) {
			out[k] = v
			continue
		}
		plaintext, err := l.crypto.Decrypt(strings.TrimPrefix(v, EncryptedPrefix), key)
		if err != nil {
			return nil, err
		}
		out[k] = string(plaintext)
	}
	return out, nil
}

func wipe(key []byte) {
	if key != nil {
		memguard.WipeBytes(key)
	}
}
