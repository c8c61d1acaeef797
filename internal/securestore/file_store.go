package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/walletguard/internal/events"
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

const fileExt = ".json"

// fileRecord is the on-disk wrapper for one key.
type fileRecord struct {
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Sensitive     bool      `json:"sensitive"`
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

func (r fileRecord) checksum() (string, error) {
	r.Checksum = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// FileStore keeps one checksummed JSON file per key.
type FileStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// NewFileStore creates a file-backed store.
func NewFileStore(baseDir string, logger *events.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, wrap("open", "", fmt.Errorf("create store directory: %w", err))
	}

	return &FileStore{
		baseDir: baseDir,
		logger:  logger.WithComponent("file_store"),
	}, nil
}

// Read returns the value for key.
func (s *FileStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.keyPath(key)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("read", key, err)
	}

	record, err := s.decode(key, data)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Stored value failed verification, trying backup")

		backup, backupErr := s.loadBackup(key)
		if backupErr == nil {
			s.logger.WithField("key", key).Warn("Loaded value from backup due to corruption")
			return backup.Value, nil
		}
		return "", wrap("read", key, err)
	}

	if record.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", record.SchemaVersion).Warn("Store schema version mismatch")
	}

	return record.Value, nil
}

// Write stores value under key atomically.
func (s *FileStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return wrap("write", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"key":       key,
		"sensitive": sensitive,
	}).Debug("Writing value")

	return wrap("write", key, s.writeLocked(key, value, sensitive))
}

func (s *FileStore) writeLocked(key, value string, sensitive bool) error {
	record := fileRecord{
		Key:           key,
		Value:         value,
		Sensitive:     sensitive,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
	}

	sum, err := record.checksum()
	if err != nil {
		return fmt.Errorf("checksum record: %w", err)
	}
	record.Checksum = sum

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := s.keyPath(key)

	// Keep the previous version as a fallback
	if _, err := os.Stat(path); err == nil {
		if err := s.copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	perm := os.FileMode(0640)
	if sensitive {
		perm = 0600
	}

	tmpPath := path + ".tmp"
	if err := writeSynced(tmpPath, data, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}

	return nil
}

// Delete removes key and its backup.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return wrap("delete", key, s.deleteLocked(key))
}

func (s *FileStore) deleteLocked(key string) error {
	path := s.keyPath(key)
	for _, p := range []string{path, path + ".backup"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Keys lists stored keys with the given prefix.
func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, wrap("list", prefix, fmt.Errorf("read store directory: %w", err))
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != fileExt {
			continue
		}

		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close releases resources.
func (s *FileStore) Close() error {
	return nil
}

// Helper methods

// Keys may contain path separators, so file names are an encoding of the key.
func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.baseDir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExt)
}

func (s *FileStore) decode(key string, data []byte) (*fileRecord, error) {
	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if record.Key != key {
		return nil, fmt.Errorf("%w: record holds key %q", ErrCorrupt, record.Key)
	}

	if record.Checksum != "" {
		calculated, err := record.checksum()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if calculated != record.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"expected": record.Checksum,
				"actual":   calculated,
			}).Error("Store checksum mismatch")
			return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
		}
	}

	return &record, nil
}

func (s *FileStore) loadBackup(key string) (*fileRecord, error) {
	data, err := os.ReadFile(s.keyPath(key) + ".backup")
	if err != nil {
		return nil, err
	}
	return s.decode(key, data)
}

func (s *FileStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func writeSynced(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
