// Package session persists protocol credentials across restarts by mirroring
// the credential files of the local session directory to blob storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wa-relay/internal/observability"
)

// CredsFile is the primary credential file written by the protocol layer.
const CredsFile = "creds.json"

// Backup skip reasons.
const (
	SkipStorageDisabled   = "storage_disabled"
	SkipRateLimited       = "rate_limited"
	SkipNoLocalSession    = "no_local_session"
	SkipNoCredentialFiles = "no_credential_files"
)

// ErrNotConfigured is returned when remote storage is requested but no
// bucket is configured.
var ErrNotConfigured = errors.New("session storage not configured")

// credentialPrefixes are the key-state files worth restoring. Per-chat
// session-* and sender-key-* files are rebuilt by the protocol on demand.
var credentialPrefixes = []string{
	"pre-key-",
	"app-state-sync-key-",
	"app-state-sync-version-",
}

// IsCredentialFile reports whether a session file name belongs in the mirror.
func IsCredentialFile(name string) bool {
	if name == CredsFile {
		return true
	}
	for _, p := range credentialPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// BlobStore is the remote object store holding the mirror.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Config holds session store configuration.
type Config struct {
	Dir                 string
	Prefix              string
	BackupInterval      time.Duration
	DeleteRemoteOnClear bool
}

// BackupResult describes what a Backup call did.
type BackupResult struct {
	Skipped  bool
	Reason   string
	Uploaded int
}

// Store restores, backs up and clears the local session directory.
// A nil BlobStore puts it in local-only mode.
type Store struct {
	cfg    Config
	blobs  BlobStore
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastBackup time.Time
}

// NewStore creates a session store.
func NewStore(cfg Config, blobs BlobStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = 5 * time.Minute
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{
		cfg:    cfg,
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
	}
}

// Dir returns the local session directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// RemoteEnabled reports whether a blob store is configured.
func (s *Store) RemoteEnabled() bool {
	return s.blobs != nil
}

// HasCredentials reports whether the local directory holds a credential file.
func (s *Store) HasCredentials() bool {
	info, err := os.Stat(filepath.Join(s.cfg.Dir, CredsFile))
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) key(name string) string {
	return path.Join(s.cfg.Prefix, name)
}

// Restore downloads the credential files under the remote prefix into the
// local directory. It returns false when the remote mirror is empty; local
// files are left alone in that case.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.blobs == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.blobs.List(ctx, s.cfg.Prefix+"/")
	if err != nil {
		return false, fmt.Errorf("list remote session: %w", err)
	}
	if len(keys) == 0 {
		s.logger.Info("No remote session found", "prefix", s.cfg.Prefix)
		return false, nil
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return false, fmt.Errorf("create session dir: %w", err)
	}

	restored := 0
	for _, key := range keys {
		name := strings.TrimPrefix(key, s.cfg.Prefix+"/")
		if name == "" || strings.Contains(name, "/") || !IsCredentialFile(name) {
			continue
		}

		data, err := s.blobs.Get(ctx, key)
		if err != nil {
			return restored > 0, fmt.Errorf("download %s: %w", name, err)
		}
		if err := writeFileAtomic(filepath.Join(s.cfg.Dir, name), data); err != nil {
			return restored > 0, fmt.Errorf("write %s: %w", name, err)
		}
		restored++
	}

	if restored == 0 {
		s.logger.Info("Remote session has no credential files", "prefix", s.cfg.Prefix)
		return false, nil
	}

	s.logger.Info("Session restored", "files", restored)
	return true, nil
}

// Backup uploads the local credential files, at most once per interval.
// Calls that are not eligible return a skipped result rather than an error.
func (s *Store) Backup(ctx context.Context) (BackupResult, error) {
	res, err := s.backup(ctx)
	switch {
	case err != nil:
		observability.RecordBackup("error")
	case res.Skipped:
		observability.RecordBackup(res.Reason)
	default:
		observability.RecordBackup("uploaded")
	}
	return res, err
}

func (s *Store) backup(ctx context.Context) (BackupResult, error) {
	if s.blobs == nil {
		return BackupResult{Skipped: true, Reason: SkipStorageDisabled}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastBackup.IsZero() && now.Sub(s.lastBackup) < s.cfg.BackupInterval {
		return BackupResult{Skipped: true, Reason: SkipRateLimited}, nil
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return BackupResult{Skipped: true, Reason: SkipNoLocalSession}, nil
	}
	if err != nil {
		return BackupResult{}, fmt.Errorf("read session dir: %w", err)
	}

	uploaded := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsCredentialFile(entry.Name()) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, entry.Name()))
		if err != nil {
			return BackupResult{Uploaded: uploaded}, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if err := s.blobs.Put(ctx, s.key(entry.Name()), data); err != nil {
			return BackupResult{Uploaded: uploaded}, fmt.Errorf("upload %s: %w", entry.Name(), err)
		}
		uploaded++
	}

	if uploaded == 0 {
		return BackupResult{Skipped: true, Reason: SkipNoCredentialFiles}, nil
	}

	s.lastBackup = now
	s.logger.Info("Session backed up", "files", uploaded)
	return BackupResult{Uploaded: uploaded}, nil
}

// Clear removes the local session directory. The remote mirror is deleted
// only when DeleteRemoteOnClear is set. The backup interval restarts so the
// next pairing is mirrored immediately.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBackup = time.Time{}

	if err := os.RemoveAll(s.cfg.Dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	s.logger.Info("Local session cleared", "dir", s.cfg.Dir)

	if !s.cfg.DeleteRemoteOnClear || s.blobs == nil {
		return nil
	}

	keys, err := s.blobs.List(ctx, s.cfg.Prefix+"/")
	if err != nil {
		return fmt.Errorf("list remote session: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Remote session cleared", "objects", len(keys))
	return nil
}

func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
