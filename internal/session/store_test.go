package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	listErr error
	putErr  error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (m *memBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (m *memBlobStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = append([]byte(nil), data...)
	m.puts++
	return nil
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlobStore) keys() []string {
	keys, _ := m.List(context.Background(), "")
	return keys
}

const prefix = "whatsapp-sessions/baileys-session"

func writeSessionFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"name":"`+name+`"}`), 0o600))
	}
}

func newTestStore(t *testing.T, blobs BlobStore) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "whatsapp_session")
	s := NewStore(Config{Dir: dir, Prefix: prefix, BackupInterval: 5 * time.Minute}, blobs, nil)
	return s, dir
}

func TestIsCredentialFile(t *testing.T) {
	tests := map[string]bool{
		"creds.json":                           true,
		"pre-key-1.json":                       true,
		"app-state-sync-key-AAAA.json":         true,
		"app-state-sync-version-regular.json":  true,
		"session-15551234567.0.json":           false,
		"sender-key-1203@g.us--1555--0.json":   false,
		"sender-key-memory-1203@g.us.json":     false,
		"creds.json.bak":                       false,
		"notes.txt":                            false,
	}
	for name, want := range tests {
		assert.Equal(t, want, IsCredentialFile(name), name)
	}
}

func TestBackup_UploadsOnlyCredentialFiles(t *testing.T) {
	blobs := newMemBlobStore()
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json", "pre-key-1.json", "app-state-sync-key-A.json", "session-1555.0.json", "sender-key-x.json")

	res, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, []string{
		prefix + "/app-state-sync-key-A.json",
		prefix + "/creds.json",
		prefix + "/pre-key-1.json",
	}, blobs.keys())
}

func TestBackup_RateLimited(t *testing.T) {
	blobs := newMemBlobStore()
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json")

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	res, err := s.Backup(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)

	now = now.Add(4 * time.Minute)
	res, err = s.Backup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipRateLimited, res.Reason)
	assert.Equal(t, 1, blobs.puts, "second call within the interval uploads nothing")

	now = now.Add(time.Minute)
	res, err = s.Backup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, blobs.puts)
}

func TestBackup_FailureDoesNotConsumeInterval(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.putErr = errors.New("network down")
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json")

	_, err := s.Backup(context.Background())
	require.Error(t, err)

	blobs.putErr = nil
	res, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestBackup_SkipReasons(t *testing.T) {
	s, _ := newTestStore(t, nil)
	res, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BackupResult{Skipped: true, Reason: SkipStorageDisabled}, res)

	s, dir := newTestStore(t, newMemBlobStore())
	res, err = s.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNoLocalSession, res.Reason)

	writeSessionFiles(t, dir, "session-1.json")
	res, err = s.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNoCredentialFiles, res.Reason)
}

func TestRestore(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.objects[prefix+"/creds.json"] = []byte(`{"me":"x"}`)
	blobs.objects[prefix+"/pre-key-7.json"] = []byte(`{}`)
	blobs.objects[prefix+"/session-1555.0.json"] = []byte(`{}`)
	blobs.objects["other-prefix/creds.json"] = []byte(`{}`)

	s, dir := newTestStore(t, blobs)
	assert.False(t, s.HasCredentials())

	ok, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.HasCredentials())

	data, err := os.ReadFile(filepath.Join(dir, "creds.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":"x"}`, string(data))
	assert.FileExists(t, filepath.Join(dir, "pre-key-7.json"))
	assert.NoFileExists(t, filepath.Join(dir, "session-1555.0.json"))
}

func TestRestore_EmptyRemoteKeepsLocal(t *testing.T) {
	s, dir := newTestStore(t, newMemBlobStore())
	writeSessionFiles(t, dir, "creds.json")

	ok, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, s.HasCredentials())
}

func TestRestore_ListError(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.listErr = errors.New("access denied")
	s, _ := newTestStore(t, blobs)

	ok, err := s.Restore(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestRestore_LocalOnly(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ok, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.RemoteEnabled())
}

func TestClear(t *testing.T) {
	blobs := newMemBlobStore()
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json")
	_, err := s.Backup(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Clear(context.Background()))
	assert.NoDirExists(t, dir)
	assert.False(t, s.HasCredentials())
	assert.Len(t, blobs.keys(), 1, "remote copy kept by default")

	// The interval restarts after a clear.
	writeSessionFiles(t, dir, "creds.json")
	res, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestClear_DeleteRemotePolicy(t *testing.T) {
	blobs := newMemBlobStore()
	dir := filepath.Join(t.TempDir(), "session")
	s := NewStore(Config{Dir: dir, Prefix: prefix, DeleteRemoteOnClear: true}, blobs, nil)
	writeSessionFiles(t, dir, "creds.json", "pre-key-1.json")
	_, err := s.Backup(context.Background())
	require.NoError(t, err)
	blobs.objects["unrelated/key"] = []byte("x")

	require.NoError(t, s.Clear(context.Background()))
	assert.Equal(t, []string{"unrelated/key"}, blobs.keys())
}

func TestClear_MissingDirIsFine(t *testing.T) {
	s, _ := newTestStore(t, nil)
	assert.NoError(t, s.Clear(context.Background()))
}

func TestAutoBackup_Guarded(t *testing.T) {
	blobs := newMemBlobStore()
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json")

	s.runAutoBackup(context.Background(), func() bool { return false })
	assert.Zero(t, blobs.puts)

	s.runAutoBackup(context.Background(), func() bool { return true })
	assert.Equal(t, 1, blobs.puts)
}

func TestStartAutoBackup(t *testing.T) {
	blobs := newMemBlobStore()
	s, dir := newTestStore(t, blobs)
	writeSessionFiles(t, dir, "creds.json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartAutoBackup(ctx, 10*time.Millisecond, func() bool { return true })

	require.Eventually(t, func() bool {
		blobs.mu.Lock()
		defer blobs.mu.Unlock()
		return blobs.puts >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
