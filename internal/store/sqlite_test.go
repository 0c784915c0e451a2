package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SaveAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	records := []*domain.MessageRecord{
		{MessageID: "m1", ConversationID: "a@s.whatsapp.net", Direction: domain.DirectionReceived, Body: "hello", CreatedAt: base},
		{MessageID: "s1", ConversationID: "a@s.whatsapp.net", Direction: domain.DirectionSent, Body: "hi there", CreatedAt: base.Add(time.Second)},
		{MessageID: "m2", ConversationID: "b@s.whatsapp.net", Direction: domain.DirectionReceived, Body: "yo", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		id, err := s.SaveMessage(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
	}

	all, err := s.RecentMessages(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m2", all[0].MessageID, "newest first")
	assert.Equal(t, base, all[2].CreatedAt)

	convo, err := s.RecentMessages(ctx, "a@s.whatsapp.net", 10)
	require.NoError(t, err)
	require.Len(t, convo, 2)
	assert.Equal(t, domain.DirectionSent, convo[0].Direction)
	assert.Equal(t, "hi there", convo[0].Body)

	limited, err := s.RecentMessages(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.SaveMessage(ctx, &domain.MessageRecord{MessageID: "old", ConversationID: "a", Direction: domain.DirectionReceived, Body: "x", CreatedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, &domain.MessageRecord{MessageID: "new", ConversationID: "a", Direction: domain.DirectionReceived, Body: "y", CreatedAt: now})
	require.NoError(t, err)

	n, err := s.PruneMessages(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rest, err := s.RecentMessages(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "new", rest[0].MessageID)
}

func TestSQLiteStore_ConcurrentWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveMessage(ctx, &domain.MessageRecord{MessageID: "m", ConversationID: "c", Direction: domain.DirectionReceived, Body: "b"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.RecentMessages(ctx, "c", 100)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestPruneExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.SaveMessage(ctx, &domain.MessageRecord{MessageID: "old", ConversationID: "a", Direction: domain.DirectionSent, Body: "x", CreatedAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)

	pruneExpired(ctx, s, time.Hour)

	rest, err := s.RecentMessages(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
