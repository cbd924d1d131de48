package sweeper_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/sweeper"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

type staticLister []storage.SessionInfo

func (l staticLister) Sessions(context.Context) ([]storage.SessionInfo, error) {
	return l, nil
}

type recordingAbandoner struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (a *recordingAbandoner) Abandon(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[id] {
		return errors.New("purge failed")
	}
	a.ids = append(a.ids, id)
	return nil
}

func TestSweep_AbandonsIdleOnly(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	lister := staticLister{
		{UploadID: "fresh", UpdatedAt: now.Add(-time.Minute)},
		{UploadID: "stale", UpdatedAt: now.Add(-2 * time.Hour)},
		{UploadID: "broken", UpdatedAt: now.Add(-3 * time.Hour)},
	}
	ab := &recordingAbandoner{fail: map[string]bool{"broken": true}}
	s := sweeper.New(lister, ab, sweeper.Options{
		MaxIdle: time.Hour,
		Logger:  tool.DiscardLogger(),
		Now:     func() time.Time { return now },
	})

	n, err := s.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"stale"}, ab.ids)
}

func TestSweep_Cancelled(t *testing.T) {
	lister := staticLister{
		{UploadID: "a"}, {UploadID: "b"}, {UploadID: "c"},
	}
	ab := &recordingAbandoner{}
	s := sweeper.New(lister, ab, sweeper.Options{PurgesPerSecond: 0.001, Logger: tool.DiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestSweep_WithCoordinator(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := receiver.New(store, receiver.Options{
		DestinationResolver: receiver.FolderResolver(t.TempDir(), false),
		Logger:              tool.DiscardLogger(),
	})
	ctx := context.Background()
	idx := 0
	_, err := c.Receive(ctx, &types.RawUpload{
		File:  &types.FilePart{FileName: "a.bin", Content: strings.NewReader("x")},
		Chunk: &types.ChunkMeta{UploadID: "idle-1", Index: &idx},
	})
	require.NoError(t, err)

	s := sweeper.New(store, c, sweeper.Options{
		MaxIdle: time.Minute,
		Logger:  tool.DiscardLogger(),
		Now:     func() time.Time { return time.Now().Add(time.Hour) },
	})
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := c.Status(ctx, "idle-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateAbandoned, st.State)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
