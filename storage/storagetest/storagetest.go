// Package storagetest is a conformance suite every storage.ChunkStorage backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/chunkrecv/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.ChunkStorage

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("put then received indices ascending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, i := range []int{2, 0, 1} {
			put(t, s, "up-1", i, fmt.Sprintf("c%d", i))
		}
		got, err := s.ReceivedIndices(ctx, "up-1")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, got)
	})

	t.Run("indices past eight digits are listed", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "up-1", 100_000_000, "abc")
		put(t, s, "up-1", 99_999_999, "ab")
		put(t, s, "up-1", 3, "a")
		got, err := s.ReceivedIndices(context.Background(), "up-1")
		require.NoError(t, err)
		assert.Equal(t, []int{3, 99_999_999, 100_000_000}, got)
	})

	t.Run("unknown upload has no indices", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ReceivedIndices(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, collect(t, s, "nobody"))
	})

	t.Run("same bytes twice keeps one chunk", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "up-1", 0, "abc")
		put(t, s, "up-1", 0, "abc")
		got, err := s.ReceivedIndices(context.Background(), "up-1")
		require.NoError(t, err)
		assert.Equal(t, []int{0}, got)
		assert.Equal(t, [][]byte{[]byte("abc")}, collect(t, s, "up-1"))
	})

	t.Run("last write wins", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "up-1", 0, "first version")
		put(t, s, "up-1", 0, "v2")
		assert.Equal(t, [][]byte{[]byte("v2")}, collect(t, s, "up-1"))
	})

	t.Run("read ordered concatenates by index", func(t *testing.T) {
		s := newStore(t)
		parts := []string{"hello ", "chunked ", "", "world"}
		for _, i := range []int{3, 1, 0, 2} {
			put(t, s, "up-1", i, parts[i])
		}
		var joined bytes.Buffer
		for _, c := range collect(t, s, "up-1") {
			joined.Write(c)
		}
		assert.Equal(t, strings.Join(parts, ""), joined.String())
	})

	t.Run("read ordered is restartable", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "up-1", 0, "a")
		put(t, s, "up-1", 1, "b")
		seq := s.ReadOrdered(context.Background(), "up-1")
		for range 2 {
			var idx []int
			for c, err := range seq {
				require.NoError(t, err)
				idx = append(idx, c.Index)
			}
			assert.Equal(t, []int{0, 1}, idx)
		}
	})

	t.Run("gap yields missing chunk", func(t *testing.T) {
		s := newStore(t)
		for _, i := range []int{0, 1, 3} {
			put(t, s, "up-1", i, "x")
		}
		var got []int
		var gotErr error
		for c, err := range s.ReadOrdered(context.Background(), "up-1") {
			if err != nil {
				gotErr = err
				break
			}
			got = append(got, c.Index)
		}
		assert.Equal(t, []int{0, 1}, got)
		require.ErrorIs(t, gotErr, storage.ErrMissingChunk)
		var mce *storage.MissingChunkError
		require.ErrorAs(t, gotErr, &mce)
		assert.Equal(t, 2, mce.Index)
	})

	t.Run("purge empties upload", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := range 4 {
			put(t, s, "up-1", i, "data")
		}
		require.NoError(t, s.Purge(ctx, "up-1"))
		got, err := s.ReceivedIndices(ctx, "up-1")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, collect(t, s, "up-1"))
	})

	t.Run("purge unknown is a no-op", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Purge(context.Background(), "never-seen"))
		require.NoError(t, s.Purge(context.Background(), "never-seen"))
	})

	t.Run("purge leaves other uploads alone", func(t *testing.T) {
		s := newStore(t)
		put(t, s, "up-a", 0, "a")
		put(t, s, "up-b", 0, "b")
		require.NoError(t, s.Purge(context.Background(), "up-a"))
		assert.Equal(t, [][]byte{[]byte("b")}, collect(t, s, "up-b"))
	})

	t.Run("concurrent uploads never cross", func(t *testing.T) {
		s := newStore(t)
		const n = 16
		var wg sync.WaitGroup
		for _, id := range []string{"up-a", "up-b"} {
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Put(context.Background(), id, i, strings.NewReader(fmt.Sprintf("%s/%02d", id, i)))
					assert.NoError(t, err)
				}()
			}
		}
		wg.Wait()
		for _, id := range []string{"up-a", "up-b"} {
			chunks := collect(t, s, id)
			require.Len(t, chunks, n)
			for i, c := range chunks {
				assert.Equal(t, fmt.Sprintf("%s/%02d", id, i), string(c))
			}
		}
	})

	t.Run("cancelled put does not land", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Put(ctx, "up-1", 0, strings.NewReader("never"))
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrStorage)
		got, err := s.ReceivedIndices(context.Background(), "up-1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("failing reader does not land", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(context.Background(), "up-1", 0, &failingReader{})
		require.Error(t, err)
		got, err := s.ReceivedIndices(context.Background(), "up-1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rejects bad keys", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(context.Background(), "", 0, strings.NewReader("x"))
		assert.ErrorIs(t, err, storage.ErrStorage)
		_, err = s.Put(context.Background(), "up-1", -1, strings.NewReader("x"))
		assert.ErrorIs(t, err, storage.ErrStorage)
	})

	t.Run("sessions lists in-flight uploads", func(t *testing.T) {
		s := newStore(t)
		lister, ok := s.(storage.SessionLister)
		if !ok {
			t.Skip("backend does not list sessions")
		}
		put(t, s, "up-a", 0, "12345")
		put(t, s, "up-a", 1, "678")
		put(t, s, "up-b", 0, "z")
		require.NoError(t, s.Purge(context.Background(), "up-b"))

		sessions, err := lister.Sessions(context.Background())
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "up-a", sessions[0].UploadID)
		assert.Equal(t, 2, sessions[0].Chunks)
		assert.False(t, sessions[0].UpdatedAt.IsZero())
	})
}

func put(t *testing.T, s storage.ChunkStorage, id string, index int, data string) {
	t.Helper()
	n, err := s.Put(context.Background(), id, index, strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
}

func collect(t *testing.T, s storage.ChunkStorage, id string) [][]byte {
	t.Helper()
	var out [][]byte
	for c, err := range s.ReadOrdered(context.Background(), id) {
		require.NoError(t, err)
		out = append(out, c.Data)
	}
	return out
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}
