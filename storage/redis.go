package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/moyoez/chunkrecv/tool"
)

// DefaultRedisPrefix namespaces every key written by RedisStorage.
const DefaultRedisPrefix = "chunkrecv"

// purgeAttempts bounds optimistic-lock retries when a put races a purge.
const purgeAttempts = 5

// RedisStorage keeps chunk bytes in string keys and the received indices in a sorted set.
// Both are written in one MULTI/EXEC so they can never disagree.
type RedisStorage struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

var (
	_ ChunkStorage  = (*RedisStorage)(nil)
	_ SessionLister = (*RedisStorage)(nil)
)

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client *goredis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, now: time.Now}
}

// OpenRedisStorage parses a redis:// URL and connects lazily.
func OpenRedisStorage(url, prefix string) (*RedisStorage, error) {
	if url == "" {
		return nil, errors.New("redis storage requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis storage: invalid URL: %w", err)
	}
	return NewRedisStorage(goredis.NewClient(opts), prefix), nil
}

// Close releases the underlying client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s:upload:%s:%s", s.prefix, uploadID, chunkName(index))
}

func (s *RedisStorage) indicesKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:indices", s.prefix, uploadID)
}

func (s *RedisStorage) sizesKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:sizes", s.prefix, uploadID)
}

func (s *RedisStorage) sessionsKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStorage) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if err := checkIndex(uploadID, index); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := tool.CopyWithContext(ctx, &buf, r)
	if err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	member := strconv.Itoa(index)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.chunkKey(uploadID, index), buf.Bytes(), 0)
		pipe.ZAdd(ctx, s.indicesKey(uploadID), goredis.Z{Score: float64(index), Member: member})
		pipe.HSet(ctx, s.sizesKey(uploadID), member, n)
		pipe.ZAdd(ctx, s.sessionsKey(), goredis.Z{Score: float64(s.now().UnixMilli()), Member: uploadID})
		return nil
	})
	if err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	return n, nil
}

func (s *RedisStorage) ReceivedIndices(ctx context.Context, uploadID string) ([]int, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.indicesKey(uploadID), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("list", uploadID, -1, err)
	}
	out := make([]int, 0, len(zs))
	for _, z := range zs {
		out = append(out, int(z.Score))
	}
	return out, nil
}

func (s *RedisStorage) ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[Chunk, error] {
	return readOrdered(ctx, uploadID,
		func(ctx context.Context) ([]int, error) { return s.ReceivedIndices(ctx, uploadID) },
		func(ctx context.Context, index int) ([]byte, error) {
			data, err := s.client.Get(ctx, s.chunkKey(uploadID, index)).Bytes()
			if errors.Is(err, goredis.Nil) {
				return nil, fmt.Errorf("%s: %w", chunkName(index), ErrNotFound)
			}
			return data, err
		})
}

// Purge watches the index set so a concurrent Put either lands before the
// delete (and is removed with it) or forces a retry.
func (s *RedisStorage) Purge(ctx context.Context, uploadID string) error {
	idxKey := s.indicesKey(uploadID)
	purge := func(tx *goredis.Tx) error {
		members, err := tx.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(members)+2)
		for _, m := range members {
			idx, err := strconv.Atoi(m)
			if err != nil {
				continue
			}
			keys = append(keys, s.chunkKey(uploadID, idx))
		}
		keys = append(keys, idxKey, s.sizesKey(uploadID))
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, s.sessionsKey(), uploadID)
			return nil
		})
		return err
	}

	var err error
	for range purgeAttempts {
		err = s.client.Watch(ctx, purge, idxKey)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	return wrapErr("purge", uploadID, -1, err)
}

func (s *RedisStorage) Sessions(ctx context.Context) ([]SessionInfo, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("sessions", "", -1, err)
	}
	out := make([]SessionInfo, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		sizes, err := s.client.HVals(ctx, s.sizesKey(id)).Result()
		if err != nil {
			return nil, wrapErr("sessions", id, -1, err)
		}
		info := SessionInfo{
			UploadID:  id,
			Chunks:    len(sizes),
			UpdatedAt: time.UnixMilli(int64(z.Score)),
		}
		for _, v := range sizes {
			n, _ := strconv.ParseInt(v, 10, 64)
			info.Bytes += n
		}
		out = append(out, info)
	}
	return out, nil
}
