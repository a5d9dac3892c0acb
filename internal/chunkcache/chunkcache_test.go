package chunkcache

import (
	"context"
	"crypto/sha256"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigtrap/olah/internal/cachekey"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{ReposPath: t.TempDir(), DefaultBlockSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testKey() cachekey.Key {
	return cachekey.Key{RepoType: cachekey.Model, Org: "acme", Name: "widget", Commit: "deadbeef", Path: "model.bin"}
}

func TestAcquire_CreatesAndReusesEntry(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h1, err := c.Acquire(context.Background(), key, 8, nil, "")
	require.NoError(t, err)
	defer h1.Release()

	h2, err := c.Acquire(context.Background(), key, 8, nil, "")
	require.NoError(t, err)
	defer h2.Release()

	require.Same(t, h1.BlockFile(), h2.BlockFile())
}

func TestFillRange_CoalescesConcurrentFetchesPerBlock(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h, err := c.Acquire(context.Background(), key, 8, nil, "")
	require.NoError(t, err)
	defer h.Release()

	var calls int32
	fetcher := func(ctx context.Context, off, length int64) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		buf := make([]byte, length)
		for i := range buf {
			buf[i] = byte('a' + off)
		}
		return buf, nil
	}

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errCh <- c.FillRange(context.Background(), h, 0, 8, fetcher) }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errCh)
	}

	require.Equal(t, int32(2), atomic.LoadInt32(&calls)) // 2 blocks, each fetched exactly once
}

func TestFillRange_SkipsAlreadyCompleteRange(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h, err := c.Acquire(context.Background(), key, 4, nil, "")
	require.NoError(t, err)
	defer h.Release()

	var calls int32
	fetcher := func(ctx context.Context, off, length int64) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("abcd"), nil
	}

	require.NoError(t, c.FillRange(context.Background(), h, 0, 4, fetcher))
	require.NoError(t, c.FillRange(context.Background(), h, 0, 4, fetcher))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStreamRange_FailsBeforeFill(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h, err := c.Acquire(context.Background(), key, 4, nil, "")
	require.NoError(t, err)
	defer h.Release()

	_, err = c.StreamRange(h, 0, 4)
	require.Error(t, err)
}

func TestStreamRange_ReturnsFilledBytes(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h, err := c.Acquire(context.Background(), key, 4, nil, "")
	require.NoError(t, err)
	defer h.Release()

	fetcher := func(ctx context.Context, off, length int64) ([]byte, error) {
		return []byte("abcd"), nil
	}
	require.NoError(t, c.FillRange(context.Background(), h, 0, 4, fetcher))

	r, err := c.StreamRange(h, 0, 4)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 4)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf))
}

func TestAcquire_RefusesInvalidateWhileInUse(t *testing.T) {
	c := testCache(t)
	key := testKey()

	h, err := c.Acquire(context.Background(), key, 8, nil, "")
	require.NoError(t, err)
	defer h.Release()

	require.Error(t, c.invalidate(key.String(), h.entry))
}

func digestOf(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}
