package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"

	olaherrors "github.com/sigtrap/olah/internal/errors"
	"github.com/sigtrap/olah/internal/offlineguard"
)

func TestHeadFile_ReturnsMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Length", "42")
		w.Header().Set("X-Repo-Commit", "deadbeef")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.HeadFile(context.Background(), "/acme/widget/resolve/main/model.bin", http.Header{})
	require.NoError(t, err)
	require.Equal(t, int64(42), res.Size)
	require.Equal(t, `"abc"`, res.ETag)
	require.Equal(t, "deadbeef", res.CommitHash)
}

func TestHeadFile_NotFoundErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	_, err := c.HeadFile(context.Background(), "/missing", http.Header{})
	require.Error(t, err)
}

func TestGetRange_PartialContent(t *testing.T) {
	body := "abcdefghij"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 2-5/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(body[2:6]))
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.GetRange(context.Background(), srv.URL+"/f", 2, 4, http.Header{})
	require.NoError(t, err)
	defer res.Body.Close()
	require.False(t, res.Whole)
	require.Equal(t, int64(10), res.Size)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "cdef", string(got))
}

func TestGetRange_WholeBodyWhenRangeIgnored(t *testing.T) {
	body := "abcdefghij"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.GetRange(context.Background(), srv.URL+"/f", 2, 4, http.Header{})
	require.NoError(t, err)
	defer res.Body.Close()
	require.True(t, res.Whole)
	require.Equal(t, int64(10), res.Size)
}

func TestGetRange_UnsatisfiableRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	_, err := c.GetRange(context.Background(), srv.URL+"/f", 100, 4, http.Header{})
	require.Error(t, err)
}

func TestGetMetadata_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"acme/widget"}`))
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.GetMetadata(context.Background(), "/api/models/acme/widget", http.Header{})
	require.NoError(t, err)
	require.Equal(t, `{"id":"acme/widget"}`, string(res.Body))
	require.Equal(t, "max-age=60", res.CacheControl)
}

func TestDoWithRetry_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL, MaxRetries: 5})
	res, err := c.GetMetadata(context.Background(), "/x", http.Header{})
	require.NoError(t, err)
	require.Equal(t, "ok", string(res.Body))
	require.Equal(t, 3, calls)
}

func TestGetMetadata_DecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"id":"acme/widget"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.GetMetadata(context.Background(), "/api/models/acme/widget", http.Header{})
	require.NoError(t, err)
	require.Equal(t, `{"id":"acme/widget"}`, string(res.Body))
}

func TestGetMetadata_DecompressesBrotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(`{"id":"acme/widget"}`))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL})
	res, err := c.GetMetadata(context.Background(), "/api/models/acme/widget", http.Header{})
	require.NoError(t, err)
	require.Equal(t, `{"id":"acme/widget"}`, string(res.Body))
}

func TestGetRange_OfflineFailsWithoutRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	guard := offlineguard.New()
	guard.SetOffline(offlineguard.ReasonManual)

	c := New(Config{HubBaseURL: srv.URL, Offline: guard})
	_, err := c.GetRange(context.Background(), srv.URL+"/f", 0, 4, http.Header{})
	require.Error(t, err)
	require.Equal(t, 0, calls)
}

func TestDoWithRetry_ContextCancelledReturnsCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	c := New(Config{HubBaseURL: srv.URL, MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetMetadata(ctx, "/x", http.Header{})
	require.Error(t, err)
	var olaErr *olaherrors.Error
	require.ErrorAs(t, err, &olaErr)
	require.Equal(t, olaherrors.KindCancelled, olaErr.Kind)
}

func TestDoWithRetry_4xxNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{HubBaseURL: srv.URL, MaxRetries: 5})
	_, err := c.GetMetadata(context.Background(), "/x", http.Header{})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
