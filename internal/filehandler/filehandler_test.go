package filehandler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigtrap/olah/internal/cachekey"
	"github.com/sigtrap/olah/internal/chunkcache"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/internal/metacache"
	"github.com/sigtrap/olah/internal/offlineguard"
	"github.com/sigtrap/olah/internal/policy"
	"github.com/sigtrap/olah/internal/router"
	"github.com/sigtrap/olah/internal/upstream"
)

const fileBody = "abcdefghij"

func newMockUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", `"etag-1"`)
			w.Header().Set("Content-Length", strconv.Itoa(len(fileBody)))
			w.Header().Set("X-Repo-Commit", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(fileBody)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(fileBody))
			return
		}

		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		if end >= len(fileBody) {
			end = len(fileBody) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(fileBody)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(fileBody[start : end+1]))
	}))
}

func newTestHandler(t *testing.T, srv *httptest.Server) *Handler {
	t.Helper()

	meta, err := metacache.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	pol, err := policy.New(nil, nil)
	require.NoError(t, err)

	chunks, err := chunkcache.New(chunkcache.Config{ReposPath: t.TempDir(), DefaultBlockSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })

	guard := offlineguard.New()

	return &Handler{
		Meta:     meta,
		Policy:   pol,
		Chunks:   chunks,
		Upstream: upstream.New(upstream.Config{HubBaseURL: srv.URL, Offline: guard}),
		Offline:  guard,
		Logger:   logutil.NewHelper(nil),
	}
}

func testRoute() router.Route {
	return router.Route{Kind: router.KindFile, RepoType: cachekey.Model, Org: "acme", Name: "widget", Revision: "main", Path: "file.bin"}
}

func TestServeFile_PartialRangeThroughCache(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
	require.Equal(t, "cdef", w.Body.String())
}

func TestServeFile_FullFileFinalizes(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, fileBody, w.Body.String())
}

func TestServeFile_HeadReturnsNoBody(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)

	req := httptest.NewRequest(http.MethodHead, "/acme/widget/resolve/main/file.bin", nil)
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "10", w.Header().Get("Content-Length"))
	require.Empty(t, w.Body.String())
}

func TestServeFile_ProxyDeniedReturns403(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)
	pol, err := policy.New([]policy.Rule{{Pattern: "*", Allow: false}}, nil)
	require.NoError(t, err)
	h.Policy = pol

	req := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeFile_WarmRangeReadSucceedsOffline(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", `"etag-1"`)
			w.Header().Set("Content-Length", strconv.Itoa(len(fileBody)))
			w.Header().Set("X-Repo-Commit", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(fileBody)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fileBody))
	}))
	defer srv.Close()
	h := newTestHandler(t, srv)

	warm := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	w := httptest.NewRecorder()
	h.ServeFile(w, warm, testRoute())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, fileBody, w.Body.String())
	callsAfterWarm := atomic.LoadInt32(&calls)
	require.Greater(t, callsAfterWarm, int32(0))

	h.Offline.SetOffline(offlineguard.ReasonManual)

	again := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	again.Header.Set("Range", "bytes=0-4")
	w2 := httptest.NewRecorder()
	h.ServeFile(w2, again, testRoute())

	require.Equal(t, http.StatusPartialContent, w2.Code)
	require.Equal(t, fileBody[:5], w2.Body.String())
	require.Equal(t, callsAfterWarm, atomic.LoadInt32(&calls), "offline warm read must not reach upstream")
}

func TestServeFile_ColdMissOfflineReturnsOfflineMiss(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)
	h.Offline.SetOffline(offlineguard.ReasonManual)

	req := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	require.Contains(t, w.Body.String(), "OfflineMiss")
}

func TestServeRaw_LFSRequestPrependsLFSBase(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Length", strconv.Itoa(len(fileBody)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fileBody))
	}))
	defer srv.Close()
	h := newTestHandler(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/lfs/acme/widget/sha256:deadbeef", nil)
	w := httptest.NewRecorder()

	h.ServeRaw(w, req, router.Route{Kind: router.KindLFS, Path: "acme/widget/sha256:deadbeef"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, fileBody, w.Body.String())
	require.Equal(t, "/lfs/acme/widget/sha256:deadbeef", gotPath)
}

func TestServeRaw_PassthroughStreamsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Marker", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("opaque payload"))
	}))
	defer srv.Close()
	h := newTestHandler(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami-v2", nil)
	w := httptest.NewRecorder()

	h.ServeRaw(w, req, router.Route{Kind: router.KindProxyPassthrough, Path: "/api/whoami-v2"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "1", w.Header().Get("X-Upstream-Marker"))
	require.Equal(t, "opaque payload", w.Body.String())
}

func TestServeFile_CacheDisabledServesPassthrough(t *testing.T) {
	srv := newMockUpstream(t)
	defer srv.Close()
	h := newTestHandler(t, srv)
	pol, err := policy.New(nil, []policy.Rule{{Pattern: "*", Allow: false}})
	require.NoError(t, err)
	h.Policy = pol

	req := httptest.NewRequest(http.MethodGet, "/acme/widget/resolve/main/file.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()

	h.ServeFile(w, req, testRoute())

	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "cdef", w.Body.String())
}
