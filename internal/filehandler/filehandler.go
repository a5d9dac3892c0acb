// Package filehandler implements the central state machine that serves a
// single (repo, revision, path, byte-range) request by coordinating
// MetaCache, PolicyEngine, ChunkCache, and UpstreamClient. Grounded on the
// teacher's server/middleware/caching/{caching,internal,processor}.go
// Caching struct and its markCacheStatus/setXCache bookkeeping, generalized
// from tavern's generic object-store cache onto Olah's block-cached
// upstream mirror.
package filehandler

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/sigtrap/olah/internal/cachekey"
	"github.com/sigtrap/olah/internal/chunkcache"
	olaherrors "github.com/sigtrap/olah/internal/errors"
	"github.com/sigtrap/olah/internal/iobuf"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/internal/metacache"
	"github.com/sigtrap/olah/internal/offlineguard"
	"github.com/sigtrap/olah/internal/policy"
	"github.com/sigtrap/olah/internal/router"
	"github.com/sigtrap/olah/internal/upstream"
	"github.com/sigtrap/olah/internal/xhttp"
	"github.com/sigtrap/olah/metrics"
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Handler wires the long-lived services together and serves requests.
type Handler struct {
	Meta     *metacache.Cache
	Policy   *policy.Engine
	Chunks   *chunkcache.Cache
	Upstream *upstream.Client
	Offline  *offlineguard.Guard
	LFSBase  string

	Logger *logutil.Helper
}

// resolved carries everything ResolveRevision established about the file.
type resolved struct {
	commit string
	size   int64
	etag   string
	digest []byte
	lfsURL string
}

// ServeFile implements states 1–8 for a file GET or HEAD request.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request, rt router.Route) {
	ctx := r.Context()
	repo := rt.Org + "/" + rt.Name

	// 3. PolicyCheck
	if !h.Policy.ProxyAllowed(repo) {
		writeError(w, olaherrors.ProxyDenied())
		return
	}
	// Offline does not force the passthrough branch: a warm cache hit must
	// still be served from disk without touching the network. A genuine
	// miss surfaces OfflineMiss from UpstreamClient itself.
	cacheFlag := h.Policy.CacheAllowed(repo)

	res, err := h.resolveRevision(ctx, rt)
	if err != nil {
		writeError(w, olaherrors.AsError(err))
		return
	}

	key := cachekey.Key{RepoType: rt.RepoType, Org: rt.Org, Name: rt.Name, Commit: res.commit, Path: rt.Path}

	rng, err := xhttp.ParseSingle(r.Header.Get("Range"), res.size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", res.size))
		writeError(w, olaherrors.UnsatisfiableRange())
		return
	}

	w.Header().Set("ETag", key.ETag())
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Repo-Commit", res.commit)
	partial := r.Header.Get("Range") != "" && rng.Length() != res.size
	if partial {
		w.Header().Set("Content-Range", rng.ContentRange(res.size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(res.size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	fetchURL := res.lfsURL
	if fetchURL == "" {
		fetchURL = h.Upstream.HubURLFor(resolvePath(rt))
	}

	var body io.ReadCloser
	if cacheFlag {
		metrics.CacheStatusTotal.WithLabelValues("hit").Inc()
		body, err = h.serveFromCache(ctx, key, res, fetchURL, rng, r.Header)
	} else {
		metrics.CacheStatusTotal.WithLabelValues("passthrough").Inc()
		body, err = h.servePassthrough(ctx, fetchURL, rng, r.Header)
	}
	if err != nil {
		h.Logger.Warnf("serve %s failed mid-setup: %v", key, err)
		return
	}
	defer body.Close()

	if _, err := io.Copy(w, body); err != nil {
		h.Logger.Warnf("serve %s aborted mid-stream: %v", key, err)
	}
}

// ServeMeta answers /api/{models,datasets,spaces}/{org}/{name}[/revision/{rev}]
// [/tree/{rev}/{path}] requests via MetaCache, adding Age/Date/Expires
// headers derived from the entry's fetched_at/ttl, generalized from the
// teacher's postCacheProcessor header derivation.
func (h *Handler) ServeMeta(w http.ResponseWriter, r *http.Request, rt router.Route) {
	repo := rt.Org + "/" + rt.Name
	if !h.Policy.ProxyAllowed(repo) {
		writeError(w, olaherrors.ProxyDenied())
		return
	}

	kind := metaKindFor(rt)
	key := metacache.Key{Kind: kind, RepoType: string(rt.RepoType), Org: rt.Org, Name: rt.Name, Extra: rt.Revision + ":" + rt.Path}

	entry, err := h.Meta.GetOrFetch(r.Context(), key, h.Offline.IsOffline(), func(fctx context.Context) (metacache.Entry, error) {
		res, merr := h.Upstream.GetMetadata(fctx, metaPathFor(rt), r.Header)
		if merr != nil {
			return metacache.Entry{}, merr
		}
		return metacache.Entry{Body: res.Body, UpstreamTag: res.ETag, TTL: metacache.DefaultTTL(kind)}, nil
	})
	if err != nil {
		writeError(w, olaherrors.AsError(err))
		return
	}

	age := int64(0)
	if !entry.FetchedAt.IsZero() {
		age = int64(time.Since(entry.FetchedAt).Seconds())
		if age < 0 {
			age = 0
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Age", strconv.FormatInt(age, 10))
	w.Header().Set("Date", entry.FetchedAt.UTC().Format(http.TimeFormat))
	if entry.TTL > 0 {
		w.Header().Set("Expires", entry.FetchedAt.Add(entry.TTL).UTC().Format(http.TimeFormat))
	}
	if entry.UpstreamTag != "" {
		w.Header().Set("ETag", entry.UpstreamTag)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

// ServeRaw forwards a request whose shape ChunkCache has no opinion about —
// bare LFS blob fetches and anything router.Classify couldn't place in a
// recognised shape — straight through to the upstream origin, streaming the
// response back untouched. No PolicyEngine or MetaCache involvement: these
// routes carry no repo coordinates to check.
func (h *Handler) ServeRaw(w http.ResponseWriter, r *http.Request, rt router.Route) {
	metrics.CacheStatusTotal.WithLabelValues("passthrough").Inc()

	path := rt.Path
	if rt.Kind == router.KindLFS {
		base := h.LFSBase
		if base == "" {
			base = "/lfs/"
		}
		path = base + rt.Path
	}
	resp, err := h.Upstream.Forward(r.Context(), r.Method, path, r.Header)
	if err != nil {
		writeError(w, olaherrors.AsError(err))
		return
	}
	defer resp.Body.Close()

	xhttp.CopyHeader(w.Header(), resp.Header)
	xhttp.RemoveHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, resp.Body); err != nil {
			h.Logger.Warnf("serve raw %s aborted mid-stream: %v", rt.Path, err)
		}
	}
}

func metaKindFor(rt router.Route) metacache.Kind {
	if rt.Path != "" {
		return metacache.KindTreeListing
	}
	switch rt.RepoType {
	case cachekey.Dataset:
		return metacache.KindDatasetInfo
	case cachekey.Space:
		return metacache.KindSpaceInfo
	default:
		return metacache.KindModelInfo
	}
}

func metaPathFor(rt router.Route) string {
	p := "/api/" + rt.RepoType.Plural() + "/" + rt.Org + "/" + rt.Name
	switch {
	case rt.Path != "":
		p += "/tree/" + rt.Revision + "/" + rt.Path
	case rt.Revision != "":
		p += "/revision/" + rt.Revision
	}
	return p
}

// serveFromCache implements states 4, 6 and 7 of the ServeLoop when
// cache_flag is true: acquire the BlockFile, fill and stream one block at a
// time so the client starts receiving bytes before the whole range is
// resident, then finalize on full-file completion.
func (h *Handler) serveFromCache(ctx context.Context, key cachekey.Key, res resolved, fetchURL string, rng xhttp.Range, inHeaders http.Header) (io.ReadCloser, error) {
	handle, err := h.Chunks.Acquire(ctx, key, uint64(res.size), res.digest, res.etag)
	if err != nil {
		return nil, err
	}

	bf := handle.BlockFile()
	blockSize := int64(bf.BlockSize())
	firstBlock := rng.Start / blockSize
	lastBlock := rng.End / blockSize

	fetcher := func(fctx context.Context, blockOff, blockLen int64) ([]byte, error) {
		rr, err := h.Upstream.GetRange(fctx, fetchURL, blockOff, blockLen, inHeaders)
		if err != nil {
			return nil, err
		}
		defer rr.Body.Close()
		if rr.Whole {
			data, err := io.ReadAll(rr.Body)
			if err != nil {
				return nil, err
			}
			end := blockOff + blockLen
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			return data[blockOff:end], nil
		}
		return io.ReadAll(rr.Body)
	}

	var parts []io.ReadCloser
	for idx := firstBlock; idx <= lastBlock; idx++ {
		idx := idx
		blockOff := idx * blockSize
		blockLen := int64(bf.BlockLen(uint32(idx)))

		readStart := max64(rng.Start, blockOff)
		readEnd := min64(rng.End, blockOff+blockLen-1)

		parts = append(parts, &lazyBlockReader{
			ctx:     ctx,
			handle:  handle,
			chunks:  h.Chunks,
			idx:     uint32(idx),
			blockOff: blockOff,
			blockLen: blockLen,
			readOff: readStart,
			readLen: readEnd - readStart + 1,
			fetcher: fetcher,
		})
	}

	whole := firstBlock == 0 && lastBlock == int64(bf.BlockCount())-1
	closer := releaseCloser{handle: handle, finalize: whole, logger: h.Logger}
	return iobuf.PartsReader(closer, parts...), nil
}

// servePassthrough implements state 6's no-cache branch: a direct upstream
// range GET with no disk writes.
func (h *Handler) servePassthrough(ctx context.Context, fetchURL string, rng xhttp.Range, inHeaders http.Header) (io.ReadCloser, error) {
	rr, err := h.Upstream.GetRange(ctx, fetchURL, rng.Start, rng.Length(), inHeaders)
	if err != nil {
		return nil, err
	}
	if rr.Whole {
		return iobuf.LimitReadCloser(&skipReader{r: rr.Body, skip: rng.Start}, rng.Length()), nil
	}
	return rr.Body, nil
}

// resolveRevision implements state 2.
func (h *Handler) resolveRevision(ctx context.Context, rt router.Route) (resolved, error) {
	if commitHashPattern.MatchString(rt.Revision) {
		if e, ok := h.lookupResolved(rt, rt.Revision); ok {
			return e, nil
		}
	}

	key := metacache.Key{Kind: metacache.KindResolveHead, RepoType: string(rt.RepoType), Org: rt.Org, Name: rt.Name, Extra: rt.Revision}
	entry, err := h.Meta.GetOrFetch(ctx, key, h.Offline.IsOffline(), func(fctx context.Context) (metacache.Entry, error) {
		head, herr := h.Upstream.HeadFile(fctx, resolvePath(rt), http.Header{})
		if herr != nil {
			return metacache.Entry{}, herr
		}
		body, merr := json.Marshal(resolveHeadPayload{
			Commit: head.CommitHash,
			Size:   head.Size,
			ETag:   head.ETag,
			Digest: head.Digest,
			LFSURL: head.RedirectURL,
		})
		if merr != nil {
			return metacache.Entry{}, merr
		}
		return metacache.Entry{Body: body, UpstreamTag: head.ETag, TTL: metacache.DefaultTTL(metacache.KindResolveHead)}, nil
	})
	if err != nil {
		return resolved{}, err
	}

	var payload resolveHeadPayload
	if err := json.Unmarshal(entry.Body, &payload); err != nil {
		return resolved{}, olaherrors.Unexpected(err)
	}

	var digest []byte
	if payload.Digest != "" {
		if d, derr := hex.DecodeString(payload.Digest); derr == nil {
			digest = d
		}
	}

	return resolved{commit: payload.Commit, size: payload.Size, etag: payload.ETag, digest: digest, lfsURL: payload.LFSURL}, nil
}

type resolveHeadPayload struct {
	Commit string `json:"commit"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
	Digest string `json:"digest,omitempty"`
	LFSURL string `json:"lfs_url,omitempty"`
}

func (h *Handler) lookupResolved(rt router.Route, commit string) (resolved, bool) {
	key := metacache.Key{Kind: metacache.KindResolveHead, RepoType: string(rt.RepoType), Org: rt.Org, Name: rt.Name, Extra: commit}
	entry, ok := func() (metacache.Entry, bool) {
		e, err := h.Meta.GetOrFetch(context.Background(), key, true, func(context.Context) (metacache.Entry, error) {
			return metacache.Entry{}, fmt.Errorf("no cached entry")
		})
		return e, err == nil
	}()
	if !ok {
		return resolved{}, false
	}
	var payload resolveHeadPayload
	if err := json.Unmarshal(entry.Body, &payload); err != nil {
		return resolved{}, false
	}
	var digest []byte
	if payload.Digest != "" {
		if d, derr := hex.DecodeString(payload.Digest); derr == nil {
			digest = d
		}
	}
	return resolved{commit: payload.Commit, size: payload.Size, etag: payload.ETag, digest: digest, lfsURL: payload.LFSURL}, true
}

func resolvePath(rt router.Route) string {
	return "/" + rt.Org + "/" + rt.Name + "/resolve/" + rt.Revision + "/" + rt.Path
}

// lazyBlockReader fills its block on first Read, implementing the ServeLoop
// wait-then-stream semantics per block rather than up front for the whole
// range.
type lazyBlockReader struct {
	ctx      context.Context
	handle   *chunkcache.Handle
	chunks   *chunkcache.Cache
	idx      uint32
	blockOff int64
	blockLen int64
	readOff  int64
	readLen  int64
	fetcher  chunkcache.Fetcher

	inner io.ReadCloser
}

func (l *lazyBlockReader) fill() error {
	if l.inner != nil {
		return nil
	}
	if err := l.chunks.FillRange(l.ctx, l.handle, l.blockOff, l.blockLen, l.fetcher); err != nil {
		return err
	}
	r, err := l.chunks.StreamRange(l.handle, l.readOff, l.readLen)
	if err != nil {
		return err
	}
	l.inner = r
	return nil
}

func (l *lazyBlockReader) Read(p []byte) (int, error) {
	if err := l.fill(); err != nil {
		return 0, err
	}
	return l.inner.Read(p)
}

func (l *lazyBlockReader) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}

// releaseCloser releases the ChunkCache handle once the whole response has
// been streamed, finalizing the BlockFile when the request covered the
// entire file.
type releaseCloser struct {
	handle   *chunkcache.Handle
	finalize bool
	logger   *logutil.Helper
}

func (c releaseCloser) Close() error {
	defer c.handle.Release()
	if c.finalize {
		if err := c.handle.BlockFile().Finalize(); err != nil {
			c.logger.Warnf("finalize failed: %v", err)
			return err
		}
	}
	return nil
}

// skipReader discards the first skip bytes of r before yielding any data,
// used when upstream ignores Range and returns a whole-file 200.
type skipReader struct {
	r    io.ReadCloser
	skip int64
}

func (s *skipReader) Close() error { return s.r.Close() }

func (s *skipReader) Read(p []byte) (int, error) {
	for s.skip > 0 {
		buf := p
		if int64(len(buf)) > s.skip {
			buf = buf[:s.skip]
		}
		n, err := s.r.Read(buf)
		s.skip -= int64(n)
		if err != nil {
			return 0, err
		}
	}
	return s.r.Read(p)
}

func writeError(w http.ResponseWriter, e *olaherrors.Error) {
	for k, vv := range e.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	body, _ := json.Marshal(olaherrors.Body{Error: string(e.Kind), Detail: e.Error()})
	_, _ = w.Write(body)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
