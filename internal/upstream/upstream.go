// Package upstream issues HTTP requests to the upstream hub and LFS CDN and
// adapts their responses into the shapes FileHandler needs. Grounded on the
// teacher's proxy/proxy.go http.Client construction (timeouts, brotli
// decompression) and pkg/x/http/header.go's hop-by-hop stripping, with the
// teacher's selector-based node pool dropped since Olah talks to exactly
// two fixed origins rather than a pool (see DESIGN.md).
package upstream

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	olaherrors "github.com/sigtrap/olah/internal/errors"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/internal/offlineguard"
	"github.com/sigtrap/olah/internal/xhttp"
)

// Config configures a Client.
type Config struct {
	HubBaseURL string // e.g. https://huggingface.co
	LFSBaseURL string // e.g. https://cdn-lfs.huggingface.co; Client does not read it and follows whatever redirect upstream returns
	MaxRetries int    // default 5
	Timeout    time.Duration
	Logger     *logutil.Helper
	Offline    *offlineguard.Guard // checked before every request; nil means never offline
}

// Client issues requests against the hub and LFS origins.
type Client struct {
	cfg     Config
	client  *http.Client
	logger  *logutil.Helper
	offline *offlineguard.Guard
}

// New builds a Client from cfg, filling in defaults.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logutil.NewHelper(logutil.GetLogger())
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxConnsPerHost:       100,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true, // we decompress ourselves to inspect Content-Encoding
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("upstream: stopped after 10 redirects")
				}
				return nil
			},
		},
		logger:  cfg.Logger,
		offline: cfg.Offline,
	}
}

// HubURLFor returns the absolute hub URL for a request path, for callers
// that need to build a GetRange url explicitly (e.g. a non-LFS resolve path).
func (c *Client) HubURLFor(path string) string {
	return c.cfg.HubBaseURL + path
}

// Forward issues method against rawURL (used as-is if absolute, otherwise
// resolved against the hub origin) and returns the raw response for the
// caller to stream back untouched. Used for LFS byte-range requests and the
// catch-all passthrough route, neither of which go through ChunkCache.
func (c *Client) Forward(ctx context.Context, method, rawURL string, headers http.Header) (*http.Response, error) {
	url := rawURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.cfg.HubBaseURL + rawURL
	}
	req, err := c.newRequest(ctx, method, url, headers)
	if err != nil {
		return nil, err
	}
	if rng := headers.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	req.Header.Set("Accept-Encoding", "identity")
	return c.doWithRetry(req)
}

// HeadResult is the outcome of a HEAD file request.
type HeadResult struct {
	Status      int
	Size        int64
	ETag        string
	Digest      string // x-linked-etag / sha256 header, if present
	CommitHash  string
	RedirectURL string // set when upstream redirected to the LFS CDN
}

// HeadFile issues a HEAD request for path against the hub, following
// redirects and recording the final LFS CDN URL if one occurs.
func (c *Client) HeadFile(ctx context.Context, path string, headers http.Header) (HeadResult, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.cfg.HubBaseURL+path, headers)
	if err != nil {
		return HeadResult{}, err
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		return HeadResult{}, err
	}
	defer resp.Body.Close()

	result := HeadResult{
		Status:     resp.StatusCode,
		ETag:       resp.Header.Get("ETag"),
		Digest:     resp.Header.Get("X-Linked-ETag"),
		CommitHash: resp.Header.Get("X-Repo-Commit"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			result.Size = n
		}
	}
	// The client follows redirects itself, so the final URL is on resp.Request.
	if final := resp.Request; final != nil && final.URL.String() != req.URL.String() {
		result.RedirectURL = final.URL.String()
	}

	if err := c.statusToError(resp.StatusCode); err != nil {
		return result, err
	}
	return result, nil
}

// RangeResult is the outcome of a ranged GET file request.
type RangeResult struct {
	Body  io.ReadCloser
	Size  int64 // authoritative total size, from Content-Range or Content-Length
	ETag  string
	Whole bool // true if upstream ignored Range and returned 200
}

// GetRange issues a ranged GET against url (hub or LFS CDN) for
// [off, off+length). If upstream returns 200 instead of 206, Whole is set
// and the caller must slice the body itself.
func (c *Client) GetRange(ctx context.Context, url string, off, length int64, headers http.Header) (RangeResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, headers)
	if err != nil {
		return RangeResult{}, err
	}
	rng := xhttp.Range{Start: off, End: off + length - 1}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))

	resp, err := c.doWithRetry(req)
	if err != nil {
		return RangeResult{}, err
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return RangeResult{}, olaherrors.UnsatisfiableRange()
	}
	if err := c.statusToError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return RangeResult{}, err
	}

	body := c.decompress(resp)
	result := RangeResult{Body: body, ETag: resp.Header.Get("ETag")}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, total, perr := parseContentRangeTotal(cr); perr == nil {
				result.Size = total
			}
		}
	default: // 200: upstream ignored Range
		result.Whole = true
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				result.Size = n
			}
		}
	}
	return result, nil
}

// MetaResult is the outcome of a metadata GET (repo info, tree listing).
type MetaResult struct {
	Status       int
	Body         []byte
	ETag         string
	CacheControl string
}

// GetMetadata issues a metadata GET against path on the hub.
func (c *Client) GetMetadata(ctx context.Context, path string, headers http.Header) (MetaResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.HubBaseURL+path, headers)
	if err != nil {
		return MetaResult{}, err
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		return MetaResult{}, err
	}
	defer resp.Body.Close()

	if err := c.statusToError(resp.StatusCode); err != nil {
		return MetaResult{Status: resp.StatusCode}, err
	}

	body := c.decompress(resp)
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return MetaResult{}, err
	}

	return MetaResult{
		Status:       resp.StatusCode,
		Body:         data,
		ETag:         resp.Header.Get("ETag"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range []string{"Authorization", "User-Agent", "Accept"} {
		if v := headers.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	xhttp.RemoveHopByHopHeaders(req.Header)
	return req, nil
}

// doWithRetry retries transient network errors and 5xx responses with
// exponential backoff and jitter, capped at cfg.MaxRetries attempts. 4xx
// responses are returned immediately without retry. While the process is
// offline, no request ever leaves the process: every call routes through
// here, so this is the single choke point that enforces it.
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	if c.offline != nil && c.offline.IsOffline() {
		return nil, olaherrors.OfflineMiss()
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-req.Context().Done():
				return nil, olaherrors.Cancelled()
			case <-time.After(backoff + jitter):
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, olaherrors.Cancelled()
			}
			lastErr = olaherrors.UpstreamNetwork(err)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = olaherrors.UpstreamHTTP(resp.StatusCode, nil)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) statusToError(status int) error {
	switch {
	case status >= 200 && status < 300, status == http.StatusPartialContent:
		return nil
	case status == http.StatusNotFound:
		return olaherrors.NotFound()
	case status == http.StatusRequestedRangeNotSatisfiable:
		return olaherrors.UnsatisfiableRange()
	case status >= 400 && status < 500:
		return olaherrors.UpstreamHTTP(status, nil)
	case status >= 500:
		return olaherrors.UpstreamHTTP(status, nil)
	default:
		return nil
	}
}

func (c *Client) decompress(resp *http.Response) io.ReadCloser {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return struct {
			io.Reader
			io.Closer
		}{Reader: brotli.NewReader(resp.Body), Closer: resp.Body}
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return struct {
				io.Reader
				io.Closer
			}{Reader: iofailReader{err: err}, Closer: resp.Body}
		}
		return struct {
			io.Reader
			io.Closer
		}{Reader: gz, Closer: resp.Body}
	default:
		return resp.Body
	}
}

// iofailReader reports err on every Read, used when gzip.NewReader itself
// fails so the caller still sees an error instead of silently reading
// compressed bytes.
type iofailReader struct{ err error }

func (r iofailReader) Read([]byte) (int, error) { return 0, r.err }

func parseContentRangeTotal(headerValue string) (rng xhttp.Range, total int64, err error) {
	var start, end, size int64
	n, err := fmt.Sscanf(headerValue, "bytes %d-%d/%d", &start, &end, &size)
	if err != nil || n != 3 {
		return xhttp.Range{}, 0, fmt.Errorf("upstream: malformed Content-Range %q", headerValue)
	}
	return xhttp.Range{Start: start, End: end}, size, nil
}
