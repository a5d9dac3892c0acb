// Package metacache caches small upstream JSON/text metadata responses
// (repo info, revision resolution, tree listings) with a soft TTL: an
// expired entry is still served when upstream is unreachable. Grounded on
// the teacher's storage/indexdb pebble-backed Lookup/Store pattern, with
// per-key single-flight coalescing adapted from proxy/proxy.go's call
// shape onto golang.org/x/sync/singleflight.
package metacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	olaherrors "github.com/sigtrap/olah/internal/errors"
	"github.com/sigtrap/olah/internal/logutil"
)

// Kind identifies the shape of a cached metadata response.
type Kind string

const (
	KindModelInfo   Kind = "api_model_info"
	KindDatasetInfo Kind = "api_dataset_info"
	KindSpaceInfo   Kind = "api_space_info"
	KindResolveHead Kind = "resolve_head"
	KindTreeListing Kind = "tree_listing"
)

// Key identifies one cached metadata entry.
type Key struct {
	Kind     Kind
	RepoType string
	Org      string
	Name     string
	Extra    string // revision, tree path, or other qualifier
}

func (k Key) diskName() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s/%s/%s", k.Kind, k.RepoType, k.Org, k.Name, k.Extra)))
	return hex.EncodeToString(sum[:])
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s/%s/%s:%s", k.Kind, k.RepoType, k.Org, k.Name, k.Extra)
}

// Entry is one stored metadata response.
type Entry struct {
	Body        []byte    `json:"body"`
	UpstreamTag string    `json:"upstream_etag"`
	FetchedAt   time.Time `json:"fetched_at"`
	TTL         time.Duration `json:"ttl"`
}

func (e Entry) fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Fetcher retrieves a fresh Entry from upstream.
type Fetcher func(ctx context.Context) (Entry, error)

// Cache is the metadata store.
type Cache struct {
	db     *pebble.DB
	flight singleflight.Group

	mu  sync.RWMutex
	mem map[string]Entry

	logger *logutil.Helper
}

// Open opens (or creates) the on-disk metadata store rooted at dir.
func Open(dir string) (*Cache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("metacache: open: %w", err)
	}
	return &Cache{
		db:     db,
		mem:    make(map[string]Entry),
		logger: logutil.NewHelper(logutil.GetLogger()),
	}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// GetOrFetch returns the fresh cached value for key, calling fetcher on a
// miss or expiry. If fetcher fails and a stale entry exists, the stale
// entry is returned and the failure logged. Concurrent calls for the same
// key coalesce onto a single fetcher invocation. When offline is true,
// fetcher is never called; a stale entry (or an OfflineMiss error when
// there is none) is returned instead.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, offline bool, fetcher Fetcher) (Entry, error) {
	now := time.Now()

	if e, ok := c.lookup(key); ok {
		if e.fresh(now) {
			return e, nil
		}
		if offline {
			c.logger.Warnf("metacache: serving stale entry offline key=%s", key)
			return e, nil
		}
	} else if offline {
		return Entry{}, olaherrors.OfflineMiss()
	}

	v, err, _ := c.flight.Do(key.String(), func() (any, error) {
		fresh, ferr := fetcher(ctx)
		if ferr != nil {
			if stale, ok := c.lookup(key); ok {
				c.logger.Warnf("metacache: fetch failed for %s, serving stale: %v", key, ferr)
				return stale, nil
			}
			return Entry{}, ferr
		}
		fresh.FetchedAt = now
		if err := c.store(key, fresh); err != nil {
			return fresh, err
		}
		return fresh, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Invalidate drops the entry for key, if any.
func (c *Cache) Invalidate(key Key) error {
	c.mu.Lock()
	delete(c.mem, key.String())
	c.mu.Unlock()
	return c.db.Delete([]byte(key.diskName()), pebble.Sync)
}

func (c *Cache) lookup(key Key) (Entry, bool) {
	ks := key.String()
	c.mu.RLock()
	if e, ok := c.mem[ks]; ok {
		c.mu.RUnlock()
		return e, true
	}
	c.mu.RUnlock()

	raw, closer, err := c.db.Get([]byte(key.diskName()))
	if err != nil {
		return Entry{}, false
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}

	c.mu.Lock()
	c.mem[ks] = e
	c.mu.Unlock()
	return e, true
}

func (c *Cache) store(key Key, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.db.Set([]byte(key.diskName()), buf, pebble.Sync); err != nil {
		return err
	}
	c.mu.Lock()
	c.mem[key.String()] = e
	c.mu.Unlock()
	return nil
}

// DefaultTTL returns the built-in default TTL for a metadata kind. No
// configuration setting overrides these values.
func DefaultTTL(kind Kind) time.Duration {
	switch kind {
	case KindModelInfo, KindDatasetInfo, KindSpaceInfo:
		return 5 * time.Minute
	case KindResolveHead:
		return time.Minute
	case KindTreeListing:
		return 5 * time.Minute
	default:
		return time.Minute
	}
}
