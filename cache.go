package cloudvfs

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ============================================================================
// Clock
// ============================================================================

// Clock supplies the current time to the caches.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ============================================================================
// Directory Cache
// ============================================================================

// ListingSchemaVersion is bumped whenever the cached Listing shape changes.
// Entries written under an older version read as misses.
const ListingSchemaVersion = 2

type dirKey struct {
	mountID string
	subPath string
}

type dirEntry struct {
	listing *Listing
	expires time.Time
	schema  int
}

// DirCache caches directory listings per (mount, sub-path). All entries of a
// mount are dropped together by Invalidate.
type DirCache struct {
	clock   Clock
	metrics *Metrics

	mu      sync.Mutex
	entries *lru.Cache[dirKey, dirEntry]
	// byMount indexes live keys so Invalidate touches only one mount
	byMount map[string]map[string]struct{}
}

// NewDirCache creates a directory cache holding at most size listings.
func NewDirCache(size int, clock Clock, metrics *Metrics) (*DirCache, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	c := &DirCache{
		clock:   clock,
		metrics: metrics,
		byMount: make(map[string]map[string]struct{}),
	}
	entries, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	c.entries = entries
	return c, nil
}

// onEvict runs inside Add and Remove, which are only called with mu held.
func (c *DirCache) onEvict(k dirKey, _ dirEntry) {
	paths := c.byMount[k.mountID]
	delete(paths, k.subPath)
	if len(paths) == 0 {
		delete(c.byMount, k.mountID)
	}
}

// Get returns a copy of the cached listing when it is present, unexpired and
// of the current schema version.
func (c *DirCache) Get(mountID, subPath string) (*Listing, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := dirKey{mountID, subPath}
	e, ok := c.entries.Get(k)
	if ok && (e.schema != ListingSchemaVersion || !c.clock.Now().Before(e.expires)) {
		c.entries.Remove(k)
		ok = false
	}
	c.metrics.CacheLookup("dir", ok)
	if !ok {
		return nil, false
	}
	return cloneListing(e.listing), true
}

// Set stores listing until now+ttl. A non-positive ttl disables caching.
func (c *DirCache) Set(mountID, subPath string, listing *Listing, ttl time.Duration) {
	c.set(mountID, subPath, listing, ttl, ListingSchemaVersion)
}

func (c *DirCache) set(mountID, subPath string, listing *Listing, ttl time.Duration, schema int) {
	if c == nil || ttl <= 0 || listing == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(dirKey{mountID, subPath}, dirEntry{
		listing: cloneListing(listing),
		expires: c.clock.Now().Add(ttl),
		schema:  schema,
	})
	paths, ok := c.byMount[mountID]
	if !ok {
		paths = make(map[string]struct{})
		c.byMount[mountID] = paths
	}
	paths[subPath] = struct{}{}
}

// Invalidate drops every cached listing of mountID.
func (c *DirCache) Invalidate(mountID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := c.byMount[mountID]
	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	for _, p := range keys {
		c.entries.Remove(dirKey{mountID, p})
	}
	delete(c.byMount, mountID)
}

// Len returns the number of cached listings, expired ones included.
func (c *DirCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func cloneListing(l *Listing) *Listing {
	out := *l
	out.Items = append([]FileInfo(nil), l.Items...)
	return &out
}

// ============================================================================
// Presigned URL Cache
// ============================================================================

// URLCacheMargin is subtracted from a URL's expiry so a cached URL is never
// handed out moments before it stops working.
const URLCacheMargin = time.Minute

// URLKey identifies one cached signed URL.
type URLKey struct {
	AccountID     string
	Key           string
	ForceDownload bool
	CallerType    CallerType
	CallerID      string
}

func (k URLKey) hash() uint64 {
	d := xxhash.New()
	for _, part := range []string{k.AccountID, k.Key, strconv.FormatBool(k.ForceDownload), string(k.CallerType), k.CallerID} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

type urlEntry struct {
	key     URLKey
	url     PresignedURL
	expires time.Time
}

// URLCache caches signed download URLs per account, object and caller.
type URLCache struct {
	clock   Clock
	metrics *Metrics
	maxTTL  time.Duration

	mu        sync.Mutex
	entries   *lru.Cache[uint64, urlEntry]
	byAccount map[string]map[uint64]struct{}
}

// NewURLCache creates a URL cache holding at most size URLs, none longer
// than maxTTL.
func NewURLCache(size int, maxTTL time.Duration, clock Clock, metrics *Metrics) (*URLCache, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	c := &URLCache{
		clock:     clock,
		metrics:   metrics,
		maxTTL:    maxTTL,
		byAccount: make(map[string]map[uint64]struct{}),
	}
	entries, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	c.entries = entries
	return c, nil
}

func (c *URLCache) onEvict(h uint64, e urlEntry) {
	hashes := c.byAccount[e.key.AccountID]
	delete(hashes, h)
	if len(hashes) == 0 {
		delete(c.byAccount, e.key.AccountID)
	}
}

// Get returns the cached URL for k if it is still fresh.
func (c *URLCache) Get(k URLKey) (*PresignedURL, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h := k.hash()
	e, ok := c.entries.Get(h)
	if ok && e.key != k {
		ok = false
	} else if ok && !c.clock.Now().Before(e.expires) {
		c.entries.Remove(h)
		ok = false
	}
	c.metrics.CacheLookup("url", ok)
	if !ok {
		return nil, false
	}
	u := e.url
	u.Cached = true
	return &u, true
}

// Set caches u until min(u.ExpiresAt-URLCacheMargin, now+maxTTL).
func (c *URLCache) Set(k URLKey, u PresignedURL) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	expires := u.ExpiresAt.Add(-URLCacheMargin)
	if c.maxTTL > 0 && now.Add(c.maxTTL).Before(expires) {
		expires = now.Add(c.maxTTL)
	}
	if !now.Before(expires) {
		return
	}

	h := k.hash()
	c.entries.Add(h, urlEntry{key: k, url: u, expires: expires})
	hashes, ok := c.byAccount[k.AccountID]
	if !ok {
		hashes = make(map[uint64]struct{})
		c.byAccount[k.AccountID] = hashes
	}
	hashes[h] = struct{}{}
}

// Invalidate drops every cached URL of accountID.
func (c *URLCache) Invalidate(accountID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := c.byAccount[accountID]
	keys := make([]uint64, 0, len(hashes))
	for h := range hashes {
		keys = append(keys, h)
	}
	for _, h := range keys {
		c.entries.Remove(h)
	}
	delete(c.byAccount, accountID)
}
