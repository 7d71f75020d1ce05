//Package incrementalcache is an incremental, tag-addressable cache for
// rendered artifacts produced by a request-serving pipeline.
//
// Artifacts are held in two tiers, a process-wide size-bounded memory tier and
// a file-backed persistent tier shared between processes. Cohorts of artifacts
// are invalidated by tag through a shared revalidation manifest instead of
// scanning every entry.
package incrementalcache

import (
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timodwhit/incrementalcache/layer"
	"github.com/timodwhit/incrementalcache/manifest"
)

//CacheTagsHeader is the stored response header carrying the comma separated
// tag list of a page or route artifact
const CacheTagsHeader = "x-cache-tags"

//Context carries the request-time inputs that shape a single cache operation
type Context struct {

	//Tags are the primary cache tags of the current request
	Tags []string

	//SoftTags influence staleness checks but were not the tags the entry was
	// originally written under
	SoftTags []string

	//Kind is the artifact kind expected for the key, it selects the on-disk
	// layout of persistent reads
	Kind Kind

	//ContinuationEnabled is true when partial-render continuation is enabled
	// for the route
	ContinuationEnabled bool

	//IsFallback marks reads and writes of placeholder artifacts which have no
	// per-request data payload
	IsFallback bool

	//IsPrefetch selects the prefetch-oriented data payload of app-style pages
	IsPrefetch bool
}

//Cache is the public entry point, it composes the memory tier, the persistent
// tier and the tags manifest into the get/set/revalidate protocol.
type Cache struct {
	memory *layer.Cache[string, *CacheEntry]
	disk   *fileStore
	tags   *manifest.Store

	flushToDisk bool

	//revalidated lists tags explicitly revalidated in the current execution
	// cycle, supplied by the pipeline at construction
	revalidated []string

	logger *logrus.Logger

	now func() time.Time
}

//New creates a cache from the given config.
// The tags manifest is loaded synchronously here, before any concurrent access
// to the cache is possible.
func New(config Config) *Cache {
	logger := config.Logger
	if logger == nil {
		logger = logrus.New()
	}

	cache := &Cache{
		memory:      sharedMemoryTier(config.MaxMemoryCacheSize),
		flushToDisk: config.FlushToDisk,
		revalidated: config.RevalidatedTags,
		logger:      logger,
		now:         time.Now,
	}

	if config.FS != nil {
		cache.disk = &fileStore{
			fs:         config.FS,
			serverDist: config.ServerDist,
			cacheDir:   config.CacheDir,
			logger:     logger,
		}

		cache.tags = manifest.NewStore(config.FS, ManifestPath(config.CacheDir), logger)
		cache.tags.LoadSync()
	}

	return cache
}

//Get returns the cached entry for key, or nil if nothing usable is cached.
// A nil entry with a nil error is an ordinary miss, read failures of the
// persistent tier are folded into it. A non-nil error only occurs when a
// write-back triggered by the fetch tag-union protocol fails.
func (c *Cache) Get(key string, ctx *Context) (*CacheEntry, error) {
	if ctx == nil {
		ctx = &Context{}
	}

	var entry *CacheEntry
	fromDisk := false

	if c.memory != nil {
		if cached, found := c.memory.Get(key); found {
			entry = cached
		}
	}

	if entry == nil && c.disk != nil {
		entry = c.disk.read(key, ctx.Kind, ctx.IsPrefetch, ctx.IsFallback)
		if entry != nil {
			fromDisk = true

			if c.memory != nil {
				c.memory.Set(key, entry)
			}
		}
	}

	if entry == nil {
		return nil, nil
	}

	if fetch, isFetch := entry.Value.(*FetchResult); isFetch {
		return c.checkFetchEntry(key, entry, fetch, ctx, fromDisk)
	}

	//A partially rendered page is only usable when the caller can resume the
	// continuation
	if page, isPage := entry.Value.(*StaticPage); isPage && page.Postponed != "" && !ctx.ContinuationEnabled {
		return nil, nil
	}

	if c.isStaleByHeaderTags(key, entry) {
		return nil, nil
	}

	return entry, nil
}

//checkFetchEntry applies the fetch specific parts of the get protocol
func (c *Cache) checkFetchEntry(key string, entry *CacheEntry, fetch *FetchResult, ctx *Context, fromDisk bool) (*CacheEntry, error) {
	//A fetch entry read from disk is only usable if updates to it can be
	// persisted as well
	if fromDisk && !c.flushToDisk {
		return nil, nil
	}

	//Keep the stored tag set a superset of every observer's tags, a freshly
	// read entry missing some of the requested tags is written back with the
	// union
	if fromDisk && !containsAll(fetch.Tags, ctx.Tags) {
		union := unionTags(fetch.Tags, ctx.Tags)

		updated := *fetch
		updated.Tags = union

		writeBackCtx := *ctx
		writeBackCtx.Tags = union

		if err := c.Set(key, &updated, &writeBackCtx); err != nil {
			return nil, err
		}

		entry = &CacheEntry{LastModified: entry.LastModified, Value: &updated}
	}

	//A fetch entry must never be served past an explicit revalidation of any
	// of its observed tags
	for _, tag := range unionTags(ctx.Tags, ctx.SoftTags) {
		if slices.Contains(c.revalidated, tag) || c.tagRevalidatedSince(tag, entry.LastModified) {
			c.logger.WithFields(logrus.Fields{
				"cache-key": key,
				"tag":       tag,
			}).Debug("Discarding fetch entry revalidated by tag")

			if c.memory != nil {
				c.memory.Remove(key)
			}

			return nil, nil
		}
	}

	return entry, nil
}

//isStaleByHeaderTags checks a page or route entry against the tags recorded in
// its stored cache tags header
func (c *Cache) isStaleByHeaderTags(key string, entry *CacheEntry) bool {
	var headers map[string]string

	switch v := entry.Value.(type) {
	case *StaticPage:
		headers = v.Headers
	case *RouteResponse:
		headers = v.Headers
	default:
		//Recorded miss, nothing to check
		return false
	}

	for _, tag := range strings.Split(headers[CacheTagsHeader], ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		if c.tagRevalidatedSince(tag, entry.LastModified) {
			c.logger.WithFields(logrus.Fields{
				"cache-key": key,
				"tag":       tag,
			}).Debug("Discarding entry stale by tag")

			return true
		}
	}

	return false
}

//tagRevalidatedSince reports whether tag was revalidated at or after the
// given freshness baseline. A revalidation landing on the exact same
// timestamp as the write still invalidates it.
func (c *Cache) tagRevalidatedSince(tag string, lastModified time.Time) bool {
	if c.tags == nil {
		return false
	}

	revalidatedAt, found := c.tags.RevalidatedAt(tag)
	return found && revalidatedAt >= lastModified.UnixMilli()
}

//Set stores the artifact under key in both tiers.
// The memory tier is always written, timestamped now. The persistent tier is
// written only when enabled and when v is not nil, a nil artifact records a
// miss in the memory tier.
// Write failures of the persistent tier propagate, they indicate an unusable
// storage configuration.
func (c *Cache) Set(key string, v Artifact, ctx *Context) error {
	if ctx == nil {
		ctx = &Context{}
	}

	if c.memory != nil {
		c.memory.Set(key, &CacheEntry{
			LastModified: c.now(),
			Value:        v,
		})
	}

	if !c.flushToDisk || c.disk == nil || v == nil {
		return nil
	}

	return c.disk.write(key, v, ctx)
}

//RevalidateTag marks every given tag as revalidated now in the shared tags
// manifest. Calling it without tags is a no-op.
// A failed manifest write is logged and swallowed, it must not fail the
// triggering request.
func (c *Cache) RevalidateTag(tags ...string) {
	if len(tags) == 0 || c.tags == nil {
		return
	}

	c.tags.RecordRevalidation(tags, c.now())
}

//ResetRequestCache is a per-request teardown hook.
// The cache keeps no per-request state, the hook exists for pipelines that
// call it unconditionally between requests.
func (c *Cache) ResetRequestCache() {}

//containsAll reports whether every element of want is present in have
func containsAll(have, want []string) bool {
	for _, tag := range want {
		if !slices.Contains(have, tag) {
			return false
		}
	}

	return true
}

//unionTags returns the elements of a followed by the elements of b not
// already present, preserving order
func unionTags(a, b []string) []string {
	union := make([]string, 0, len(a)+len(b))
	union = append(union, a...)

	for _, tag := range b {
		if !slices.Contains(union, tag) {
			union = append(union, tag)
		}
	}

	return union
}
