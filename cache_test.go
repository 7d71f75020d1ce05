package incrementalcache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

//resetSharedMemory drops the process-wide memory tier so every test starts
// from a clean process state
func resetSharedMemory() {
	sharedMemoryLock.Lock()
	sharedMemory = nil
	sharedMemoryLock.Unlock()
}

func newTestCache(t *testing.T, fs billy.Filesystem, mutate func(*Config)) *Cache {
	t.Helper()
	resetSharedMemory()

	config := Config{
		FS:                 fs,
		ServerDist:         "/dist",
		CacheDir:           "/cache",
		MaxMemoryCacheSize: 1 << 20,
		FlushToDisk:        true,
		Logger:             quietLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}

	return New(config)
}

func testPage(tags string) *StaticPage {
	return &StaticPage{
		Body:      []byte("<html>rendered</html>"),
		Data:      []byte(`{"props":{}}`),
		Headers:   map[string]string{CacheTagsHeader: tags},
		Status:    200,
		AppRouter: true,
	}
}

func TestSetThenGetReturnsEntryUnchanged(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)
	ctx := &Context{Kind: KindApp}

	page := testPage("products")
	require.NoError(t, cache.Set("/products", page, ctx))

	entry, err := cache.Get("/products", ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, ok := entry.Value.(*StaticPage)
	require.True(t, ok, "expected a StaticPage, got %T", entry.Value)
	assert.Equal(t, page.Body, got.Body)
	assert.Equal(t, page.Data, got.Data)
	assert.Equal(t, page.Headers, got.Headers)
	assert.Equal(t, page.Status, got.Status)
}

func TestPageStaleAfterTagRevalidation(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)
	ctx := &Context{Kind: KindApp}

	require.NoError(t, cache.Set("/products", testPage("products"), ctx))

	cache.RevalidateTag("products")

	entry, err := cache.Get("/products", ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "entry tagged with a revalidated tag must not be served")
}

func TestPageFreshWithoutRevalidation(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)
	ctx := &Context{Kind: KindApp}

	require.NoError(t, cache.Set("/products", testPage("products"), ctx))

	cache.RevalidateTag("unrelated")

	entry, err := cache.Get("/products", ctx)
	require.NoError(t, err)
	assert.NotNil(t, entry, "revalidating an unrelated tag must not stale the entry")
}

func TestRevalidationBoundaryEqualTimestampsIsStale(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)

	//Freeze the clock so the write and the revalidation land on the exact
	//same timestamp
	frozen := time.UnixMilli(100)
	cache.now = func() time.Time { return frozen }

	ctx := &Context{Kind: KindApp}
	require.NoError(t, cache.Set("/products", testPage("products"), ctx))

	cache.RevalidateTag("products")

	entry, err := cache.Get("/products", ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "a revalidation at the write timestamp still invalidates")
}

func TestFetchStaleAfterTagRevalidation(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)
	ctx := &Context{Kind: KindFetch, Tags: []string{"products"}}

	fetch := &FetchResult{Value: json.RawMessage(`{"body":"cached"}`), Tags: []string{"products"}}
	require.NoError(t, cache.Set("fetch-key", fetch, ctx))

	cache.RevalidateTag("products")

	entry, err := cache.Get("fetch-key", ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "fetch entries must never be served past a revalidation")
}

func TestFetchStaleBySoftTagInRevalidatedList(t *testing.T) {
	cache := newTestCache(t, memfs.New(), func(config *Config) {
		config.RevalidatedTags = []string{"layout"}
	})

	setCtx := &Context{Kind: KindFetch, Tags: []string{"products"}}
	fetch := &FetchResult{Value: json.RawMessage(`{"body":"cached"}`), Tags: []string{"products"}}
	require.NoError(t, cache.Set("fetch-key", fetch, setCtx))

	getCtx := &Context{Kind: KindFetch, Tags: []string{"products"}, SoftTags: []string{"layout"}}
	entry, err := cache.Get("fetch-key", getCtx)
	require.NoError(t, err)
	assert.Nil(t, entry, "a soft tag in the request-cycle revalidation list discards the entry")
}

func TestFetchTagUnionOnMismatch(t *testing.T) {
	fs := memfs.New()

	writer := newTestCache(t, fs, nil)
	setCtx := &Context{Kind: KindFetch, Tags: []string{"a"}}
	fetch := &FetchResult{Value: json.RawMessage(`{"body":"cached"}`)}
	require.NoError(t, writer.Set("fetch-key", fetch, setCtx))

	//A cache without a memory tier reads the entry back from disk
	reader := newTestCache(t, fs, func(config *Config) {
		config.MaxMemoryCacheSize = 0
	})

	entry, err := reader.Get("fetch-key", &Context{Kind: KindFetch, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, ok := entry.Value.(*FetchResult)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got.Tags)

	//The union must have been written back to the stored file
	data, err := util.ReadFile(fs, "/cache/fetch-cache/fetch-key")
	require.NoError(t, err)

	var envelope struct {
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, []string{"a", "b"}, envelope.Tags)
}

func TestFetchFromDiskRequiresPersistentWrites(t *testing.T) {
	fs := memfs.New()

	writer := newTestCache(t, fs, nil)
	setCtx := &Context{Kind: KindFetch, Tags: []string{"a"}}
	require.NoError(t, writer.Set("fetch-key", &FetchResult{Value: json.RawMessage(`1`)}, setCtx))

	reader := newTestCache(t, fs, func(config *Config) {
		config.MaxMemoryCacheSize = 0
		config.FlushToDisk = false
	})

	entry, err := reader.Get("fetch-key", &Context{Kind: KindFetch, Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Nil(t, entry, "fetch entries from disk are unusable when persistence is disabled")
}

func TestEmptyRevalidateTagPerformsNoFileIO(t *testing.T) {
	fs := memfs.New()
	cache := newTestCache(t, fs, nil)

	cache.RevalidateTag()

	_, err := fs.Stat(ManifestPath("/cache"))
	assert.Error(t, err, "an empty revalidation must not create the manifest file")
}

func TestFallbackSkipsDataPayload(t *testing.T) {
	fs := memfs.New()
	cache := newTestCache(t, fs, nil)

	page := &StaticPage{
		Body:   []byte("<html>fallback</html>"),
		Data:   []byte(`{"props":{}}`),
		Status: 200,
	}
	require.NoError(t, cache.Set("/blog/slug", page, &Context{Kind: KindPages, IsFallback: true}))

	_, err := fs.Stat("/dist/pages/blog/slug.json")
	assert.Error(t, err, "a fallback write must not produce a data payload file")

	//A fallback read from disk succeeds without the data payload file
	reader := newTestCache(t, fs, func(config *Config) {
		config.MaxMemoryCacheSize = 0
	})

	entry, err := reader.Get("/blog/slug", &Context{Kind: KindPages, IsFallback: true})
	require.NoError(t, err)
	require.NotNil(t, entry)

	//A regular read of the same key misses because the data payload is absent
	entry, err = reader.Get("/blog/slug", &Context{Kind: KindPages})
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRouteRoundTripFromDisk(t *testing.T) {
	fs := memfs.New()

	writer := newTestCache(t, fs, nil)
	route := &RouteResponse{
		Body:    []byte(`{"ok":true}`),
		Headers: map[string]string{"content-type": "application/json"},
		Status:  201,
	}
	require.NoError(t, writer.Set("/api/orders", route, &Context{Kind: KindRoute}))

	_, err := fs.Stat("/dist/app/api/orders.body")
	require.NoError(t, err)
	_, err = fs.Stat("/dist/app/api/orders.body.meta")
	require.NoError(t, err)

	reader := newTestCache(t, fs, func(config *Config) {
		config.MaxMemoryCacheSize = 0
	})

	entry, err := reader.Get("/api/orders", &Context{Kind: KindRoute})
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, ok := entry.Value.(*RouteResponse)
	require.True(t, ok)
	assert.Equal(t, route.Body, got.Body)
	assert.Equal(t, route.Headers, got.Headers)
	assert.Equal(t, route.Status, got.Status)
}

func TestPostponedPageRequiresContinuation(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)

	page := testPage("products")
	page.Postponed = "resume-at-7"
	require.NoError(t, cache.Set("/products", page, &Context{Kind: KindApp}))

	entry, err := cache.Get("/products", &Context{Kind: KindApp})
	require.NoError(t, err)
	assert.Nil(t, entry, "a partially rendered page is unusable without continuation support")

	entry, err = cache.Get("/products", &Context{Kind: KindApp, ContinuationEnabled: true})
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestRecordedMissInMemoryTier(t *testing.T) {
	cache := newTestCache(t, memfs.New(), nil)
	ctx := &Context{Kind: KindApp}

	require.NoError(t, cache.Set("/missing", nil, ctx))

	entry, err := cache.Get("/missing", ctx)
	require.NoError(t, err)
	require.NotNil(t, entry, "a recorded miss is an entry without a value")
	assert.Nil(t, entry.Value)
}

func TestSharedMemoryFirstConfigurationWins(t *testing.T) {
	resetSharedMemory()

	first := New(Config{MaxMemoryCacheSize: 1024, Logger: quietLogger()})
	require.NotNil(t, first.memory)

	//A later caller configuring no memory tier shares the existing instance
	second := New(Config{Logger: quietLogger()})
	assert.Same(t, first.memory, second.memory)

	//A later caller with a different capacity does not create a second instance
	third := New(Config{MaxMemoryCacheSize: 4096, Logger: quietLogger()})
	assert.Same(t, first.memory, third.memory)
}

func TestMemoryOnlyCacheWithoutFilesystem(t *testing.T) {
	cache := newTestCache(t, nil, func(config *Config) {
		config.FS = nil
	})
	ctx := &Context{Kind: KindApp}

	require.NoError(t, cache.Set("/products", testPage("products"), ctx))

	entry, err := cache.Get("/products", ctx)
	require.NoError(t, err)
	assert.NotNil(t, entry)

	//Without a manifest there is no revalidation signal to act on
	cache.RevalidateTag("products")

	entry, err = cache.Get("/products", ctx)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestDiskHitPopulatesMemoryTier(t *testing.T) {
	fs := memfs.New()

	writer := newTestCache(t, fs, nil)
	require.NoError(t, writer.Set("/api/orders", &RouteResponse{Body: []byte("x"), Status: 200}, &Context{Kind: KindRoute}))

	reader := newTestCache(t, fs, nil)
	require.NotNil(t, reader.memory)

	_, err := reader.Get("/api/orders", &Context{Kind: KindRoute})
	require.NoError(t, err)

	_, found := reader.memory.Get("/api/orders")
	assert.True(t, found, "a persistent tier hit must populate the memory tier")
}
