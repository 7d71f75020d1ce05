package incrementalcache

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

const (
	//fetchCacheDirName is the deploy-stable subdirectory for fetch artifacts
	// and the tags manifest, distinct from the per-deploy output directories
	fetchCacheDirName = "fetch-cache"

	appDirName   = "app"
	pagesDirName = "pages"

	bodySuffix = ".body"
	htmlSuffix = ".html"

	//metaSuffix is appended to a content path to form its sidecar path
	metaSuffix = ".meta"

	dataSuffix         = ".rsc"
	prefetchDataSuffix = ".prefetch.rsc"
	pagesDataSuffix    = ".json"

	tagsManifestName = "tags-manifest.json"
)

//ManifestPath returns the path of the tags manifest file inside cacheDir.
// The manifest lives next to the fetch artifacts because both must survive
// deploys.
func ManifestPath(cacheDir string) string {
	return path.Join(cacheDir, fetchCacheDirName, tagsManifestName)
}

//entryMeta is the sidecar metadata JSON written next to page and route bodies
type entryMeta struct {
	Headers   map[string]string `json:"headers"`
	Status    int               `json:"status"`
	Postponed string            `json:"postponed,omitempty"`
}

//fetchEnvelope is the single-file JSON shape of a fetch artifact
type fetchEnvelope struct {
	Value      json.RawMessage `json:"value"`
	Tags       []string        `json:"tags"`
	Revalidate int64           `json:"revalidate,omitempty"`
}

//fileStore is the persistent tier. It owns no in-memory state, every
// operation is file I/O on paths derived from the cache key and artifact kind.
type fileStore struct {
	fs billy.Filesystem

	//serverDist is the per-deploy output directory holding page and route artifacts
	serverDist string

	//cacheDir is the deploy-stable directory holding fetch artifacts
	cacheDir string

	logger *logrus.Logger
}

func (s *fileStore) contentPath(key string, kind Kind) string {
	switch kind {
	case KindFetch:
		return path.Join(s.cacheDir, fetchCacheDirName, key)
	case KindRoute:
		return path.Join(s.serverDist, appDirName, key+bodySuffix)
	case KindApp:
		return path.Join(s.serverDist, appDirName, key+htmlSuffix)
	case KindPages:
		return path.Join(s.serverDist, pagesDirName, key+htmlSuffix)
	}

	panic(fmt.Sprintf("contentPath: unhandled kind %s", kind))
}

func (s *fileStore) dataPath(key string, kind Kind, prefetch bool) string {
	switch kind {
	case KindApp:
		if prefetch {
			return path.Join(s.serverDist, appDirName, key+prefetchDataSuffix)
		}
		return path.Join(s.serverDist, appDirName, key+dataSuffix)
	case KindPages:
		return path.Join(s.serverDist, pagesDirName, key+pagesDataSuffix)
	}

	panic(fmt.Sprintf("dataPath: unhandled kind %s", kind))
}

//read returns the stored entry for key, or nil when any file needed to
// assemble it is missing or unreadable. Read failures are never surfaced as
// errors, a broken entry is indistinguishable from an absent one.
func (s *fileStore) read(key string, kind Kind, prefetch, fallback bool) *CacheEntry {
	switch kind {
	case KindFetch:
		return s.readFetch(key)
	case KindRoute:
		return s.readRoute(key)
	case KindApp, KindPages:
		return s.readPage(key, kind, prefetch, fallback)
	}

	panic(fmt.Sprintf("read: unhandled kind %s", kind))
}

func (s *fileStore) readFetch(key string) *CacheEntry {
	contentPath := s.contentPath(key, KindFetch)

	data, err := util.ReadFile(s.fs, contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	info, err := s.fs.Stat(contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	var envelope fetchEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return s.miss(contentPath, err)
	}

	return &CacheEntry{
		LastModified: info.ModTime(),
		Value: &FetchResult{
			Value:      envelope.Value,
			Tags:       envelope.Tags,
			Revalidate: envelope.Revalidate,
		},
	}
}

func (s *fileStore) readRoute(key string) *CacheEntry {
	contentPath := s.contentPath(key, KindRoute)

	body, err := util.ReadFile(s.fs, contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	info, err := s.fs.Stat(contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	metaData, err := util.ReadFile(s.fs, contentPath+metaSuffix)
	if err != nil {
		return s.miss(contentPath+metaSuffix, err)
	}

	var meta entryMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return s.miss(contentPath+metaSuffix, err)
	}

	return &CacheEntry{
		LastModified: info.ModTime(),
		Value: &RouteResponse{
			Body:    body,
			Headers: meta.Headers,
			Status:  meta.Status,
		},
	}
}

func (s *fileStore) readPage(key string, kind Kind, prefetch, fallback bool) *CacheEntry {
	contentPath := s.contentPath(key, kind)

	body, err := util.ReadFile(s.fs, contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	info, err := s.fs.Stat(contentPath)
	if err != nil {
		return s.miss(contentPath, err)
	}

	//The metadata sidecar is optional for pages, old deploys never wrote one
	meta := entryMeta{Status: 200}
	if metaData, err := util.ReadFile(s.fs, contentPath+metaSuffix); err == nil {
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return s.miss(contentPath+metaSuffix, err)
		}
	}

	//Fallback entries have no per-request data payload
	var pageData []byte
	if !fallback {
		pageData, err = util.ReadFile(s.fs, s.dataPath(key, kind, prefetch))
		if err != nil {
			return s.miss(s.dataPath(key, kind, prefetch), err)
		}
	}

	return &CacheEntry{
		LastModified: info.ModTime(),
		Value: &StaticPage{
			Body:      body,
			Data:      pageData,
			Headers:   meta.Headers,
			Status:    meta.Status,
			Postponed: meta.Postponed,
			AppRouter: kind == KindApp,
		},
	}
}

//write stores the artifact under its kind specific file layout.
// Unlike reads, write failures propagate because they indicate an unusable
// storage configuration.
func (s *fileStore) write(key string, v Artifact, ctx *Context) error {
	switch v := v.(type) {
	case *FetchResult:
		return s.writeFetch(key, v, ctx.Tags)
	case *RouteResponse:
		return s.writeRoute(key, v)
	case *StaticPage:
		return s.writePage(key, v, ctx)
	}

	panic(fmt.Sprintf("write: unhandled artifact type %T", v))
}

func (s *fileStore) writeFetch(key string, v *FetchResult, tags []string) error {
	if tags == nil {
		tags = v.Tags
	}

	data, err := json.Marshal(fetchEnvelope{
		Value:      v.Value,
		Tags:       tags,
		Revalidate: v.Revalidate,
	})
	if err != nil {
		return fmt.Errorf("marshal fetch artifact: %w", err)
	}

	return s.writeFile(s.contentPath(key, KindFetch), data)
}

func (s *fileStore) writeRoute(key string, v *RouteResponse) error {
	contentPath := s.contentPath(key, KindRoute)

	if err := s.writeFile(contentPath, v.Body); err != nil {
		return err
	}

	meta, err := json.Marshal(entryMeta{
		Headers: v.Headers,
		Status:  v.Status,
	})
	if err != nil {
		return fmt.Errorf("marshal route metadata: %w", err)
	}

	return s.writeFile(contentPath+metaSuffix, meta)
}

func (s *fileStore) writePage(key string, v *StaticPage, ctx *Context) error {
	kind := KindPages
	if v.AppRouter {
		kind = KindApp
	}

	contentPath := s.contentPath(key, kind)

	if err := s.writeFile(contentPath, v.Body); err != nil {
		return err
	}

	if v.AppRouter {
		meta, err := json.Marshal(entryMeta{
			Headers:   v.Headers,
			Status:    v.Status,
			Postponed: v.Postponed,
		})
		if err != nil {
			return fmt.Errorf("marshal page metadata: %w", err)
		}

		if err := s.writeFile(contentPath+metaSuffix, meta); err != nil {
			return err
		}
	}

	//Fallback writes have no per-request data payload to store
	if ctx.IsFallback || v.Data == nil {
		return nil
	}

	return s.writeFile(s.dataPath(key, kind, ctx.IsPrefetch), v.Data)
}

func (s *fileStore) writeFile(filePath string, data []byte) error {
	if err := s.fs.MkdirAll(path.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create cache directory %q: %w", path.Dir(filePath), err)
	}

	if err := util.WriteFile(s.fs, filePath, data, 0o644); err != nil {
		return fmt.Errorf("write cache file %q: %w", filePath, err)
	}

	return nil
}

func (s *fileStore) miss(filePath string, err error) *CacheEntry {
	s.logger.WithError(err).WithField("path", filePath).Debug("Treating unreadable cache file as a miss")
	return nil
}
