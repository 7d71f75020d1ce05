//Package manifest persists the tag revalidation manifest shared by every
// process serving from the same cache directory.
//
// The manifest file is the only cross-process invalidation signal. Each
// process keeps an in-memory copy which is a cache of the file and may lag
// behind other writers, so the copy is re-read from disk before every
// revalidation write-back.
package manifest

import (
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

//Version is written to every manifest file
const Version = 1

//Manifest mirrors the on-disk JSON shape of the tags manifest file
type Manifest struct {
	Version int             `json:"version"`
	Items   map[string]Item `json:"items"`
}

//Item records when a tag was last revalidated
type Item struct {
	//RevalidatedAt is a unix timestamp in milliseconds
	RevalidatedAt int64 `json:"revalidatedAt"`
}

//Store reads and writes the tags manifest file.
//
// The read-merge-write cycle in RecordRevalidation is not atomic across
// processes, two processes revalidating different tags at the same instant can
// lose one of the updates. Staleness checks compare with >= so the race only
// widens the staleness window, it never serves an entry a single process has
// seen revalidated.
type Store struct {
	fs     billy.Filesystem
	path   string
	logger *logrus.Logger

	lock     sync.Mutex
	manifest *Manifest
}

//NewStore creates a store for the manifest file at the given path.
// The file does not need to exist, a missing manifest is normal on first run.
func NewStore(fs billy.Filesystem, path string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{
		fs:     fs,
		path:   path,
		logger: logger,
	}
}

//Load reads the manifest file unless an in-memory copy already exists.
// Repeated calls are cheap no-ops, the file is not re-read.
// A missing or unparsable file yields an empty manifest instead of an error.
func (s *Store) Load() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.load(false)
}

//LoadSync is the constructor-time variant of Load, to be called before the
// store is shared between goroutines. It exists for API symmetry with Load,
// both are synchronous in Go.
func (s *Store) LoadSync() {
	s.Load()
}

//RecordRevalidation marks every tag in tags as revalidated at now and writes
// the merged manifest back to the file. An empty tag list is a no-op and
// performs no file I/O.
//
// A failed write is logged and swallowed, the tags simply did not get marked
// this cycle and a later attempt or another process's write may succeed.
func (s *Store) RecordRevalidation(tags []string, now time.Time) {
	if len(tags) == 0 {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	//Force a fresh read so revalidations written by other processes since our
	// last read are not dropped by the write-back below
	s.load(true)

	at := now.UnixMilli()
	for _, tag := range tags {
		s.manifest.Items[tag] = Item{RevalidatedAt: at}
	}

	err := s.write()
	if err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warning("Error while writing tags manifest, revalidation not persisted")
	}
}

//RevalidatedAt returns the last recorded revalidation timestamp for tag in
// unix milliseconds. The second return value is false if the tag was never
// revalidated.
func (s *Store) RevalidatedAt(tag string) (int64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.load(false)

	item, found := s.manifest.Items[tag]
	return item.RevalidatedAt, found
}

//Tags returns all tags in the manifest in lexical order
func (s *Store) Tags() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.load(false)

	tags := make([]string, 0, len(s.manifest.Items))
	for tag := range s.manifest.Items {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

//WARNING call this method only when the store is already locked
func (s *Store) load(force bool) {
	if s.manifest != nil && !force {
		return
	}

	manifest := &Manifest{
		Version: Version,
		Items:   map[string]Item{},
	}

	data, err := util.ReadFile(s.fs, s.path)
	if err == nil {
		if err := json.Unmarshal(data, manifest); err != nil {
			s.logger.WithError(err).WithField("path", s.path).Debug("Unparsable tags manifest, starting fresh")

			manifest = &Manifest{
				Version: Version,
				Items:   map[string]Item{},
			}
		}
	}

	if manifest.Items == nil {
		manifest.Items = map[string]Item{}
	}

	s.manifest = manifest
}

//WARNING call this method only when the store is already locked
func (s *Store) write() error {
	data, err := json.Marshal(s.manifest)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(path.Dir(s.path), 0o755); err != nil {
		return err
	}

	return util.WriteFile(s.fs, s.path, data, 0o644)
}
