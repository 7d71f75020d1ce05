package incrementalcache

import (
	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
)

//Config defines how a Cache behaves.
// The surrounding pipeline constructs one Config per cache instance, usually
// once per process, and hands it to New.
type Config struct {

	//FS is the filesystem all persistent state lives on.
	// If nil the persistent tier and the tags manifest are disabled and the
	// cache is memory only.
	FS billy.Filesystem

	//ServerDist is the per-deploy output directory for page and route artifacts
	ServerDist string

	//CacheDir is the deploy-stable directory for fetch artifacts and the tags
	// manifest. Revalidation state written before a deploy must stay visible
	// after it, so this directory is shared across deploys.
	CacheDir string

	//MaxMemoryCacheSize bounds the in-process memory tier by the aggregate
	// estimated size of its entries in bytes. Zero disables the memory tier
	// for this caller, though an instance already created by an earlier caller
	// in the same process keeps being shared.
	MaxMemoryCacheSize int

	//FlushToDisk enables writes to the persistent tier.
	// Reads from the persistent tier happen regardless, except for fetch
	// artifacts which are only served from disk when updates to them can be
	// persisted too.
	FlushToDisk bool

	//RevalidatedTags lists the tags already revalidated in the current
	// execution cycle. The list is process-local and supplied by the pipeline.
	RevalidatedTags []string

	//The Logger which will be used for logging
	// if nil the default logger will be used
	Logger *logrus.Logger
}
