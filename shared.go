package incrementalcache

import (
	"sync"

	"github.com/timodwhit/incrementalcache/layer"
)

//The memory tier is process-wide shared state, every Cache in the process
// serves from the same instance so concurrent requests agree on what is
// resident. Construction is guarded rather than lazy-static so the first
// configuration wins for the process lifetime.
var (
	sharedMemoryLock sync.Mutex
	sharedMemory     *layer.Cache[string, *CacheEntry]
)

//sharedMemoryTier returns the process-wide memory tier, creating it on the
// first call that configures a positive capacity. Callers configuring no
// memory tier still share an instance an earlier caller created, a second
// inconsistent instance is never made.
func sharedMemoryTier(maxSize int) *layer.Cache[string, *CacheEntry] {
	sharedMemoryLock.Lock()
	defer sharedMemoryLock.Unlock()

	if sharedMemory == nil && maxSize > 0 {
		sharedMemory = layer.NewCache[string, *CacheEntry](maxSize, func(entry *CacheEntry) int {
			if entry == nil {
				return recordedMissCost
			}
			return estimateSize(entry.Value)
		})
	}

	return sharedMemory
}
