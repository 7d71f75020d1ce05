//Package layer contains the generic storage containers backing the cache tiers.
package layer

import (
	"container/list"
	"sync"
)

//SizeFunc reports the capacity cost of a cached value
type SizeFunc[V any] func(V) int

//Cache is a capacity-bounded associative cache with least-recently-used
// eviction. Capacity is an aggregate cost, the sum of the SizeFunc output for
// every resident value, not an entry count.
//
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] struct {
	maxCost int
	sizeOf  SizeFunc[V]

	lock sync.Mutex

	//order holds one element per resident key,
	// front is most recently used
	order *list.List
	index map[K]*list.Element
	cost  int
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
	cost  int
}

//NewCache creates an empty cache bounded by maxCost.
// sizeOf is consulted once per Set, a value's cost is fixed while it is resident.
func NewCache[K comparable, V any](maxCost int, sizeOf SizeFunc[V]) *Cache[K, V] {
	return &Cache[K, V]{
		maxCost: maxCost,
		sizeOf:  sizeOf,
		order:   list.New(),
		index:   make(map[K]*list.Element, 500),
	}
}

//Get returns the value stored under key and marks it most recently used
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if elem, found := c.index[key]; found {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruItem[K, V]).value, true
	}

	var zero V
	return zero, false
}

//Set stores value under key, overwriting any previous value.
// Least recently used entries are evicted until the aggregate cost fits the
// bound again. A single value larger than the bound stays resident until the
// next Set displaces it.
func (c *Cache[K, V]) Set(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	//Delete the key first so the current cost is updated
	c.remove(key)

	elem := c.order.PushFront(&lruItem[K, V]{
		key:   key,
		value: value,
		cost:  c.sizeOf(value),
	})
	c.index[key] = elem
	c.cost += elem.Value.(*lruItem[K, V]).cost

	for c.cost > c.maxCost && c.order.Len() > 1 {
		oldest := c.order.Back()
		c.remove(oldest.Value.(*lruItem[K, V]).key)
	}
}

//Remove deletes the entry stored under key if it exists
func (c *Cache[K, V]) Remove(key K) {
	c.lock.Lock()
	c.remove(key)
	c.lock.Unlock()
}

//Len returns the number of resident entries
func (c *Cache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.order.Len()
}

//Cost returns the aggregate cost of all resident entries
func (c *Cache[K, V]) Cost() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.cost
}

//WARNING call this method only when the cache is already locked
func (c *Cache[K, V]) remove(key K) {
	if elem, found := c.index[key]; found {
		c.order.Remove(elem)
		delete(c.index, key)
		c.cost -= elem.Value.(*lruItem[K, V]).cost
	}
}
