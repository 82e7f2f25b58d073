package catalog

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// prefetchConcurrency matches spec.md §4.1's "bounded worker pool (e.g. 64
// threads)".
const prefetchConcurrency = 64

// tableMetaCache is the "in-memory cache of table descriptors" spec.md
// §4.1 calls for, backed by the teacher's go.mod LRU implementation. The
// size is generous rather than unbounded: a coordinator with more than this
// many distinct tables still works correctly, it just re-reads cold
// descriptors from the backend on cache eviction.
const cacheSize = 65536

type tableMetaCache struct {
	mu sync.RWMutex
	l  *lru.Cache[int, TableDescriptor]
}

func newTableMetaCache() *tableMetaCache {
	l, err := lru.New[int, TableDescriptor](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheSize
		// never is.
		panic(err)
	}
	return &tableMetaCache{l: l}
}

func (c *tableMetaCache) get(id int) (TableDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.l.Get(id)
}

func (c *tableMetaCache) put(id int, td TableDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l.Add(id, td)
}

// prefetch walks every table id known to the catalog and warms the cache
// with a bounded worker pool, per spec.md §4.1.
func (f *Facade) prefetch() error {
	ids := make([]int, 0, len(f.meta.TableNames))
	for id := range f.meta.TableNames {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(prefetchConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := f.ReadTableMeta(id)
			return err
		})
	}
	return g.Wait()
}
