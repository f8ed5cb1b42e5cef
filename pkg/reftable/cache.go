package reftable

import (
	"container/list"
	"sync"
)

type cacheKey struct {
	reader uint64
	off    uint64
}

type cacheEntry struct {
	key   cacheKey
	block *blockReader
}

// BlockCache is a size-bounded, least-recently-used cache of decoded
// blocks, shareable between readers. Blocks are immutable, so hits can be
// handed out without copying.
type BlockCache struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[cacheKey]*list.Element
}

// NewBlockCache holds at most maxBlocks decoded blocks.
func NewBlockCache(maxBlocks int) *BlockCache {
	if maxBlocks < 1 {
		maxBlocks = 1
	}
	return &BlockCache{
		max:   maxBlocks,
		ll:    list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

func (c *BlockCache) get(reader, off uint64) *blockReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey{reader, off}]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).block
}

func (c *BlockCache) put(reader, off uint64, br *blockReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{reader, off}
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).block = br
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, block: br})
	for c.ll.Len() > c.max {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).key)
	}
}

// Len reports the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
