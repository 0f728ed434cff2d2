package btrstore

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// pageFrame is one cached page. Access to the decoded page goes through
// the frame's own read/write lock, taken by the guards; the pin count
// keeps the frame out of eviction while any guard is alive.
type pageFrame struct {
	mu   sync.RWMutex
	page *slottedPage
	pins atomic.Int32
}

// pageCache is the buffer pool: a fixed-capacity cache of decoded pages
// keyed by page id, with LRU eviction and dirty-page tracking. The frame
// map is searched under a read lock and mutated under a write lock; each
// frame carries its own lock for the page bytes.
type pageCache struct {
	mu       sync.RWMutex
	frames   map[pageId]*pageFrame
	lru      lruList
	dirtyMu  sync.Mutex
	dirty    map[pageId]struct{}
	capacity int
	s        *diskStorage
	stat     *iStat
	logger   *slog.Logger
}

func newPageCache(s *diskStorage, capacity int, logger *slog.Logger, stat *iStat) *pageCache {
	return &pageCache{
		frames:   make(map[pageId]*pageFrame, capacity),
		dirty:    make(map[pageId]struct{}),
		capacity: capacity,
		s:        s,
		stat:     stat,
		logger:   logger,
	}
}

// pageGuard is scoped read access to a cached page. Every fetch must be
// paired with release on every return path.
type pageGuard struct {
	pgId  pageId
	frame *pageFrame
	cache *pageCache
}

func (g *pageGuard) page() *slottedPage {
	return g.frame.page
}

func (g *pageGuard) release() {
	g.frame.mu.RUnlock()
	g.frame.pins.Add(-1)
	g.cache.lru.access(g.pgId)
}

// pageGuardMut is scoped write access. Release marks the page dirty:
// dirtiness is tied to acquisition, not to observed modification, so a
// fetchPageMut with no writes costs one spurious flush.
type pageGuardMut struct {
	pgId  pageId
	frame *pageFrame
	cache *pageCache
}

func (g *pageGuardMut) page() *slottedPage {
	return g.frame.page
}

func (g *pageGuardMut) release() {
	g.cache.markDirty(g.pgId)
	g.frame.mu.Unlock()
	g.frame.pins.Add(-1)
	g.cache.lru.access(g.pgId)
}

func (c *pageCache) fetchPage(id pageId) (*pageGuard, error) {
	f, err := c.getFrame(id)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	return &pageGuard{pgId: id, frame: f, cache: c}, nil
}

func (c *pageCache) fetchPageMut(id pageId) (*pageGuardMut, error) {
	f, err := c.getFrame(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	return &pageGuardMut{pgId: id, frame: f, cache: c}, nil
}

// newPage allocates a page through the disk manager and returns a write
// guard on a fresh, already-dirty frame.
func (c *pageCache) newPage(leaf bool) (pageId, *pageGuardMut, error) {
	if err := c.ensureCapacity(); err != nil {
		return 0, nil, err
	}
	id, err := c.s.allocPage()
	if err != nil {
		return 0, nil, err
	}
	var sp *slottedPage
	if leaf {
		sp = newLeafPage(c.s.pageSize)
	} else {
		sp = newInteriorPage(c.s.pageSize)
	}
	f := &pageFrame{page: sp}
	f.pins.Add(1)
	f.mu.Lock()
	c.mu.Lock()
	c.frames[id] = f
	c.mu.Unlock()
	c.lru.access(id)
	c.markDirty(id)
	return id, &pageGuardMut{pgId: id, frame: f, cache: c}, nil
}

// getFrame returns the pinned frame for id, loading it from disk on miss.
func (c *pageCache) getFrame(id pageId) (*pageFrame, error) {
	c.mu.RLock()
	if f, ok := c.frames[id]; ok {
		f.pins.Add(1)
		c.mu.RUnlock()
		c.stat.cacheHit.Add(1)
		c.lru.access(id)
		return f, nil
	}
	c.mu.RUnlock()
	c.stat.cacheMis.Add(1)
	return c.loadFrame(id)
}

func (c *pageCache) loadFrame(id pageId) (*pageFrame, error) {
	if err := c.ensureCapacity(); err != nil {
		return nil, err
	}
	buf, err := c.s.readPage(id)
	if err != nil {
		return nil, err
	}
	sp, err := loadPage(buf)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if f, ok := c.frames[id]; ok {
		// lost the race with another reader
		f.pins.Add(1)
		c.mu.Unlock()
		c.lru.access(id)
		return f, nil
	}
	f := &pageFrame{page: sp}
	f.pins.Add(1)
	c.frames[id] = f
	c.mu.Unlock()
	c.lru.access(id)
	return f, nil
}

func (c *pageCache) ensureCapacity() error {
	for {
		c.mu.RLock()
		n := len(c.frames)
		c.mu.RUnlock()
		if n < c.capacity {
			return nil
		}
		if err := c.evictOne(); err != nil {
			return err
		}
	}
}

// evictOne drops the least recently used unpinned frame, writing it back
// first when dirty.
func (c *pageCache) evictOne() error {
	for _, id := range c.lru.tailIds() {
		c.mu.Lock()
		f, ok := c.frames[id]
		if !ok {
			c.mu.Unlock()
			c.lru.remove(id)
			continue
		}
		if f.pins.Load() != 0 {
			c.mu.Unlock()
			continue
		}
		if c.isDirty(id) {
			if err := c.s.writePage(id, f.page.serialize()); err != nil {
				c.mu.Unlock()
				return err
			}
			c.clearDirty(id)
			c.stat.dirtyFlush.Add(1)
		}
		delete(c.frames, id)
		c.mu.Unlock()
		c.lru.remove(id)
		c.stat.evict.Add(1)
		c.logger.Debug("evicted page", "pgId", uint32(id))
		return nil
	}
	return errCacheExhausted
}

func (c *pageCache) markDirty(id pageId) {
	c.dirtyMu.Lock()
	c.dirty[id] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *pageCache) clearDirty(id pageId) {
	c.dirtyMu.Lock()
	delete(c.dirty, id)
	c.dirtyMu.Unlock()
}

func (c *pageCache) isDirty(id pageId) bool {
	c.dirtyMu.Lock()
	_, ok := c.dirty[id]
	c.dirtyMu.Unlock()
	return ok
}

func (c *pageCache) dirtyIds() []pageId {
	c.dirtyMu.Lock()
	ids := make([]pageId, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	c.dirtyMu.Unlock()
	return ids
}

// flushPage writes one cached page through the disk manager and clears its
// dirty mark. Asking for an id that is neither cached nor on disk is an
// error; a clean or uncached-but-allocated page is a no-op.
func (c *pageCache) flushPage(id pageId) error {
	c.mu.RLock()
	f, ok := c.frames[id]
	c.mu.RUnlock()
	if !ok {
		if !id.valid() || uint32(id) >= c.s.pageCount() {
			return &PageNotFoundError{PgId: uint32(id)}
		}
		c.clearDirty(id)
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !c.isDirty(id) {
		return nil
	}
	if err := c.s.writePage(id, f.page.serialize()); err != nil {
		return err
	}
	c.clearDirty(id)
	c.stat.dirtyFlush.Add(1)
	return nil
}

// flushAll drains the dirty set and then rewrites the file header;
// fsyncing beyond that follows the sync-on-write configuration.
func (c *pageCache) flushAll() error {
	for _, id := range c.dirtyIds() {
		if err := c.flushPage(id); err != nil {
			return err
		}
	}
	return c.s.flushHeader()
}

// dropPage removes id from the cache and pushes it onto the free list.
// The caller must hold no guard on the page.
func (c *pageCache) dropPage(id pageId) error {
	c.mu.Lock()
	delete(c.frames, id)
	c.mu.Unlock()
	c.lru.remove(id)
	c.clearDirty(id)
	return c.s.freePage(id)
}

// lruList orders page ids by recency of access: a doubly linked list plus
// a position map, O(1) for both access and removal.
type lruList struct {
	mu    sync.Mutex
	nodes map[pageId]*lruNode
	head  *lruNode
	tail  *lruNode
}

type lruNode struct {
	pgId pageId
	prev *lruNode
	next *lruNode
}

func (l *lruList) access(id pageId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nodes == nil {
		l.nodes = make(map[pageId]*lruNode)
	}
	if n, ok := l.nodes[id]; ok {
		l.unlink(n)
		l.pushFront(n)
		return
	}
	n := &lruNode{pgId: id}
	l.nodes[id] = n
	l.pushFront(n)
}

func (l *lruList) remove(id pageId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[id]; ok {
		l.unlink(n)
		delete(l.nodes, id)
	}
}

// tailIds snapshots the list from least to most recently used.
func (l *lruList) tailIds() []pageId {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]pageId, 0, len(l.nodes))
	for n := l.tail; n != nil; n = n.prev {
		ids = append(ids, n.pgId)
	}
	return ids
}

func (l *lruList) pushFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *lruList) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}
