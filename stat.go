package btrstore

import "sync/atomic"

// Stats is the summary triple reported by Db.Stats. PageCount is the raw
// file total and includes the header page.
type Stats struct {
	PageCount      uint32
	BufferPoolSize int
	TreeHeight     uint32
}

// ExportStat is a snapshot of the runtime counters.
type ExportStat struct {
	CacheHit   uint64
	CacheMis   uint64
	PageRead   uint64
	PageWrite  uint64
	DirtyFlush uint64
	Evict      uint64
}

type iStat struct {
	cacheHit   atomic.Uint64
	cacheMis   atomic.Uint64
	pageRead   atomic.Uint64
	pageWrite  atomic.Uint64
	dirtyFlush atomic.Uint64
	evict      atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		CacheHit:   s.cacheHit.Load(),
		CacheMis:   s.cacheMis.Load(),
		PageRead:   s.pageRead.Load(),
		PageWrite:  s.pageWrite.Load(),
		DirtyFlush: s.dirtyFlush.Load(),
		Evict:      s.evict.Load(),
	}
}
