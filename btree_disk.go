package btrstore

import (
	"bytes"
	"fmt"
	"log/slog"
)

// bTree runs the search/insert/delete algorithm over the page cache. Each
// operation descends iteratively; insert records its path on a stack for
// split propagation. Root id and height live here between operations and are written
// through to the file header whenever they change. Callers serialize
// writers through the Db gate; the tree itself holds at most one page
// guard per descent step.
type bTree struct {
	cache           *pageCache
	root            pageId
	height          uint32
	maxLeafKeys     int
	maxInteriorKeys int
	logger          *slog.Logger
}

func newBTree(cache *pageCache, maxLeafKeys, maxInteriorKeys int, logger *slog.Logger) *bTree {
	return &bTree{
		cache:           cache,
		root:            cache.s.header.rootPage,
		height:          cache.s.header.treeHeight,
		maxLeafKeys:     maxLeafKeys,
		maxInteriorKeys: maxInteriorKeys,
		logger:          logger,
	}
}

// maxLeafCellSize is the largest encoded leaf cell that fits an otherwise
// empty page. Values pushing a cell beyond it are rejected up front, since
// no amount of splitting can make such a cell fit.
func (bt *bTree) maxLeafCellSize() int {
	return int(bt.cache.s.pageSize) - leafHeaderSize - slotSize
}

func (bt *bTree) get(key []byte) ([]byte, bool, error) {
	if !bt.root.valid() {
		return nil, false, nil
	}
	pgId := bt.root
	for {
		g, err := bt.cache.fetchPage(pgId)
		if err != nil {
			return nil, false, err
		}
		p := g.page()
		if p.isLeaf() {
			idx, found, err := p.search(key)
			if err != nil {
				g.release()
				return nil, false, err
			}
			if !found {
				g.release()
				return nil, false, nil
			}
			c, err := p.cellAt(idx)
			if err != nil {
				g.release()
				return nil, false, err
			}
			val := bytes.Clone(c.value)
			g.release()
			return val, true, nil
		}
		child, err := p.findChild(key)
		g.release()
		if err != nil {
			return nil, false, err
		}
		pgId = child
	}
}

func (bt *bTree) put(key, value []byte) error {
	c := newLeafCell(key, value)
	if c.encodedSize(true) > bt.maxLeafCellSize() {
		return &ValueTooLargeError{Size: len(value), Max: bt.maxLeafCellSize() - len(key)}
	}
	if !bt.root.valid() {
		id, g, err := bt.cache.newPage(true)
		if err != nil {
			return err
		}
		_, err = g.page().insertCell(c)
		g.release()
		if err != nil {
			return err
		}
		bt.root = id
		bt.height = 1
		return bt.cache.s.setRoot(id, 1)
	}

	// descend to the target leaf, remembering the path for split
	// propagation
	var s stack
	pgId := bt.root
	for {
		g, err := bt.cache.fetchPage(pgId)
		if err != nil {
			return err
		}
		p := g.page()
		if p.isLeaf() {
			g.release()
			break
		}
		child, err := p.findChild(key)
		g.release()
		if err != nil {
			return err
		}
		s.push(pathElement{pgId: pgId})
		pgId = child
	}

	sep, sibling, err := bt.insertInPage(pgId, c)
	if err != nil {
		return err
	}
	for sep != nil {
		parent, ok := s.pop()
		if !ok {
			return bt.growRoot(pgId, sep, sibling)
		}
		sep, sibling, err = bt.insertInPage(parent.pgId, newInteriorCell(sep, sibling))
		if err != nil {
			return err
		}
		pgId = parent.pgId
	}
	return nil
}

// insertInPage inserts c into the page and splits on overflow. A non-nil
// separator in the return means a new right sibling was created and must
// be registered with the parent.
func (bt *bTree) insertInPage(pgId pageId, c cell) ([]byte, pageId, error) {
	g, err := bt.cache.fetchPageMut(pgId)
	if err != nil {
		return nil, 0, err
	}
	p := g.page()
	_, err = p.insertCell(c)
	switch {
	case err == errPageFull:
		sep, sibling, serr := bt.splitAndPlace(p, c)
		g.release()
		return sep, sibling, serr
	case err != nil:
		g.release()
		return nil, 0, err
	}
	if max := bt.keyCap(p.isLeaf()); max > 0 && p.cellCount() > max {
		sep, sibling, serr := bt.splitOnly(p)
		g.release()
		return sep, sibling, serr
	}
	g.release()
	return nil, 0, nil
}

func (bt *bTree) keyCap(leaf bool) int {
	if leaf {
		return bt.maxLeafKeys
	}
	return bt.maxInteriorKeys
}

// splitOnly splits an over-capacity page after a successful insert.
func (bt *bTree) splitOnly(p *slottedPage) ([]byte, pageId, error) {
	sibId, sg, err := bt.cache.newPage(p.isLeaf())
	if err != nil {
		return nil, 0, err
	}
	sep, err := p.split(sg.page())
	sg.release()
	if err != nil {
		return nil, 0, err
	}
	return sep, sibId, nil
}

// splitAndPlace splits a byte-full page and then inserts c into the half
// its key sorts into.
func (bt *bTree) splitAndPlace(p *slottedPage, c cell) ([]byte, pageId, error) {
	sibId, sg, err := bt.cache.newPage(p.isLeaf())
	if err != nil {
		return nil, 0, err
	}
	sep, err := p.split(sg.page())
	if err != nil {
		sg.release()
		return nil, 0, err
	}
	if bytes.Compare(c.key, sep) < 0 {
		_, err = p.insertCell(c)
	} else {
		_, err = sg.page().insertCell(c)
	}
	sg.release()
	if err != nil {
		return nil, 0, fmt.Errorf("insert after split: %w", err)
	}
	return sep, sibId, nil
}

// growRoot replaces a split root: a fresh interior page takes the old root
// as its rightmost child and the new sibling as the child of the single
// separator cell.
func (bt *bTree) growRoot(oldRoot pageId, sep []byte, sibling pageId) error {
	id, g, err := bt.cache.newPage(false)
	if err != nil {
		return err
	}
	p := g.page()
	p.setRightChild(oldRoot)
	_, err = p.insertCell(newInteriorCell(sep, sibling))
	g.release()
	if err != nil {
		return err
	}
	bt.root = id
	bt.height++
	bt.logger.Debug("root split", "newRoot", uint32(id), "height", bt.height)
	return bt.cache.s.setRoot(id, bt.height)
}

// delete removes key, reporting whether it was present. No rebalancing is
// done: leaves may stay underfull, and only a root leaf that loses its
// last cell resets the tree to empty.
func (bt *bTree) delete(key []byte) (bool, error) {
	if !bt.root.valid() {
		return false, nil
	}
	pgId := bt.root
	for {
		g, err := bt.cache.fetchPage(pgId)
		if err != nil {
			return false, err
		}
		p := g.page()
		if p.isLeaf() {
			g.release()
			break
		}
		child, err := p.findChild(key)
		g.release()
		if err != nil {
			return false, err
		}
		pgId = child
	}

	g, err := bt.cache.fetchPageMut(pgId)
	if err != nil {
		return false, err
	}
	p := g.page()
	idx, found, err := p.search(key)
	if err != nil || !found {
		g.release()
		return false, err
	}
	if _, err := p.deleteCell(idx); err != nil {
		g.release()
		return false, err
	}
	emptyRoot := pgId == bt.root && p.cellCount() == 0
	g.release()
	if emptyRoot {
		if err := bt.cache.dropPage(pgId); err != nil {
			return false, err
		}
		bt.root = 0
		bt.height = 0
		if err := bt.cache.s.setRoot(0, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}
