package btrstore

import "bytes"

// cursor walks the leaf level in ascending key order. It keeps a stack of
// (page, child slot) pairs for the interior levels and the current slot
// index for the leaf on top; when a leaf is exhausted it pops and advances
// the nearest ancestor with children left, then re-descends. Callers hold
// the read gate for the cursor's whole lifetime, so the tree cannot change
// underneath it.
type cursor struct {
	cache *pageCache
	stack stack
	valid bool
}

func newCursor(cache *pageCache) *cursor {
	return &cursor{cache: cache}
}

// first positions the cursor at the smallest key in the tree.
func (c *cursor) first(root pageId) (bool, error) {
	c.stack.list = c.stack.list[:0]
	c.valid = false
	if !root.valid() {
		return false, nil
	}
	return c.descendLeftmost(root)
}

// seek positions the cursor at the smallest key >= key.
func (c *cursor) seek(root pageId, key []byte) (bool, error) {
	c.stack.list = c.stack.list[:0]
	c.valid = false
	if !root.valid() {
		return false, nil
	}
	pgId := root
	for {
		g, err := c.cache.fetchPage(pgId)
		if err != nil {
			return false, err
		}
		p := g.page()
		if p.isLeaf() {
			idx, _, err := p.search(key)
			n := p.cellCount()
			g.release()
			if err != nil {
				return false, err
			}
			c.stack.push(pathElement{pgId: pgId, childIdx: idx})
			if idx < n {
				c.valid = true
				return true, nil
			}
			// every key in this leaf sorts below the target
			return c.advance()
		}
		childIdx, err := p.childIndex(key)
		if err != nil {
			g.release()
			return false, err
		}
		child, err := p.childAt(childIdx)
		g.release()
		if err != nil {
			return false, err
		}
		c.stack.push(pathElement{pgId: pgId, childIdx: childIdx})
		pgId = child
	}
}

// current returns copies of the key and value under the cursor.
func (c *cursor) current() ([]byte, []byte, error) {
	top := c.stack.top()
	g, err := c.cache.fetchPage(top.pgId)
	if err != nil {
		return nil, nil, err
	}
	cl, err := g.page().cellAt(top.childIdx)
	if err != nil {
		g.release()
		return nil, nil, err
	}
	key := bytes.Clone(cl.key)
	val := bytes.Clone(cl.value)
	g.release()
	return key, val, nil
}

// next moves to the following entry, reporting whether one exists.
func (c *cursor) next() (bool, error) {
	if !c.valid {
		return false, nil
	}
	top := c.stack.top()
	g, err := c.cache.fetchPage(top.pgId)
	if err != nil {
		return false, err
	}
	n := g.page().cellCount()
	g.release()
	top.childIdx++
	if top.childIdx < n {
		return true, nil
	}
	return c.advance()
}

// advance drops the exhausted leaf on top of the stack and climbs until an
// ancestor still has a child slot to the right, then descends into it.
func (c *cursor) advance() (bool, error) {
	c.stack.pop()
	for c.stack.len() > 0 {
		top := c.stack.top()
		g, err := c.cache.fetchPage(top.pgId)
		if err != nil {
			return false, err
		}
		p := g.page()
		childCount := p.cellCount() + 1
		top.childIdx++
		if top.childIdx >= childCount {
			g.release()
			c.stack.pop()
			continue
		}
		child, err := p.childAt(top.childIdx)
		g.release()
		if err != nil {
			return false, err
		}
		return c.descendLeftmost(child)
	}
	c.valid = false
	return false, nil
}

// descendLeftmost follows child slot 0 (the rightmost-child pointer, which
// holds the smallest keys) down to a leaf. Empty leaves left behind by
// deletes are skipped by advancing again.
func (c *cursor) descendLeftmost(pgId pageId) (bool, error) {
	for {
		g, err := c.cache.fetchPage(pgId)
		if err != nil {
			return false, err
		}
		p := g.page()
		if p.isLeaf() {
			n := p.cellCount()
			g.release()
			c.stack.push(pathElement{pgId: pgId, childIdx: 0})
			if n > 0 {
				c.valid = true
				return true, nil
			}
			return c.advance()
		}
		child, err := p.childAt(0)
		g.release()
		if err != nil {
			return false, err
		}
		c.stack.push(pathElement{pgId: pgId, childIdx: 0})
		pgId = child
	}
}
