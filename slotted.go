package btrstore

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"
)

// slottedPage is the in-memory form of one fixed-size page. The header and
// the slot directory grow from the low end, the cell content area grows
// down from the high end; the slot directory stays in ascending key order
// while cell bytes may sit anywhere in the content area.
type slottedPage struct {
	buf    []byte
	header pageHeader
}

func newLeafPage(pageSize uint32) *slottedPage {
	p := &slottedPage{
		buf: make([]byte, pageSize),
		header: pageHeader{
			typ:              pageTypeLeaf,
			cellContentStart: uint16(pageSize),
		},
	}
	p.header.write(p.buf)
	return p
}

func newInteriorPage(pageSize uint32) *slottedPage {
	p := &slottedPage{
		buf: make([]byte, pageSize),
		header: pageHeader{
			typ:              pageTypeInterior,
			cellContentStart: uint16(pageSize),
		},
	}
	p.header.write(p.buf)
	return p
}

// loadPage takes ownership of buf and validates the page header.
func loadPage(buf []byte) (*slottedPage, error) {
	p := &slottedPage{buf: buf}
	if err := p.header.read(buf); err != nil {
		return nil, err
	}
	if int(p.header.cellContentStart) > len(buf) ||
		p.header.slotArrayEnd() > int(p.header.cellContentStart) {
		return nil, &CorruptionError{Detail: "page header offsets out of range"}
	}
	return p, nil
}

// serialize syncs the header into the raw buffer and returns it. The slice
// aliases the page; it must be written out before the next mutation.
func (p *slottedPage) serialize() []byte {
	p.header.write(p.buf)
	return p.buf
}

func (p *slottedPage) isLeaf() bool {
	return p.header.isLeaf()
}

func (p *slottedPage) cellCount() int {
	return int(p.header.cellCount)
}

func (p *slottedPage) rightChild() pageId {
	return p.header.rightChild
}

func (p *slottedPage) setRightChild(id pageId) {
	p.header.rightChild = id
}

func (p *slottedPage) slot(i int) uint16 {
	off := p.header.size() + i*slotSize
	return binary.LittleEndian.Uint16(p.buf[off : off+slotSize])
}

func (p *slottedPage) setSlot(i int, v uint16) {
	off := p.header.size() + i*slotSize
	binary.LittleEndian.PutUint16(p.buf[off:off+slotSize], v)
}

func (p *slottedPage) cellAt(i int) (cell, error) {
	if i < 0 || i >= p.cellCount() {
		return cell{}, corruptionf("slot %d out of range (count %d)", i, p.cellCount())
	}
	off := int(p.slot(i))
	if off < p.header.size() || off >= len(p.buf) {
		return cell{}, corruptionf("slot %d points outside page", i)
	}
	if p.isLeaf() {
		c, _, err := decodeLeafCell(p.buf[off:], uint32(len(p.buf)))
		return c, err
	}
	c, _, err := decodeInteriorCell(p.buf[off:], uint32(len(p.buf)))
	return c, err
}

// cellSizeAt reports the encoded length of the cell at slot i.
func (p *slottedPage) cellSizeAt(i int) (int, error) {
	off := int(p.slot(i))
	if p.isLeaf() {
		_, n, err := decodeLeafCell(p.buf[off:], uint32(len(p.buf)))
		return n, err
	}
	_, n, err := decodeInteriorCell(p.buf[off:], uint32(len(p.buf)))
	return n, err
}

// search binary-searches the slot directory. It returns the lower-bound
// slot (first slot whose key is >= key) and whether that slot is an exact
// match.
func (p *slottedPage) search(key []byte) (int, bool, error) {
	lo, hi := 0, p.cellCount()
	for lo < hi {
		mid := lo + (hi-lo)/2
		c, err := p.cellAt(mid)
		if err != nil {
			return 0, false, err
		}
		switch bytes.Compare(key, c.key) {
		case 0:
			return mid, true, nil
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false, nil
}

// freeSpace estimates the bytes available for one more cell, counting its
// slot entry and any space reclaimable by defragmentation.
func (p *slottedPage) freeSpace() int {
	gap := int(p.header.cellContentStart) - p.header.slotArrayEnd()
	return gap + int(p.header.fragmentedBytes) - slotSize
}

// contiguousGap is the free region between the slot array and the cell
// content, without defragmentation.
func (p *slottedPage) contiguousGap() int {
	return int(p.header.cellContentStart) - p.header.slotArrayEnd()
}

// insertCell places c at its sorted position. If the key already exists
// the value is replaced: in place when the new encoding is not larger,
// otherwise by delete-then-insert. Returns errPageFull when the cell does
// not fit even after defragmentation.
func (p *slottedPage) insertCell(c cell) (int, error) {
	enc := c.encode(p.isLeaf())
	idx, found, err := p.search(c.key)
	if err != nil {
		return 0, err
	}
	if found {
		oldSize, err := p.cellSizeAt(idx)
		if err != nil {
			return 0, err
		}
		if len(enc) <= oldSize {
			off := int(p.slot(idx))
			copy(p.buf[off:off+len(enc)], enc)
			p.addFragmented(oldSize - len(enc))
			return idx, nil
		}
		if _, err := p.deleteCell(idx); err != nil {
			return 0, err
		}
		// fall through to a fresh insert at the same slot
	}
	if p.contiguousGap() < len(enc)+slotSize {
		if err := p.defragment(); err != nil {
			return 0, err
		}
		if p.contiguousGap() < len(enc)+slotSize {
			return 0, errPageFull
		}
	}
	start := int(p.header.cellContentStart) - len(enc)
	copy(p.buf[start:], enc)
	for i := p.cellCount(); i > idx; i-- {
		p.setSlot(i, p.slot(i-1))
	}
	p.setSlot(idx, uint16(start))
	p.header.cellCount++
	p.header.cellContentStart = uint16(start)
	return idx, nil
}

// deleteCell removes the slot at idx. The cell bytes stay behind in the
// content area and are reclaimed lazily by defragmentation.
func (p *slottedPage) deleteCell(idx int) (cell, error) {
	c, err := p.cellAt(idx)
	if err != nil {
		return cell{}, err
	}
	size, err := p.cellSizeAt(idx)
	if err != nil {
		return cell{}, err
	}
	c.key = slices.Clone(c.key)
	c.value = slices.Clone(c.value)
	for i := idx; i < p.cellCount()-1; i++ {
		p.setSlot(i, p.slot(i+1))
	}
	p.header.cellCount--
	p.addFragmented(size)
	return c, nil
}

// addFragmented bumps the 1-byte fragmentation counter, saturating at 255.
// Defragmentation is driven by the free-gap check, so saturation only
// under-reports.
func (p *slottedPage) addFragmented(n int) {
	v := int(p.header.fragmentedBytes) + n
	if v > math.MaxUint8 {
		v = math.MaxUint8
	}
	p.header.fragmentedBytes = uint8(v)
}

// defragment rewrites all live cells packed against the high end of the
// page and rebuilds the slot directory.
func (p *slottedPage) defragment() error {
	n := p.cellCount()
	encoded := make([][]byte, n)
	for i := 0; i < n; i++ {
		c, err := p.cellAt(i)
		if err != nil {
			return err
		}
		encoded[i] = c.encode(p.isLeaf())
	}
	scratch := make([]byte, len(p.buf))
	off := len(scratch)
	p.buf = scratch
	for i := n - 1; i >= 0; i-- {
		off -= len(encoded[i])
		copy(scratch[off:], encoded[i])
	}
	pos := off
	for i := 0; i < n; i++ {
		p.setSlot(i, uint16(pos))
		pos += len(encoded[i])
	}
	p.header.cellContentStart = uint16(off)
	p.header.fragmentedBytes = 0
	p.header.firstFreeBlock = 0
	p.header.write(p.buf)
	return nil
}

// split moves the upper half of the cells into np (an empty page of the
// same kind) and returns the separator key to push into the parent. For a
// leaf the separator is np's first key and stays in np; for an interior
// page the first moved cell's child becomes np's rightmost child and its
// key moves up without remaining in either half. Midpoint ties break to
// the right half.
func (p *slottedPage) split(np *slottedPage) ([]byte, error) {
	n := p.cellCount()
	mid := n / 2
	moved := make([]cell, 0, n-mid)
	for i := mid; i < n; i++ {
		c, err := p.cellAt(i)
		if err != nil {
			return nil, err
		}
		c.key = slices.Clone(c.key)
		c.value = slices.Clone(c.value)
		moved = append(moved, c)
	}
	sep := moved[0].key
	if p.isLeaf() {
		for _, c := range moved {
			if _, err := np.insertCell(c); err != nil {
				return nil, err
			}
		}
	} else {
		np.setRightChild(moved[0].leftChild)
		for _, c := range moved[1:] {
			if _, err := np.insertCell(c); err != nil {
				return nil, err
			}
		}
	}
	for i := n - 1; i >= mid; i-- {
		if _, err := p.deleteCell(i); err != nil {
			return nil, err
		}
	}
	if err := p.defragment(); err != nil {
		return nil, err
	}
	return sep, nil
}

// findChild picks the child to descend into for key. The pointer
// convention: with separators s1 < ... < sn, the rightmost child covers
// keys < s1 and cell[i].leftChild covers keys >= s(i+1). Descend into
// cell[i].leftChild for the largest i with s(i+1) <= key, else into the
// rightmost child.
func (p *slottedPage) findChild(key []byte) (pageId, error) {
	idx, err := p.childIndex(key)
	if err != nil {
		return 0, err
	}
	return p.childAt(idx)
}

// childIndex maps key to a child slot: 0 is the rightmost child, i+1 is
// cell[i].leftChild. The cursor shares this numbering.
func (p *slottedPage) childIndex(key []byte) (int, error) {
	lb, found, err := p.search(key)
	if err != nil {
		return 0, err
	}
	if found {
		return lb + 1, nil
	}
	return lb, nil
}

func (p *slottedPage) childAt(idx int) (pageId, error) {
	if idx == 0 {
		return p.rightChild(), nil
	}
	c, err := p.cellAt(idx - 1)
	if err != nil {
		return 0, err
	}
	return c.leftChild, nil
}
