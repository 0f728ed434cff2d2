package btrstore

import "encoding/binary"

// freeList manages the chain of deallocated pages. The chain is threaded
// through the file itself: the first 4 bytes of a freed page hold the next
// free page id (0 terminates), and the head id lives in the file header.
// Each freed id appears in the chain exactly once.
type freeList struct {
	s *diskStorage
}

func (f *freeList) head() pageId {
	return f.s.header.freeListHead
}

// pop detaches the head of the chain and returns it, or false when the
// chain is empty. The file header is rewritten to point at the new head.
func (f *freeList) pop() (pageId, bool, error) {
	head := f.s.header.freeListHead
	if !head.valid() {
		return 0, false, nil
	}
	buf, err := f.s.readPage(head)
	if err != nil {
		return 0, false, err
	}
	next := pageId(binary.LittleEndian.Uint32(buf[:4]))
	f.s.header.freeListHead = next
	if err := f.s.flushHeader(); err != nil {
		return 0, false, err
	}
	return head, true, nil
}

// push threads id onto the chain head. The next pointer is written into
// the freed page before the header moves, so an interrupted push leaves
// the old chain intact.
func (f *freeList) push(id pageId) error {
	buf := make([]byte, f.s.pageSize)
	binary.LittleEndian.PutUint32(buf[:4], uint32(f.s.header.freeListHead))
	if err := f.s.writePage(id, buf); err != nil {
		return err
	}
	f.s.header.freeListHead = id
	return f.s.flushHeader()
}
