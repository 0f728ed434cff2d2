package btrstore

import "encoding/binary"

// cell is one variable-length record inside a page.
//
// Encoded layouts (little-endian):
//
//	leaf:     varint(keyLen) | varint(valLen) | key | value
//	interior: varint(keyLen) | leftChild u32  | key
//
// leftChild is the child holding keys at or above this cell's key; see
// slottedPage.findChild for the full pointer convention.
type cell struct {
	key       []byte
	value     []byte
	leftChild pageId
}

func newLeafCell(key, value []byte) cell {
	return cell{key: key, value: value}
}

func newInteriorCell(key []byte, leftChild pageId) cell {
	return cell{key: key, leftChild: leftChild}
}

func (c *cell) encodedSize(leaf bool) int {
	if leaf {
		return uvarintLen(uint64(len(c.key))) + uvarintLen(uint64(len(c.value))) +
			len(c.key) + len(c.value)
	}
	return uvarintLen(uint64(len(c.key))) + 4 + len(c.key)
}

func (c *cell) encode(leaf bool) []byte {
	buf := make([]byte, 0, c.encodedSize(leaf))
	buf = appendUvarint(buf, uint64(len(c.key)))
	if leaf {
		buf = appendUvarint(buf, uint64(len(c.value)))
		buf = append(buf, c.key...)
		buf = append(buf, c.value...)
		return buf
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.leftChild))
	buf = append(buf, c.key...)
	return buf
}

// decodeLeafCell parses a leaf cell from the front of buf. The returned
// key/value alias buf; callers that retain them past the page guard must
// copy.
func decodeLeafCell(buf []byte, pageSize uint32) (cell, int, error) {
	keyLen, n, err := readUvarint(buf, uint64(pageSize))
	if err != nil {
		return cell{}, 0, err
	}
	off := n
	valLen, n, err := readUvarint(buf[off:], uint64(pageSize))
	if err != nil {
		return cell{}, 0, err
	}
	off += n
	end := off + int(keyLen) + int(valLen)
	if end > len(buf) {
		return cell{}, 0, &CorruptionError{Detail: "truncated leaf cell"}
	}
	c := cell{
		key:   buf[off : off+int(keyLen)],
		value: buf[off+int(keyLen) : end],
	}
	return c, end, nil
}

func decodeInteriorCell(buf []byte, pageSize uint32) (cell, int, error) {
	keyLen, n, err := readUvarint(buf, uint64(pageSize))
	if err != nil {
		return cell{}, 0, err
	}
	off := n
	if off+4 > len(buf) {
		return cell{}, 0, &CorruptionError{Detail: "truncated interior cell"}
	}
	child := pageId(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	end := off + int(keyLen)
	if end > len(buf) {
		return cell{}, 0, &CorruptionError{Detail: "truncated interior cell"}
	}
	c := cell{
		key:       buf[off:end],
		leftChild: child,
	}
	return c, end, nil
}
