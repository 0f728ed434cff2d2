package btrstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"

	"github.com/nyan233/btrstore/internal/sys"
)

const (
	fileMagic         uint64 = 0x4254524553544F52
	fileFormatVersion uint32 = 1

	fileHeaderSize   = 64
	fileHeaderSumOff = 60
)

// fileHeader is the in-memory copy of page 0.
//
// Layout (little-endian):
//
//	off  size  field
//	0    8     magic
//	8    4     format version
//	12   4     page size
//	16   4     page count (file length / page size)
//	20   4     free-list head (0 = empty)
//	24   4     root page id (0 = empty tree)
//	28   4     tree height (0 = empty)
//	32   28    reserved
//	60   4     crc32 over bytes [0, 60)
type fileHeader struct {
	pageSize     uint32
	pageCount    uint32
	freeListHead pageId
	rootPage     pageId
	treeHeight   uint32
}

func (h *fileHeader) encode(buf []byte) {
	clear(buf[:fileHeaderSize])
	binary.LittleEndian.PutUint64(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], fileFormatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], h.pageSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.pageCount)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.freeListHead))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.rootPage))
	binary.LittleEndian.PutUint32(buf[28:32], h.treeHeight)
	sum := crc32.ChecksumIEEE(buf[:fileHeaderSumOff])
	binary.LittleEndian.PutUint32(buf[fileHeaderSumOff:fileHeaderSize], sum)
}

func (h *fileHeader) decode(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return &CorruptionError{Detail: "file header too short"}
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != fileMagic {
		return &CorruptionError{Detail: "bad magic"}
	}
	sum := binary.LittleEndian.Uint32(buf[fileHeaderSumOff:fileHeaderSize])
	if sum != crc32.ChecksumIEEE(buf[:fileHeaderSumOff]) {
		return &CorruptionError{Detail: "file header checksum mismatch"}
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != fileFormatVersion {
		return corruptionf("unsupported format version %d", v)
	}
	h.pageSize = binary.LittleEndian.Uint32(buf[12:16])
	h.pageCount = binary.LittleEndian.Uint32(buf[16:20])
	h.freeListHead = pageId(binary.LittleEndian.Uint32(buf[20:24]))
	h.rootPage = pageId(binary.LittleEndian.Uint32(buf[24:28]))
	h.treeHeight = binary.LittleEndian.Uint32(buf[28:32])
	return nil
}

// diskStorage owns the backing file and the in-memory header copy. Reads
// and writes move whole pages at id*pageSize.
type diskStorage struct {
	file        *os.File
	path        string
	pageSize    uint32
	syncOnWrite bool
	header      fileHeader
	freelist    freeList
	logger      *slog.Logger
	stat        *iStat
}

func newDiskStorage(path string, syncOnWrite bool, logger *slog.Logger, stat *iStat) *diskStorage {
	s := &diskStorage{
		path:        path,
		pageSize:    defaultPageSize,
		syncOnWrite: syncOnWrite,
		logger:      logger,
		stat:        stat,
	}
	s.freelist.s = s
	return s
}

func (s *diskStorage) init() (err error) {
	s.file, err = sys.OpenFile(s.path)
	if err != nil {
		return err
	}
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return s.initFile()
	}
	if fi.Size() < fileHeaderSize {
		return &CorruptionError{Detail: "file smaller than header"}
	}
	buf := make([]byte, fileHeaderSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read file header: %w", err)
	}
	if err := s.header.decode(buf); err != nil {
		return err
	}
	if s.header.pageSize != s.pageSize {
		return corruptionf("unsupported page size %d", s.header.pageSize)
	}
	if int64(s.header.pageCount)*int64(s.pageSize) != fi.Size() {
		return corruptionf("page count %d does not match file length %d",
			s.header.pageCount, fi.Size())
	}
	s.logger.Info("opened store",
		"path", s.path,
		"pageCount", s.header.pageCount,
		"root", uint32(s.header.rootPage),
		"height", s.header.treeHeight)
	return nil
}

func (s *diskStorage) initFile() error {
	s.header = fileHeader{
		pageSize:  s.pageSize,
		pageCount: 1,
	}
	buf := make([]byte, s.pageSize)
	s.header.encode(buf)
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync file header: %w", err)
	}
	s.logger.Info("created store", "path", s.path)
	return nil
}

func (s *diskStorage) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *diskStorage) pageCount() uint32 {
	return s.header.pageCount
}

func (s *diskStorage) readPage(id pageId) ([]byte, error) {
	if !id.valid() || uint32(id) >= s.header.pageCount {
		return nil, &PageNotFoundError{PgId: uint32(id)}
	}
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, id.fileOffset(s.pageSize)); err != nil {
		return nil, fmt.Errorf("read page %d: %w", uint32(id), err)
	}
	s.stat.pageRead.Add(1)
	return buf, nil
}

func (s *diskStorage) writePage(id pageId, buf []byte) error {
	if !id.valid() || uint32(id) >= s.header.pageCount {
		return &PageNotFoundError{PgId: uint32(id)}
	}
	if len(buf) != int(s.pageSize) {
		return fmt.Errorf("page buffer must be %d bytes, got %d", s.pageSize, len(buf))
	}
	if _, err := s.file.WriteAt(buf, id.fileOffset(s.pageSize)); err != nil {
		return fmt.Errorf("write page %d: %w", uint32(id), err)
	}
	s.stat.pageWrite.Add(1)
	if s.syncOnWrite {
		if err := sys.Fdatasync(s.file); err != nil {
			return fmt.Errorf("sync page %d: %w", uint32(id), err)
		}
	}
	return nil
}

// allocPage reuses a free-listed page when one exists, otherwise extends
// the file by one zeroed page. The caller receives a page whose on-disk
// contents are unspecified until the first writePage.
func (s *diskStorage) allocPage() (pageId, error) {
	id, ok, err := s.freelist.pop()
	if err != nil {
		return 0, err
	}
	if ok {
		s.logger.Debug("reused free page", "pgId", uint32(id))
		return id, nil
	}
	id = pageId(s.header.pageCount)
	buf := make([]byte, s.pageSize)
	if _, err := s.file.WriteAt(buf, id.fileOffset(s.pageSize)); err != nil {
		return 0, fmt.Errorf("extend file for page %d: %w", uint32(id), err)
	}
	s.header.pageCount++
	if err := s.flushHeader(); err != nil {
		return 0, err
	}
	s.logger.Debug("extended file", "pgId", uint32(id), "pageCount", s.header.pageCount)
	return id, nil
}

func (s *diskStorage) freePage(id pageId) error {
	if !id.valid() || uint32(id) >= s.header.pageCount {
		return &PageNotFoundError{PgId: uint32(id)}
	}
	s.logger.Debug("freed page", "pgId", uint32(id))
	return s.freelist.push(id)
}

func (s *diskStorage) setRoot(id pageId, height uint32) error {
	s.header.rootPage = id
	s.header.treeHeight = height
	return s.flushHeader()
}

// flushHeader recomputes the checksum and rewrites page 0. Called after
// every mutation of a stored header field.
func (s *diskStorage) flushHeader() error {
	buf := make([]byte, s.pageSize)
	s.header.encode(buf)
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	if s.syncOnWrite {
		if err := sys.Fdatasync(s.file); err != nil {
			return fmt.Errorf("sync file header: %w", err)
		}
	}
	return nil
}

func (s *diskStorage) sync() error {
	if err := s.flushHeader(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync store: %w", err)
	}
	return nil
}
