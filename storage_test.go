package btrstore

import (
	"io"
	"log/slog"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTest(t *testing.T) {
	err := os.RemoveAll("testdata")
	require.NoError(t, err)
	err = os.Mkdir("testdata", 0755)
	if err != nil && !os.IsExist(err) {
		t.Fatal(err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStorage(t *testing.T, name string) *diskStorage {
	s := newDiskStorage(path.Join("testdata", name), false, testLogger(), new(iStat))
	require.NoError(t, s.init())
	t.Cleanup(func() { _ = s.close() })
	return s
}

func TestStorage(t *testing.T) {
	initTest(t)
	t.Run("FreshFile", func(t *testing.T) {
		s := newTestStorage(t, "fresh.dat")
		require.EqualValues(t, 1, s.pageCount())
		require.Equal(t, pageId(0), s.header.rootPage)
		require.EqualValues(t, 0, s.header.treeHeight)
	})
	t.Run("AllocExtendsFile", func(t *testing.T) {
		s := newTestStorage(t, "alloc.dat")
		p1, err := s.allocPage()
		require.NoError(t, err)
		require.Equal(t, pageId(1), p1)
		p2, err := s.allocPage()
		require.NoError(t, err)
		require.Equal(t, pageId(2), p2)
		require.EqualValues(t, 3, s.pageCount())
		fi, err := s.file.Stat()
		require.NoError(t, err)
		require.EqualValues(t, 3*defaultPageSize, fi.Size())
	})
	t.Run("WriteRead", func(t *testing.T) {
		s := newTestStorage(t, "rw.dat")
		id, err := s.allocPage()
		require.NoError(t, err)
		buf := make([]byte, defaultPageSize)
		copy(buf, "hello")
		require.NoError(t, s.writePage(id, buf))
		got, err := s.readPage(id)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), got[:5])
	})
	t.Run("PageNotFound", func(t *testing.T) {
		s := newTestStorage(t, "oob.dat")
		var nferr *PageNotFoundError
		_, err := s.readPage(0)
		require.ErrorAs(t, err, &nferr)
		_, err = s.readPage(42)
		require.ErrorAs(t, err, &nferr)
		require.EqualValues(t, 42, nferr.PgId)
	})
	t.Run("FreeListReuse", func(t *testing.T) {
		s := newTestStorage(t, "freelist.dat")
		p1, err := s.allocPage()
		require.NoError(t, err)
		p2, err := s.allocPage()
		require.NoError(t, err)
		p3, err := s.allocPage()
		require.NoError(t, err)
		require.NoError(t, s.freePage(p2))
		require.Equal(t, p2, s.freelist.head())
		got, err := s.allocPage()
		require.NoError(t, err)
		require.Equal(t, p2, got)
		require.False(t, s.freelist.head().valid())
		// LIFO order: the most recently freed page comes back first
		require.NoError(t, s.freePage(p1))
		require.NoError(t, s.freePage(p3))
		got, err = s.allocPage()
		require.NoError(t, err)
		require.Equal(t, p3, got)
		got, err = s.allocPage()
		require.NoError(t, err)
		require.Equal(t, p1, got)
	})
	t.Run("Reopen", func(t *testing.T) {
		s := newTestStorage(t, "reopen.dat")
		id, err := s.allocPage()
		require.NoError(t, err)
		buf := make([]byte, defaultPageSize)
		copy(buf, "persist")
		require.NoError(t, s.writePage(id, buf))
		require.NoError(t, s.setRoot(id, 1))
		require.NoError(t, s.close())

		s2 := newTestStorage(t, "reopen.dat")
		require.EqualValues(t, 2, s2.pageCount())
		require.Equal(t, id, s2.header.rootPage)
		require.EqualValues(t, 1, s2.header.treeHeight)
		got, err := s2.readPage(id)
		require.NoError(t, err)
		require.Equal(t, []byte("persist"), got[:7])
	})
	t.Run("HeaderCorruption", func(t *testing.T) {
		s := newTestStorage(t, "corrupt.dat")
		require.NoError(t, s.close())
		f, err := os.OpenFile(path.Join("testdata", "corrupt.dat"), os.O_RDWR, 0644)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xFF}, 17)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		s2 := newDiskStorage(path.Join("testdata", "corrupt.dat"), false, testLogger(), new(iStat))
		err = s2.init()
		var cerr *CorruptionError
		require.ErrorAs(t, err, &cerr)
		_ = s2.close()
	})
	t.Run("BadMagic", func(t *testing.T) {
		p := path.Join("testdata", "notadb.dat")
		require.NoError(t, os.WriteFile(p, make([]byte, defaultPageSize), 0644))
		s := newDiskStorage(p, false, testLogger(), new(iStat))
		err := s.init()
		var cerr *CorruptionError
		require.ErrorAs(t, err, &cerr)
		_ = s.close()
	})
}

func TestFileHeaderRoundTrip(t *testing.T) {
	h := fileHeader{
		pageSize:     defaultPageSize,
		pageCount:    100,
		freeListHead: 50,
		rootPage:     1,
		treeHeight:   3,
	}
	buf := make([]byte, defaultPageSize)
	h.encode(buf)
	var got fileHeader
	require.NoError(t, got.decode(buf))
	require.Equal(t, h, got)
	// any flipped byte inside the summed region must be detected
	buf[20] ^= 0xFF
	require.Error(t, got.decode(buf))
}
