package btrstore

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDb(t *testing.T) {
	initTest(t)
	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := Open(Config{})
		require.ErrorIs(t, err, ErrInvalidConfig)
		_, err = Open(Config{Path: "testdata/x.dat", MaxLeafKeys: 1})
		require.ErrorIs(t, err, ErrInvalidConfig)
		_, err = Open(Config{Path: "testdata/x.dat", BufferPoolSize: -1})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
	t.Run("KeyLimits", func(t *testing.T) {
		db := newTestDb(t, "db.keylimit.dat", Config{})
		require.NoError(t, db.Put(bytes.Repeat([]byte{'k'}, MaxKeySize), []byte("v")))
		err := db.Put(bytes.Repeat([]byte{'k'}, MaxKeySize+1), []byte("v"))
		var kerr *KeyTooLargeError
		require.ErrorAs(t, err, &kerr)
		require.Equal(t, MaxKeySize+1, kerr.Size)
	})
	t.Run("ValueLimits", func(t *testing.T) {
		db := newTestDb(t, "db.vallimit.dat", Config{})
		var verr *ValueTooLargeError
		err := db.Put([]byte("k"), make([]byte, MaxValueSize+1))
		require.ErrorAs(t, err, &verr)
		require.Equal(t, MaxValueSize+1, verr.Size)
		// a value below the hard ceiling still has to fit one page
		err = db.Put([]byte("k"), make([]byte, defaultPageSize))
		require.ErrorAs(t, err, &verr)
	})
	t.Run("EmptyKeyAndValue", func(t *testing.T) {
		db := newTestDb(t, "db.empty.dat", Config{})
		require.NoError(t, db.Put([]byte{}, []byte("empty-key")))
		require.NoError(t, db.Put([]byte("k"), []byte{}))
		v, found, err := db.Get([]byte{})
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("empty-key"), v)
		v, found, err = db.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, found)
		require.Empty(t, v)
		// the empty key sorts first
		keys, _ := collect(t, db)
		require.Equal(t, []string{"", "k"}, keys)
	})
	t.Run("ConcurrentReaders", func(t *testing.T) {
		db := newTestDb(t, "db.readers.dat", Config{})
		const n = 256
		for i := 0; i < n; i++ {
			require.NoError(t, db.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("val%04d", i))))
		}
		var wg sync.WaitGroup
		wg.Add(16)
		for r := 0; r < 16; r++ {
			go func(r int) {
				defer wg.Done()
				for i := 0; i < n; i++ {
					k := []byte(fmt.Sprintf("key%04d", (i+r)%n))
					v, found, err := db.Get(k)
					require.NoError(t, err)
					require.True(t, found)
					require.Equal(t, "val"+string(k[3:]), string(v))
				}
			}(r)
		}
		wg.Wait()
	})
	t.Run("MixedReadWrite", func(t *testing.T) {
		db := newTestDb(t, "db.mixed.dat", Config{})
		var wg sync.WaitGroup
		wg.Add(5)
		go func() {
			defer wg.Done()
			for i := 0; i < 512; i++ {
				require.NoError(t, db.Put([]byte(fmt.Sprintf("key%04d", i)), []byte("v")))
			}
		}()
		for r := 0; r < 4; r++ {
			go func() {
				defer wg.Done()
				for i := 0; i < 512; i++ {
					_, _, err := db.Get([]byte(fmt.Sprintf("key%04d", i)))
					require.NoError(t, err)
				}
			}()
		}
		wg.Wait()
		keys, _ := collect(t, db)
		require.Len(t, keys, 512)
	})
	t.Run("Stats", func(t *testing.T) {
		db := newTestDb(t, "db.stats.dat", Config{BufferPoolSize: 64})
		st := db.Stats()
		require.EqualValues(t, 1, st.PageCount)
		require.Equal(t, 64, st.BufferPoolSize)
		require.EqualValues(t, 0, st.TreeHeight)
		require.NoError(t, db.Put([]byte("a"), []byte("1")))
		st = db.Stats()
		require.EqualValues(t, 2, st.PageCount)
		require.EqualValues(t, 1, st.TreeHeight)
		require.NoError(t, db.Flush())
		es := db.ExportStat()
		require.NotZero(t, es.PageWrite)
		require.NotZero(t, es.DirtyFlush)
	})
	t.Run("SyncOnWrite", func(t *testing.T) {
		db := newTestDb(t, "db.sync.dat", Config{SyncOnWrite: true})
		require.NoError(t, db.Put([]byte("a"), []byte("1")))
		require.NoError(t, db.Flush())
		v, found, err := db.Get([]byte("a"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("1"), v)
	})
	t.Run("TypedMap", func(t *testing.T) {
		db := newTestDb(t, "db.typed.dat", Config{})
		m := NewMap[uint64, string](db, Uint64Codec{}, JsonTypeCodec[string]{})
		for i := uint64(0); i < 100; i++ {
			require.NoError(t, m.Put(i, fmt.Sprintf("value-%d", i)))
		}
		v, found, err := m.Get(42)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "value-42", v)
		// big-endian keys keep the numeric order
		var got []uint64
		require.NoError(t, m.Range(90, func(k uint64, v string) bool {
			got = append(got, k)
			return true
		}))
		require.Equal(t, []uint64{90, 91, 92, 93, 94, 95, 96, 97, 98, 99}, got)
		found, err = m.Del(42)
		require.NoError(t, err)
		require.True(t, found)
		_, found, err = m.Get(42)
		require.NoError(t, err)
		require.False(t, found)
	})
	t.Run("SmallPool", func(t *testing.T) {
		// a pool far smaller than the working set still serves everything
		db := newTestDb(t, "db.smallpool.dat", Config{BufferPoolSize: 4, MaxLeafKeys: 4, MaxInteriorKeys: 3})
		const n = 512
		for i := 0; i < n; i++ {
			require.NoError(t, db.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("val%04d", i))))
		}
		for i := 0; i < n; i++ {
			v, found, err := db.Get([]byte(fmt.Sprintf("key%04d", i)))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, fmt.Sprintf("val%04d", i), string(v))
		}
		require.NotZero(t, db.ExportStat().Evict)
	})
}
