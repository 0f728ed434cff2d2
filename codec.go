package btrstore

import (
	"encoding/binary"
	"encoding/json"
)

var (
	_ Codec[[]byte] = new(BytesCodec)
	_ Codec[uint64] = new(Uint64Codec)
	_ Codec[string] = new(JsonTypeCodec[string])
)

// Codec converts typed keys and values to the raw bytes the tree stores.
type Codec[T any] interface {
	Unmarshal(data []byte, v *T) error
	Marshal(v *T) ([]byte, error)
}

type BytesCodec struct{}

func (b BytesCodec) Unmarshal(data []byte, v *[]byte) error {
	*v = data
	return nil
}

func (b BytesCodec) Marshal(v *[]byte) ([]byte, error) {
	return *v, nil
}

// Uint64Codec encodes big-endian so the numeric order matches the tree's
// lexicographic key order.
type Uint64Codec struct{}

func (u Uint64Codec) Unmarshal(data []byte, v *uint64) error {
	*v = binary.BigEndian.Uint64(data)
	return nil
}

func (u Uint64Codec) Marshal(v *uint64) (b []byte, err error) {
	b = binary.BigEndian.AppendUint64(b, *v)
	return
}

type JsonTypeCodec[T any] struct{}

func (j JsonTypeCodec[T]) Unmarshal(data []byte, v *T) error {
	return json.Unmarshal(data, v)
}

func (j JsonTypeCodec[T]) Marshal(v *T) ([]byte, error) {
	return json.Marshal(v)
}

// Map is a typed view over a Db: keys and values pass through the
// configured codecs on the way in and out.
type Map[K any, V any] struct {
	db       *Db
	keyCodec Codec[K]
	valCodec Codec[V]
}

func NewMap[K any, V any](db *Db, keyCodec Codec[K], valCodec Codec[V]) *Map[K, V] {
	return &Map[K, V]{
		db:       db,
		keyCodec: keyCodec,
		valCodec: valCodec,
	}
}

func (m *Map[K, V]) Put(key K, value V) error {
	keyBytes, err := m.keyCodec.Marshal(&key)
	if err != nil {
		return err
	}
	valBytes, err := m.valCodec.Marshal(&value)
	if err != nil {
		return err
	}
	return m.db.Put(keyBytes, valBytes)
}

func (m *Map[K, V]) Get(key K) (value V, found bool, err error) {
	var keyBytes, valBytes []byte
	keyBytes, err = m.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	valBytes, found, err = m.db.Get(keyBytes)
	if err != nil || !found {
		return
	}
	err = m.valCodec.Unmarshal(valBytes, &value)
	return
}

func (m *Map[K, V]) Del(key K) (found bool, err error) {
	keyBytes, err := m.keyCodec.Marshal(&key)
	if err != nil {
		return false, err
	}
	return m.db.Delete(keyBytes)
}

// Range calls fn for every pair with key >= start, decoded through the
// codecs, in ascending key order.
func (m *Map[K, V]) Range(start K, fn func(key K, value V) bool) error {
	startBytes, err := m.keyCodec.Marshal(&start)
	if err != nil {
		return err
	}
	return m.db.Range(startBytes, nil, func(k, v []byte) bool {
		var (
			gKey K
			gVal V
		)
		if err := m.keyCodec.Unmarshal(k, &gKey); err != nil {
			panic(err)
		}
		if err := m.valCodec.Unmarshal(v, &gVal); err != nil {
			panic(err)
		}
		return fn(gKey, gVal)
	})
}
