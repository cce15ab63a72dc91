package correlator

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

const indexShards = 32

// index is a uuid-keyed map split over independently locked shards.
type index[V any] struct {
	shards [indexShards]indexShard[V]
}

type indexShard[V any] struct {
	mu sync.RWMutex
	m  map[uuid.UUID]V
}

func newIndex[V any]() *index[V] {
	idx := &index[V]{}
	for i := range idx.shards {
		idx.shards[i].m = make(map[uuid.UUID]V)
	}
	return idx
}

func (idx *index[V]) shard(id uuid.UUID) *indexShard[V] {
	return &idx.shards[binary.BigEndian.Uint32(id[12:])%indexShards]
}

// insert stores v unless id is present and reports whether it did.
func (idx *index[V]) insert(id uuid.UUID, v V) bool {
	s := idx.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = v
	return true
}

func (idx *index[V]) get(id uuid.UUID) (V, bool) {
	s := idx.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	return v, ok
}

func (idx *index[V]) remove(id uuid.UUID) {
	s := idx.shard(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (idx *index[V]) values() []V {
	var out []V
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, v := range s.m {
			out = append(out, v)
		}
		s.mu.RUnlock()
	}
	return out
}
