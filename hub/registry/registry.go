// Package registry indexes the live sessions hosted by this hub instance.
//
// Principals are spread over a fixed number of shards, each guarded by its
// own lock, so register and unregister for different principals rarely
// contend and never block each other across shards. Mutation of one
// principal's bucket is atomic within its shard.
package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

const shardCount = 64

// Session is a live connection bound to one principal.
type Session interface {
	ID() string
	Principal() auth.Principal
	Send(env protocol.Envelope) error
}

type shard struct {
	mu      sync.RWMutex
	buckets map[uuid.UUID]map[string]Session
}

// Registry maps principal ids to their local sessions.
type Registry struct {
	shards [shardCount]*shard
	count  atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{buckets: make(map[uuid.UUID]map[string]Session)}
	}
	return r
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return r.shards[h.Sum32()%shardCount]
}

// Register adds s under its principal. It reports whether s is the
// principal's first live session on this instance.
func (r *Registry) Register(s Session) (first bool) {
	id := s.Principal().ID
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket, ok := sh.buckets[id]
	if !ok {
		bucket = make(map[string]Session, 1)
		sh.buckets[id] = bucket
	}
	if _, dup := bucket[s.ID()]; dup {
		return false
	}
	bucket[s.ID()] = s
	r.count.Add(1)
	return len(bucket) == 1
}

// Unregister removes s. It reports whether s was the principal's last live
// session on this instance. Unregistering an unknown session is a no-op.
func (r *Registry) Unregister(s Session) (last bool) {
	id := s.Principal().ID
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket, ok := sh.buckets[id]
	if !ok {
		return false
	}
	if _, ok := bucket[s.ID()]; !ok {
		return false
	}
	delete(bucket, s.ID())
	r.count.Add(-1)
	if len(bucket) == 0 {
		delete(sh.buckets, id)
		return true
	}
	return false
}

// IsOnline reports whether the principal has at least one local session.
func (r *Registry) IsOnline(id uuid.UUID) bool {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.buckets[id]) > 0
}

// Route returns a snapshot of the principal's local sessions.
func (r *Registry) Route(id uuid.UUID) []Session {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	bucket := sh.buckets[id]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Sessions calls fn for every live session until fn returns false. Each
// shard is snapshotted before fn runs, so fn may call back into the registry.
func (r *Registry) Sessions(fn func(Session) bool) {
	for _, sh := range r.shards {
		var snapshot []Session
		sh.mu.RLock()
		for _, bucket := range sh.buckets {
			for _, s := range bucket {
				snapshot = append(snapshot, s)
			}
		}
		sh.mu.RUnlock()

		for _, s := range snapshot {
			if !fn(s) {
				return
			}
		}
	}
}

// Clear drops every entry and returns the sessions that were registered.
func (r *Registry) Clear() []Session {
	var dropped []Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, bucket := range sh.buckets {
			for _, s := range bucket {
				dropped = append(dropped, s)
			}
			delete(sh.buckets, id)
		}
		sh.mu.Unlock()
	}
	r.count.Add(-int64(len(dropped)))
	return dropped
}
