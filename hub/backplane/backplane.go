// Package backplane relays messages between hub instances.
//
// Every instance subscribes to the topics of the principals it hosts and to
// its own instance topic. A publish reaches whichever instances hold a
// subscription; when none does, the message is dropped and the publisher is
// told so through a zero receiver count. Nothing is buffered for absent
// subscribers.
package backplane

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("backplane closed")
	ErrInvalidTopic = errors.New("invalid topic")
)

// Topic prefixes.
const (
	PrefixPrincipal = "principal:"
	PrefixTenant    = "tenant:"
	PrefixInstance  = "instance:"
)

// Handler receives messages for subscribed topics. Calls for one node are
// sequential and in arrival order.
type Handler func(topic string, data []byte)

// Backplane is the cross-instance pub/sub transport.
type Backplane interface {
	// Publish sends data to every instance subscribed to topic and returns
	// how many received it.
	Publish(ctx context.Context, topic string, data []byte) (receivers int, err error)
	// Subscribe starts delivery of topic to this instance. Subscriptions are
	// reference counted; the returned function releases one reference and is
	// safe to call more than once.
	Subscribe(ctx context.Context, topic string) (unsubscribe func(), err error)
	// Online reports whether any instance is subscribed to topic.
	Online(ctx context.Context, topic string) (bool, error)
	// Receivers reports how many instances are subscribed to topic,
	// this one included.
	Receivers(ctx context.Context, topic string) (int, error)
	Close() error
}

// PrincipalTopic addresses every session of one principal.
func PrincipalTopic(id uuid.UUID) string { return PrefixPrincipal + id.String() }

// TenantTopic addresses the presence listeners of one tenant.
func TenantTopic(id uuid.UUID) string { return PrefixTenant + id.String() }

// InstanceTopic addresses one hub instance.
func InstanceTopic(instanceID string) string { return PrefixInstance + instanceID }

// ParseTopic splits a topic into its prefix and key.
func ParseTopic(topic string) (prefix, key string, err error) {
	for _, p := range []string{PrefixPrincipal, PrefixTenant, PrefixInstance} {
		if rest, ok := strings.CutPrefix(topic, p); ok && rest != "" {
			return p, rest, nil
		}
	}
	return "", "", ErrInvalidTopic
}

// topicRefs is the per-instance reference count shared by implementations.
type topicRefs map[string]int

// acquire increments topic and reports whether it was the first reference.
func (r topicRefs) acquire(topic string) bool {
	r[topic]++
	return r[topic] == 1
}

// release decrements topic and reports whether it was the last reference.
func (r topicRefs) release(topic string) bool {
	n, ok := r[topic]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r, topic)
		return true
	}
	r[topic] = n - 1
	return false
}

// topicLocks serializes subscribe and release per topic, so the transport
// attach and detach for one topic happen in the same order as the
// reference count changes that caused them.
type topicLocks struct {
	mu    sync.Mutex
	locks map[string]*topicLock
}

type topicLock struct {
	mu    sync.Mutex
	users int
}

func (l *topicLocks) lock(topic string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*topicLock)
	}
	tl, ok := l.locks[topic]
	if !ok {
		tl = &topicLock{}
		l.locks[topic] = tl
	}
	tl.users++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.users--
		if tl.users == 0 {
			delete(l.locks, topic)
		}
		l.mu.Unlock()
	}
}
