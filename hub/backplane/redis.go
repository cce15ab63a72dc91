package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backplane over Redis PUBLISH/SUBSCRIBE. One Redis instance
// holds one subscription per topic, so PUBLISH receiver counts are
// instance counts.
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	handler Handler
	logger  *slog.Logger

	topics topicLocks
	mu     sync.Mutex
	refs   topicRefs
	ready  map[string]chan struct{} // closed once the server confirms the subscription
	closed bool
	done   chan struct{}

	releaseHook func(topic string) // runs between the last release and UNSUBSCRIBE
}

// NewRedis starts a backplane on client. The client is owned by the caller.
func NewRedis(ctx context.Context, client *redis.Client, handler Handler, logger *slog.Logger) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &Redis{
		client:  client,
		pubsub:  client.Subscribe(ctx),
		handler: handler,
		logger:  logger.With("component", "backplane", "driver", "redis"),
		refs:    make(topicRefs),
		ready:   make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(r.pubsub.ChannelWithSubscriptions())
	return r, nil
}

func (r *Redis) run(ch <-chan any) {
	defer close(r.done)
	for m := range ch {
		switch msg := m.(type) {
		case *redis.Message:
			r.handler(msg.Channel, []byte(msg.Payload))
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				r.confirm(msg.Channel)
			}
		}
	}
}

func (r *Redis) confirm(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.ready[topic]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Publish implements Backplane.
func (r *Redis) Publish(ctx context.Context, topic string, data []byte) (int, error) {
	n, err := r.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return int(n), nil
}

// Subscribe implements Backplane. It returns once Redis has confirmed the
// subscription, so a publish issued afterwards is delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string) (func(), error) {
	unlock := r.topics.lock(topic)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unlock()
		return nil, ErrClosed
	}
	first := r.refs.acquire(topic)
	if first {
		r.ready[topic] = make(chan struct{})
	}
	ready := r.ready[topic]
	r.mu.Unlock()

	if first {
		// SUBSCRIBE and UNSUBSCRIBE share one connection; issuing them under
		// the topic lock keeps them in reference count order.
		if err := r.pubsub.Subscribe(ctx, topic); err != nil {
			r.mu.Lock()
			r.refs.release(topic)
			delete(r.ready, topic)
			r.mu.Unlock()
			unlock()
			return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
	}
	unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { r.release(topic) })
	}

	select {
	case <-ready:
		return unsubscribe, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	}
}

func (r *Redis) release(topic string) {
	unlock := r.topics.lock(topic)
	defer unlock()

	r.mu.Lock()
	last := r.refs.release(topic)
	if last {
		delete(r.ready, topic)
	}
	closed := r.closed
	hook := r.releaseHook
	r.mu.Unlock()

	if !last || closed {
		return
	}
	if hook != nil {
		hook(topic)
	}
	if err := r.pubsub.Unsubscribe(context.Background(), topic); err != nil {
		r.logger.Warn("redis unsubscribe failed", "topic", topic, "error", err)
	}
}

// Online implements Backplane using PUBSUB NUMSUB.
func (r *Redis) Online(ctx context.Context, topic string) (bool, error) {
	count, err := r.Receivers(ctx, topic)
	return count > 0, err
}

// Receivers implements Backplane using PUBSUB NUMSUB.
func (r *Redis) Receivers(ctx context.Context, topic string) (int, error) {
	counts, err := r.client.PubSubNumSub(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("redis numsub %s: %w", topic, err)
	}
	return int(counts[topic]), nil
}

// Close ends every subscription of this instance.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.refs = make(topicRefs)
	r.mu.Unlock()

	err := r.pubsub.Close()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("timed out waiting for subscription reader to stop")
	}
	return err
}
