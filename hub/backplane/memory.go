package backplane

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process backplane. Nodes created from one bus behave
// like separate hub instances sharing a broker.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryNode]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*MemoryNode]struct{})}
}

type delivery struct {
	topic string
	data  []byte
}

// MemoryNode is one instance's view of a MemoryBus.
type MemoryNode struct {
	bus     *MemoryBus
	handler Handler
	logger  *slog.Logger

	topics topicLocks
	mu     sync.RWMutex // guards refs, closed and sends on queue
	refs   topicRefs
	closed bool
	queue  chan delivery
	done   chan struct{}

	releaseHook func(topic string) // runs between the last release and the detach
}

// NewNode attaches a node to the bus. Messages for the node's topics are
// passed to handler from a single goroutine; at most queueSize messages wait
// for it, further ones are dropped.
func (b *MemoryBus) NewNode(handler Handler, queueSize int, logger *slog.Logger) *MemoryNode {
	if queueSize <= 0 {
		queueSize = 1024
	}
	n := &MemoryNode{
		bus:     b,
		handler: handler,
		logger:  logger.With("component", "backplane", "driver", "memory"),
		refs:    make(topicRefs),
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *MemoryNode) run() {
	defer close(n.done)
	for d := range n.queue {
		n.handler(d.topic, d.data)
	}
}

func (n *MemoryNode) enqueue(d delivery) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- d:
		return true
	default:
		n.logger.Warn("delivery queue full, dropping message", "topic", d.topic)
		return false
	}
}

// Publish implements Backplane.
func (n *MemoryNode) Publish(ctx context.Context, topic string, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	// Holding the bus read lock across the fan-out keeps the enqueue order
	// of one publisher's messages intact on every receiving node.
	n.bus.mu.RLock()
	defer n.bus.mu.RUnlock()

	receivers := 0
	for node := range n.bus.subs[topic] {
		if node.enqueue(delivery{topic: topic, data: data}) {
			receivers++
		}
	}
	return receivers, nil
}

// Subscribe implements Backplane.
func (n *MemoryNode) Subscribe(ctx context.Context, topic string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := n.topics.lock(topic)
	defer unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	first := n.refs.acquire(topic)
	n.mu.Unlock()

	if first {
		n.bus.mu.Lock()
		nodes, ok := n.bus.subs[topic]
		if !ok {
			nodes = make(map[*MemoryNode]struct{})
			n.bus.subs[topic] = nodes
		}
		nodes[n] = struct{}{}
		n.bus.mu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { n.release(topic) })
	}, nil
}

func (n *MemoryNode) release(topic string) {
	unlock := n.topics.lock(topic)
	defer unlock()

	n.mu.Lock()
	last := n.refs.release(topic)
	hook := n.releaseHook
	n.mu.Unlock()
	if !last {
		return
	}
	if hook != nil {
		hook(topic)
	}
	n.bus.detach(n, topic)
}

func (b *MemoryBus) detach(n *MemoryNode, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nodes := b.subs[topic]
	delete(nodes, n)
	if len(nodes) == 0 {
		delete(b.subs, topic)
	}
}

// Online implements Backplane.
func (n *MemoryNode) Online(ctx context.Context, topic string) (bool, error) {
	count, err := n.Receivers(ctx, topic)
	return count > 0, err
}

// Receivers implements Backplane.
func (n *MemoryNode) Receivers(ctx context.Context, topic string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.bus.mu.RLock()
	defer n.bus.mu.RUnlock()
	return len(n.bus.subs[topic]), nil
}

// Close detaches the node from every topic and waits for queued deliveries
// to drain.
func (n *MemoryNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	topics := make([]string, 0, len(n.refs))
	for t := range n.refs {
		topics = append(topics, t)
	}
	n.refs = make(topicRefs)
	close(n.queue)
	n.mu.Unlock()

	for _, t := range topics {
		n.bus.detach(n, t)
	}
	<-n.done
	return nil
}
