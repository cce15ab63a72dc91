// Package correlator tracks in-flight command batches and matches device
// responses to their pending entries.
//
// A batch moves from pending to complete exactly once: when its last device
// settles, when its timeout fires, or when it is canceled. Completed batches
// are dropped from memory together with their command index entries, so a
// late or repeated response finds nothing and is discarded.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// DefaultTimeout bounds how long a batch waits for responses.
const DefaultTimeout = 30 * time.Second

var (
	ErrUnknownBatch    = errors.New("unknown batch")
	ErrNoTargets       = errors.New("batch has no targets")
	ErrDuplicateTarget = errors.New("duplicate target")
)

// Target pairs a device with the command id addressed to it.
type Target struct {
	DeviceID  uuid.UUID
	CommandID uuid.UUID
}

// Params describes a batch to open.
type Params struct {
	ID        uuid.UUID // generated when zero
	RequestID string
	Kind      protocol.CommandKind
	Requester auth.Principal
	Targets   []Target
	Timeout   time.Duration // correlator default when zero
}

// Options configures a Correlator.
type Options struct {
	Timeout time.Duration
	// OnResult is called once per settled device, in settlement order.
	OnResult func(b *Batch, r protocol.DeviceResult)
	// OnComplete is called once per batch after its last OnResult.
	// Neither callback runs with the batch locked.
	OnComplete func(b *Batch, r protocol.BatchResult)
	Logger     *slog.Logger
}

// Correlator owns every in-flight batch of this hub instance.
type Correlator struct {
	batches  *index[*Batch]
	commands *index[uuid.UUID] // command id -> batch id
	pending  atomic.Int64

	timeout    time.Duration
	onResult   func(*Batch, protocol.DeviceResult)
	onComplete func(*Batch, protocol.BatchResult)
	logger     *slog.Logger
}

// New creates a correlator.
func New(opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		batches:    newIndex[*Batch](),
		commands:   newIndex[uuid.UUID](),
		timeout:    opts.Timeout,
		onResult:   opts.OnResult,
		onComplete: opts.OnComplete,
		logger:     logger.With("component", "correlator"),
	}
}

// Open registers a pending batch and arms its timeout. Open must happen
// before any command of the batch is published.
func (c *Correlator) Open(params Params) (*Batch, error) {
	if len(params.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if params.ID == uuid.Nil {
		params.ID = uuid.New()
	}

	b := &Batch{
		ID:        params.ID,
		RequestID: params.RequestID,
		Kind:      params.Kind,
		Requester: params.Requester,
		CreatedAt: time.Now(),
		DeviceIDs: make([]uuid.UUID, 0, len(params.Targets)),
		commands:  make(map[uuid.UUID]uuid.UUID, len(params.Targets)),
		devices:   make(map[uuid.UUID]uuid.UUID, len(params.Targets)),
		remaining: make(map[uuid.UUID]struct{}, len(params.Targets)),
		results:   make(map[uuid.UUID]protocol.DeviceResult, len(params.Targets)),
		done:      make(chan struct{}),
	}
	for _, t := range params.Targets {
		if _, dup := b.commands[t.DeviceID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, t.DeviceID)
		}
		b.DeviceIDs = append(b.DeviceIDs, t.DeviceID)
		b.commands[t.DeviceID] = t.CommandID
		b.devices[t.CommandID] = t.DeviceID
		b.remaining[t.DeviceID] = struct{}{}
	}

	if !c.batches.insert(b.ID, b) {
		return nil, fmt.Errorf("batch %s already open", b.ID)
	}
	for _, t := range params.Targets {
		c.commands.insert(t.CommandID, b.ID)
	}
	c.pending.Add(1)

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	b.mu.Lock()
	b.timer = time.AfterFunc(timeout, func() { c.expire(b) })
	b.mu.Unlock()

	return b, nil
}

// Resolve applies a device response to its pending entry. It reports false,
// leaving all state untouched, for unknown command ids, duplicates, and
// responses from a device or tenant other than the one addressed.
func (c *Correlator) Resolve(resp protocol.CommandResponse) bool {
	commandID, err := uuid.Parse(resp.CommandID)
	if err != nil {
		c.logger.Debug("response with malformed command id dropped", "command_id", resp.CommandID)
		return false
	}
	batchID, ok := c.commands.get(commandID)
	if !ok {
		c.logger.Debug("response for unknown command dropped", "command_id", resp.CommandID, "device_id", resp.DeviceID)
		return false
	}
	b, ok := c.batches.get(batchID)
	if !ok {
		return false
	}

	defer c.notify(b)
	b.mu.Lock()
	defer b.mu.Unlock()

	deviceID := b.devices[commandID]
	if resp.DeviceID != deviceID.String() {
		c.logger.Warn("response from unexpected device dropped",
			"command_id", resp.CommandID, "batch_id", b.ID, "device_id", resp.DeviceID, "expected_device_id", deviceID)
		return false
	}
	if resp.TenantID != b.Requester.TenantID.String() {
		c.logger.Warn("cross-tenant response dropped",
			"command_id", resp.CommandID, "batch_id", b.ID, "device_id", resp.DeviceID, "tenant_id", resp.TenantID)
		return false
	}

	outcome := protocol.OutcomeSuccess
	if !resp.Success {
		outcome = protocol.OutcomeExecutionFailed
	}
	completedAt := resp.Timestamp
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	applied := c.settleLocked(b, protocol.DeviceResult{
		BatchID:     b.ID.String(),
		DeviceID:    deviceID.String(),
		CommandID:   commandID.String(),
		Outcome:     outcome,
		Error:       resp.Error,
		Payload:     resp.Payload,
		CompletedAt: completedAt,
	})
	if !applied {
		c.logger.Debug("duplicate response dropped", "command_id", resp.CommandID, "batch_id", b.ID)
	}
	return applied
}

// Fail settles one device of a batch without a response, e.g. because it
// was offline at dispatch time.
func (c *Correlator) Fail(batchID, deviceID uuid.UUID, outcome protocol.Outcome, reason string) bool {
	b, ok := c.batches.get(batchID)
	if !ok {
		return false
	}
	defer c.notify(b)
	b.mu.Lock()
	defer b.mu.Unlock()

	commandID, ok := b.commands[deviceID]
	if !ok {
		return false
	}
	return c.settleLocked(b, protocol.DeviceResult{
		BatchID:     b.ID.String(),
		DeviceID:    deviceID.String(),
		CommandID:   commandID.String(),
		Outcome:     outcome,
		Error:       reason,
		CompletedAt: time.Now(),
	})
}

// Cancel releases a pending batch. Devices still pending are settled as
// canceled; responses arriving later are discarded as unknown.
func (c *Correlator) Cancel(batchID uuid.UUID) bool {
	b, ok := c.batches.get(batchID)
	if !ok {
		return false
	}
	defer c.notify(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return false
	}
	b.canceled = true
	c.forceCompleteLocked(b, protocol.OutcomeCanceled, "batch canceled")
	return true
}

// Wait blocks until the batch completes or ctx ends.
func (c *Correlator) Wait(ctx context.Context, batchID uuid.UUID) (protocol.BatchResult, error) {
	b, ok := c.batches.get(batchID)
	if !ok {
		return protocol.BatchResult{}, ErrUnknownBatch
	}
	return b.Wait(ctx)
}

// Get returns a pending batch.
func (c *Correlator) Get(batchID uuid.UUID) (*Batch, bool) {
	return c.batches.get(batchID)
}

// Len returns the number of pending batches.
func (c *Correlator) Len() int {
	return int(c.pending.Load())
}

// Close cancels every pending batch.
func (c *Correlator) Close() {
	for _, b := range c.batches.values() {
		c.Cancel(b.ID)
	}
}

func (c *Correlator) expire(b *Batch) {
	defer c.notify(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	b.timedOut = true
	c.logger.Info("batch timed out", "batch_id", b.ID, "pending", len(b.remaining))
	c.forceCompleteLocked(b, protocol.OutcomeTimeout, "no response within the batch timeout")
}

// settleLocked records r if its device is still pending and completes the
// batch when nothing remains. Callers hold b.mu.
func (c *Correlator) settleLocked(b *Batch, r protocol.DeviceResult) bool {
	if b.complete {
		return false
	}
	deviceID, err := uuid.Parse(r.DeviceID)
	if err != nil {
		return false
	}
	if _, pending := b.remaining[deviceID]; !pending {
		return false
	}
	delete(b.remaining, deviceID)
	b.results[deviceID] = r
	if commandID, err := uuid.Parse(r.CommandID); err == nil {
		c.commands.remove(commandID)
	}

	b.events = append(b.events, event{result: r})
	if len(b.remaining) == 0 {
		c.completeLocked(b)
	}
	return true
}

func (c *Correlator) forceCompleteLocked(b *Batch, outcome protocol.Outcome, reason string) {
	now := time.Now()
	for _, deviceID := range b.DeviceIDs {
		if _, pending := b.remaining[deviceID]; !pending {
			continue
		}
		r := protocol.DeviceResult{
			BatchID:     b.ID.String(),
			DeviceID:    deviceID.String(),
			CommandID:   b.commands[deviceID].String(),
			Outcome:     outcome,
			Error:       reason,
			CompletedAt: now,
		}
		delete(b.remaining, deviceID)
		b.results[deviceID] = r
		b.events = append(b.events, event{result: r})
	}
	c.completeLocked(b)
}

func (c *Correlator) completeLocked(b *Batch) {
	b.complete = true
	b.completedAt = time.Now()
	if b.timer != nil {
		b.timer.Stop()
	}

	c.batches.remove(b.ID)
	for _, commandID := range b.commands {
		c.commands.remove(commandID)
	}
	c.pending.Add(-1)

	result := b.resultLocked()
	close(b.done)
	b.events = append(b.events, event{complete: &result})
}

// notify runs the callbacks for events queued on b, outside b.mu and in
// the order the events were recorded. Only one goroutine delivers for a
// batch at a time; events queued meanwhile are picked up by it.
func (c *Correlator) notify(b *Batch) {
	b.mu.Lock()
	if b.notifying {
		b.mu.Unlock()
		return
	}
	b.notifying = true
	for len(b.events) > 0 {
		events := b.events
		b.events = nil
		b.mu.Unlock()
		for _, e := range events {
			switch {
			case e.complete != nil:
				if c.onComplete != nil {
					c.onComplete(b, *e.complete)
				}
			case c.onResult != nil:
				c.onResult(b, e.result)
			}
		}
		b.mu.Lock()
	}
	b.notifying = false
	b.mu.Unlock()
}

// event is a settlement or completion awaiting its callback.
type event struct {
	result   protocol.DeviceResult
	complete *protocol.BatchResult
}

// Batch is one in-flight multi-device action.
type Batch struct {
	ID        uuid.UUID
	RequestID string
	Kind      protocol.CommandKind
	Requester auth.Principal
	CreatedAt time.Time
	DeviceIDs []uuid.UUID

	commands map[uuid.UUID]uuid.UUID // device id -> command id
	devices  map[uuid.UUID]uuid.UUID // command id -> device id

	mu          sync.Mutex
	remaining   map[uuid.UUID]struct{}
	results     map[uuid.UUID]protocol.DeviceResult
	complete    bool
	timedOut    bool
	canceled    bool
	completedAt time.Time
	timer       *time.Timer
	done        chan struct{}
	events      []event
	notifying   bool
}

// CommandID returns the command id addressed to deviceID.
func (b *Batch) CommandID(deviceID uuid.UUID) (uuid.UUID, bool) {
	id, ok := b.commands[deviceID]
	return id, ok
}

// Done is closed when the batch completes.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch completes or ctx ends, and returns the
// batch state at that point.
func (b *Batch) Wait(ctx context.Context) (protocol.BatchResult, error) {
	select {
	case <-b.done:
		return b.Result(), nil
	case <-ctx.Done():
		return b.Result(), ctx.Err()
	}
}

// Result snapshots the batch. Before completion only settled devices appear.
func (b *Batch) Result() protocol.BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resultLocked()
}

// Settled returns the results recorded so far, in target order.
func (b *Batch) Settled() []protocol.DeviceResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settledLocked()
}

func (b *Batch) settledLocked() []protocol.DeviceResult {
	out := make([]protocol.DeviceResult, 0, len(b.results))
	for _, id := range b.DeviceIDs {
		if r, ok := b.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (b *Batch) resultLocked() protocol.BatchResult {
	return protocol.BatchResult{
		BatchID:     b.ID.String(),
		RequestID:   b.RequestID,
		Kind:        b.Kind,
		RequestedBy: b.Requester.ID.String(),
		Results:     b.settledLocked(),
		TimedOut:    b.timedOut,
		Canceled:    b.canceled,
		CreatedAt:   b.CreatedAt,
		CompletedAt: b.completedAt,
	}
}
