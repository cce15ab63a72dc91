// Package presence turns device session transitions into device status
// notifications for the device's tenant.
//
// Transitions are throttled per device. The first change after a quiet
// period is emitted at once and opens a window; changes inside the window
// are coalesced, and when it closes the latest state is emitted only if it
// differs from the last one sent. A device that drops and reconnects
// several times within one window therefore yields one offline and one
// online notification.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// DefaultWindow is the per-device throttle window.
const DefaultWindow = time.Second

const queueSize = 4096

// Directory enriches notifications with placement names. store.Store
// satisfies it.
type Directory interface {
	GetDevice(ctx context.Context, id string) (*store.Device, error)
}

// Sessions reports whether this instance hosts a live session for a
// principal. registry.Registry satisfies it.
type Sessions interface {
	IsOnline(id uuid.UUID) bool
}

// Options configures a Notifier.
type Options struct {
	Window time.Duration
	// Local, when set, is consulted under the notifier lock so that a
	// transition overtaken by a later session change is dropped.
	Local  Sessions
	Logger *slog.Logger
}

type deviceState struct {
	tenantID    uuid.UUID
	current     bool
	changedAt   time.Time
	emitted     bool // lastEmitted is meaningful
	lastEmitted bool
	timer       *time.Timer // non-nil while a window is open
}

// Notifier emits device status notifications for one hub instance.
type Notifier struct {
	bp     backplane.Backplane
	dir    Directory
	local  Sessions
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	devices map[uuid.UUID]*deviceState
	closed  bool

	out  chan protocol.DeviceStatusNotification
	done chan struct{}
}

// New starts a notifier. Close stops it.
func New(bp backplane.Backplane, dir Directory, opts Options) *Notifier {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		bp:      bp,
		dir:     dir,
		local:   opts.Local,
		window:  opts.Window,
		logger:  logger.With("component", "presence"),
		devices: make(map[uuid.UUID]*deviceState),
		out:     make(chan protocol.DeviceStatusNotification, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Transition records that the device went online or offline on this
// instance. It is ignored while another instance hosts the device, since
// that instance reports the device's status. The caller holds the device's
// backplane subscription for an online transition and has released it for
// an offline one.
func (n *Notifier) Transition(ctx context.Context, p auth.Principal, online bool) {
	if p.Kind != auth.KindDevice {
		return
	}
	others, err := n.bp.Receivers(ctx, backplane.PrincipalTopic(p.ID))
	if online {
		others--
	}
	if err != nil {
		n.logger.Warn("global presence check failed", "device_id", p.ID, "error", err)
	} else if others > 0 {
		n.logger.Debug("device connected elsewhere", "device_id", p.ID, "online", online)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.local != nil && n.local.IsOnline(p.ID) != online {
		n.logger.Debug("stale transition dropped", "device_id", p.ID, "online", online)
		return
	}

	st, ok := n.devices[p.ID]
	if !ok {
		st = &deviceState{tenantID: p.TenantID}
		n.devices[p.ID] = st
	}
	st.current = online
	st.changedAt = time.Now()

	if st.timer != nil {
		return // coalesced into the open window
	}
	if st.emitted && st.lastEmitted == online {
		return
	}
	n.emitLocked(p.ID, st)
	n.openWindowLocked(p.ID, st)
}

func (n *Notifier) openWindowLocked(id uuid.UUID, st *deviceState) {
	st.timer = time.AfterFunc(n.window, func() { n.closeWindow(id) })
}

func (n *Notifier) closeWindow(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.devices[id]
	if !ok || n.closed {
		return
	}
	st.timer = nil
	if st.current != st.lastEmitted {
		n.emitLocked(id, st)
		n.openWindowLocked(id, st)
		return
	}
	if !st.current {
		// Quiet and offline: nothing left to throttle.
		delete(n.devices, id)
	}
}

func (n *Notifier) emitLocked(id uuid.UUID, st *deviceState) {
	st.emitted = true
	st.lastEmitted = st.current
	note := protocol.DeviceStatusNotification{
		DeviceID:  id.String(),
		TenantID:  st.tenantID.String(),
		Online:    st.current,
		Timestamp: st.changedAt,
	}
	select {
	case n.out <- note:
	default:
		n.logger.Warn("presence queue full, notification dropped", "device_id", id, "online", st.current)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for note := range n.out {
		n.publish(note)
	}
}

func (n *Notifier) publish(note protocol.DeviceStatusNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if dev, err := n.dir.GetDevice(ctx, note.DeviceID); err != nil {
		n.logger.Warn("device enrichment failed", "device_id", note.DeviceID, "error", err)
	} else if dev != nil {
		note.DeviceName = dev.Name
		note.RoomName = dev.RoomName
		note.BuildingName = dev.BuildingName
	}

	tenantID, err := uuid.Parse(note.TenantID)
	if err != nil {
		return
	}
	data, err := json.Marshal(protocol.NewEnvelope(protocol.TypeDeviceStatus, note))
	if err != nil {
		n.logger.Error("encode device status", "error", err)
		return
	}
	if _, err := n.bp.Publish(ctx, backplane.TenantTopic(tenantID), data); err != nil {
		n.logger.Warn("publish device status failed", "device_id", note.DeviceID, "error", err)
		return
	}
	n.logger.Debug("device status published", "device_id", note.DeviceID, "online", note.Online)
}

// Close stops pending windows and flushes queued notifications.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, st := range n.devices {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	close(n.out)
	n.mu.Unlock()
	<-n.done
}
