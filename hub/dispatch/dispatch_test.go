package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/correlator"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDirectory map[string]*store.Device

func (f fakeDirectory) GetDevice(_ context.Context, id string) (*store.Device, error) {
	return f[id], nil
}

type fixture struct {
	dispatcher *Dispatcher
	corr       *correlator.Correlator
	dir        fakeDirectory
	user       auth.Principal
	bus        *backplane.MemoryBus
	remote     *backplane.MemoryNode // stands in for the instance hosting devices
	commands   chan protocol.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:      fakeDirectory{},
		user:     auth.Principal{ID: uuid.New(), TenantID: uuid.New(), Kind: auth.KindUser},
		bus:      backplane.NewMemoryBus(),
		commands: make(chan protocol.Envelope, 64),
	}
	local := f.bus.NewNode(func(string, []byte) {}, 64, testLogger())
	f.remote = f.bus.NewNode(func(_ string, data []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			f.commands <- env
		}
	}, 64, testLogger())
	t.Cleanup(func() { local.Close(); f.remote.Close() })

	f.corr = correlator.New(correlator.Options{Timeout: time.Minute, Logger: testLogger()})
	t.Cleanup(f.corr.Close)
	f.dispatcher = New(local, f.corr, f.dir, Options{ReplyTo: backplane.InstanceTopic("hub-a"), Logger: testLogger()})
	return f
}

// addDevice registers a device in the user's tenant, optionally connected.
func (f *fixture) addDevice(t *testing.T, online bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.dir[id.String()] = &store.Device{ID: id.String(), TenantID: f.user.TenantID.String(), Name: "dev"}
	if online {
		if _, err := f.remote.Subscribe(context.Background(), backplane.PrincipalTopic(id)); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func (f *fixture) nextCommand(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case env := <-f.commands:
		if env.Type != protocol.TypeCommand {
			t.Fatalf("envelope type: got %q", env.Type)
		}
		var cmd protocol.Command
		if err := env.Decode(&cmd); err != nil {
			t.Fatal(err)
		}
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command published")
		return protocol.Command{}
	}
}

func ids(us ...uuid.UUID) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.String()
	}
	return out
}

func TestDispatchToOfflineDeviceSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	c := f.addDevice(t, false)

	batch, err := f.dispatcher.Dispatch(context.Background(), f.user, Request{
		Kind: protocol.CommandPing, DeviceIDs: ids(c),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-batch.Done():
	default:
		t.Fatal("batch with only offline targets not complete on return")
	}
	res := batch.Result()
	if len(res.Results) != 1 {
		t.Fatalf("results: %+v", res.Results)
	}
	if r := res.Results[0]; r.DeviceID != c.String() || r.Outcome != protocol.OutcomeDeviceOffline {
		t.Errorf("result: %+v", r)
	}
	if res.TimedOut {
		t.Error("offline result must not wait for the timeout")
	}
}

func TestDispatchMixedTargets(t *testing.T) {
	f := newFixture(t)
	a := f.addDevice(t, true)
	b := f.addDevice(t, true)
	c := f.addDevice(t, false)

	acceptedSettled := -1
	batch, err := f.dispatcher.Dispatch(context.Background(), f.user, Request{
		RequestID: "req-1",
		Kind:      protocol.CommandExecuteQuery,
		DeviceIDs: ids(a, b, c, a),
		Payload:   json.RawMessage(`{"query":"select * from uptime"}`),
		Accepted:  func(bt *correlator.Batch) { acceptedSettled = len(bt.Settled()) },
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if acceptedSettled != 0 {
		t.Errorf("Accepted hook saw %d settled entries, want 0", acceptedSettled)
	}
	if len(batch.DeviceIDs) != 3 {
		t.Fatalf("duplicates not removed: %v", batch.DeviceIDs)
	}

	seen := map[string]protocol.Command{}
	for i := 0; i < 2; i++ {
		cmd := f.nextCommand(t)
		seen[cmd.CommandID] = cmd
		if cmd.BatchID != batch.ID.String() || cmd.Kind != protocol.CommandExecuteQuery {
			t.Errorf("command: %+v", cmd)
		}
		if cmd.ReplyTo != backplane.InstanceTopic("hub-a") {
			t.Errorf("ReplyTo: got %q", cmd.ReplyTo)
		}
		if cmd.RequestedBy != f.user.ID.String() || cmd.TenantID != f.user.TenantID.String() {
			t.Errorf("requester fields: %+v", cmd)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("command ids not distinct: %v", seen)
	}

	settled := batch.Settled()
	if len(settled) != 1 || settled[0].DeviceID != c.String() || settled[0].Outcome != protocol.OutcomeDeviceOffline {
		t.Fatalf("settled at return: %+v", settled)
	}

	for _, dev := range []uuid.UUID{a, b} {
		cmdID, _ := batch.CommandID(dev)
		if _, ok := seen[cmdID.String()]; !ok {
			t.Errorf("no command published for %s", dev)
		}
		f.corr.Resolve(protocol.CommandResponse{
			CommandID: cmdID.String(),
			DeviceID:  dev.String(),
			TenantID:  f.user.TenantID.String(),
			Success:   true,
		})
	}

	res, err := batch.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 3 || res.TimedOut || res.RequestID != "req-1" {
		t.Errorf("final: %+v", res)
	}
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t)
	own := f.addDevice(t, true)
	foreign := uuid.New()
	f.dir[foreign.String()] = &store.Device{ID: foreign.String(), TenantID: uuid.New().String()}

	many := make([]uuid.UUID, DefaultMaxTargets+1)
	for i := range many {
		many[i] = f.addDevice(t, false)
	}

	device := auth.Principal{ID: uuid.New(), TenantID: f.user.TenantID, Kind: auth.KindDevice}

	tests := []struct {
		name      string
		requester auth.Principal
		req       Request
		wantErr   error
		wantCode  string
	}{
		{"device requester", device, Request{Kind: protocol.CommandPing, DeviceIDs: ids(own)}, auth.ErrAuthorizationDenied, protocol.CodeAuthorizationDenied},
		{"anonymous requester", auth.Principal{}, Request{Kind: protocol.CommandPing, DeviceIDs: ids(own)}, auth.ErrAuthorizationDenied, protocol.CodeAuthorizationDenied},
		{"no targets", f.user, Request{Kind: protocol.CommandPing}, ErrNoTargets, protocol.CodeNoTargets},
		{"too many targets", f.user, Request{Kind: protocol.CommandPing, DeviceIDs: ids(many...)}, ErrTooManyTargets, protocol.CodeTooManyTargets},
		{"cross tenant", f.user, Request{Kind: protocol.CommandPing, DeviceIDs: ids(own, foreign)}, ErrUnknownDevice, protocol.CodeUnknownDevice},
		{"unknown device", f.user, Request{Kind: protocol.CommandPing, DeviceIDs: ids(uuid.New())}, ErrUnknownDevice, protocol.CodeUnknownDevice},
		{"malformed id", f.user, Request{Kind: protocol.CommandPing, DeviceIDs: []string{"kiosk-1"}}, ErrUnknownDevice, protocol.CodeUnknownDevice},
		{"bad kind", f.user, Request{Kind: "format_disk", DeviceIDs: ids(own)}, ErrInvalidKind, protocol.CodeBadRequest},
		{"query without text", f.user, Request{Kind: protocol.CommandExecuteQuery, DeviceIDs: ids(own), Payload: json.RawMessage(`{}`)}, ErrInvalidPayload, protocol.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.Dispatch(context.Background(), tt.requester, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if code := ErrorCode(err); code != tt.wantCode {
				t.Errorf("ErrorCode: got %q, want %q", code, tt.wantCode)
			}
		})
	}

	if f.corr.Len() != 0 {
		t.Errorf("rejected dispatches left %d batches open", f.corr.Len())
	}
	select {
	case env := <-f.commands:
		t.Errorf("rejected dispatch published %+v", env)
	default:
	}
}

func TestDispatchAtTargetCap(t *testing.T) {
	f := newFixture(t)
	targets := make([]uuid.UUID, DefaultMaxTargets)
	for i := range targets {
		targets[i] = f.addDevice(t, false)
	}
	batch, err := f.dispatcher.Dispatch(context.Background(), f.user, Request{
		Kind: protocol.CommandShutdown, DeviceIDs: ids(targets...),
	})
	if err != nil {
		t.Fatalf("Dispatch at cap: %v", err)
	}
	if got := len(batch.Result().Results); got != DefaultMaxTargets {
		t.Errorf("results: got %d, want %d", got, DefaultMaxTargets)
	}
}
