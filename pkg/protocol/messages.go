// Package protocol defines the wire protocol messages exchanged between
// FleetRelay components (agent ↔ hub ↔ console) over WebSocket and between
// hub instances over the backplane.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // message ID for idempotency
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(msgType string, payload any) Envelope {
	return Envelope{Type: msgType, Timestamp: time.Now(), Payload: payload}
}

// Decode re-decodes the generic payload into v.
func (e Envelope) Decode(v any) error {
	if e.Payload == nil {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	var data []byte
	switch p := e.Payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		data, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%s: re-encode payload: %w", e.Type, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// --- Message type constants ---

const (
	// Handshake
	TypeHelloAck = "hello.ack"

	// User ↔ Hub
	TypeCommandDispatch     = "command.dispatch"
	TypeBatchAccepted       = "batch.accepted"
	TypeCommandResult       = "command.result"
	TypeBatchCompleted      = "batch.completed"
	TypeBatchCancel         = "batch.cancel"
	TypePresenceSubscribe   = "presence.subscribe"
	TypePresenceUnsubscribe = "presence.unsubscribe"
	TypePresenceQuery       = "presence.query"
	TypePresenceState       = "presence.state"
	TypeDeviceStatus        = "device.status"

	// Hub ↔ Device
	TypeCommand           = "command"
	TypeCommandResponse   = "command.response"
	TypeCredentialsIssued = "credentials.issued"

	TypeErrorResponse = "error"
)

// Error codes carried in ErrorResponse.
const (
	CodeAuthorizationDenied = "authorization_denied"
	CodeBadRequest          = "bad_request"
	CodeNoTargets           = "no_targets"
	CodeTooManyTargets      = "too_many_targets"
	CodeUnknownDevice       = "unknown_device"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// PrincipalKind names the two kinds of connecting principals.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// CommandKind is the action a device is asked to perform.
type CommandKind string

const (
	CommandPing         CommandKind = "ping"
	CommandShutdown     CommandKind = "shutdown"
	CommandRestart      CommandKind = "restart"
	CommandExecuteQuery CommandKind = "execute_query"
)

// Valid reports whether k is one of the known command kinds.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandPing, CommandShutdown, CommandRestart, CommandExecuteQuery:
		return true
	}
	return false
}

// Outcome is the per-device result of a dispatched command.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeExecutionFailed Outcome = "execution_failed"
	OutcomeDeviceOffline   Outcome = "device_offline"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeCanceled        Outcome = "canceled"
)

// HelloAck is sent by the hub once a connection has been authenticated.
type HelloAck struct {
	OK          bool          `json:"ok"`
	PrincipalID string        `json:"principal_id"`
	TenantID    string        `json:"tenant_id"`
	Kind        PrincipalKind `json:"kind"`
	Instance    string        `json:"instance,omitempty"`
}

// --- Dispatch (user → hub) ---

// DispatchRequest asks the hub to send one command kind to a set of devices.
type DispatchRequest struct {
	RequestID string          `json:"request_id,omitempty"` // client-generated, echoed back
	Kind      CommandKind     `json:"kind"`
	DeviceIDs []string        `json:"device_ids"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// QueryPayload is the payload of an execute_query command.
type QueryPayload struct {
	Query string `json:"query"`
}

// BatchAccepted is the synchronous answer to a DispatchRequest.
type BatchAccepted struct {
	RequestID string      `json:"request_id,omitempty"`
	BatchID   string      `json:"batch_id"`
	Kind      CommandKind `json:"kind"`
	DeviceIDs []string    `json:"device_ids"`
	CreatedAt time.Time   `json:"created_at"`
}

// BatchCancel releases a pending batch without waiting for its responses.
type BatchCancel struct {
	BatchID string `json:"batch_id"`
}

// DeviceResult is one settled entry of a batch.
type DeviceResult struct {
	BatchID     string          `json:"batch_id"`
	DeviceID    string          `json:"device_id"`
	CommandID   string          `json:"command_id,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// BatchResult is the final state of a batch.
type BatchResult struct {
	BatchID     string         `json:"batch_id"`
	RequestID   string         `json:"request_id,omitempty"`
	Kind        CommandKind    `json:"kind"`
	RequestedBy string         `json:"requested_by"`
	Results     []DeviceResult `json:"results"`
	TimedOut    bool           `json:"timed_out,omitempty"`
	Canceled    bool           `json:"canceled,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// --- Commands (hub ↔ device) ---

// Command is the addressed, correlation-id-bearing instruction to one device.
type Command struct {
	CommandID   string          `json:"command_id"`
	BatchID     string          `json:"batch_id"`
	Kind        CommandKind     `json:"kind"`
	RequestedBy string          `json:"requested_by"`
	TenantID    string          `json:"tenant_id"`
	ReplyTo     string          `json:"reply_to"` // opaque routing key, echoed in the response
	Timestamp   time.Time       `json:"ts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse is produced exactly once per Command by the device.
// DeviceID and TenantID are stamped by the hub from the authenticated
// connection; values sent by the device are ignored.
type CommandResponse struct {
	CommandID string          `json:"command_id"`
	ReplyTo   string          `json:"reply_to"`
	DeviceID  string          `json:"device_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// QueryResult is the payload of a successful execute_query response.
type QueryResult struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	TimingMs int64            `json:"timing_ms"`
}

// PingResult is the payload of a successful ping response.
type PingResult struct {
	Pong     bool   `json:"pong"`
	Hostname string `json:"hostname,omitempty"`
}

// CredentialsIssued delivers freshly provisioned credentials to a device.
type CredentialsIssued struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// --- Presence ---

// PresenceQuery asks for the current online state of devices.
type PresenceQuery struct {
	RequestID string   `json:"request_id,omitempty"`
	DeviceIDs []string `json:"device_ids"`
}

// PresenceState answers a PresenceQuery.
type PresenceState struct {
	RequestID string          `json:"request_id,omitempty"`
	Devices   map[string]bool `json:"devices"`
}

// DeviceStatusNotification is emitted on device presence transitions.
type DeviceStatusNotification struct {
	DeviceID     string    `json:"device_id"`
	TenantID     string    `json:"tenant_id"`
	Online       bool      `json:"online"`
	Timestamp    time.Time `json:"ts"`
	DeviceName   string    `json:"device_name,omitempty"`
	RoomName     string    `json:"room_name,omitempty"`
	BuildingName string    `json:"building_name,omitempty"`
}

// ErrorResponse carries an error from hub to a peer.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
