// Package ipc serves the running agent's status and event stream over a
// local Unix socket using JSON lines.
package ipc

import (
	"encoding/json"
	"time"
)

// Methods understood by the server.
const (
	MethodStatus    = "status"
	MethodSubscribe = "subscribe"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is one JSON line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON line sent by the server.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the status method.
type StatusResult struct {
	DeviceName       string     `json:"device_name,omitempty"`
	HubURL           string     `json:"hub_url"`
	State            string     `json:"state"`
	StartedAt        time.Time  `json:"started_at"`
	Uptime           string     `json:"uptime"`
	ConnectedSince   *time.Time `json:"connected_since,omitempty"`
	Reconnects       int        `json:"reconnects"`
	CommandsExecuted int        `json:"commands_executed"`
	CommandsFailed   int        `json:"commands_failed"`
	LastCommandAt    *time.Time `json:"last_command_at,omitempty"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	Version          string     `json:"version"`
}

// SubscribeParams selects the event types streamed by subscribe.
type SubscribeParams struct {
	Events []string `json:"events,omitempty"`
}

// Event is an event bus event relayed to a subscribed client.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusProvider reports the agent's current status.
type StatusProvider interface {
	Status() StatusResult
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
