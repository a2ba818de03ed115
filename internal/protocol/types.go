// Package protocol defines the supervisor control channel: newline-delimited
// JSON objects, {action, paneId, ...} from clients and {event, paneId, ...}
// from the supervisor.
package protocol

import (
	"encoding/json"
	"time"
)

// Action is a client→supervisor request kind.
type Action string

const (
	ActionSpawn     Action = "spawn"
	ActionWrite     Action = "write"
	ActionResize    Action = "resize"
	ActionKill      Action = "kill"
	ActionList      Action = "list"
	ActionAttach    Action = "attach"
	ActionPing      Action = "ping"
	ActionShutdown  Action = "shutdown"
	ActionHealth    Action = "health"
	ActionCodexExec Action = "codex-exec"
)

// EventType is a supervisor→client event kind.
type EventType string

const (
	EventData            EventType = "data"
	EventExit            EventType = "exit"
	EventSpawned         EventType = "spawned"
	EventList            EventType = "list"
	EventAttached        EventType = "attached"
	EventKilled          EventType = "killed"
	EventError           EventType = "error"
	EventPong            EventType = "pong"
	EventConnected       EventType = "connected"
	EventShutdown        EventType = "shutdown"
	EventHealth          EventType = "health"
	EventCodexExecResult EventType = "codex-exec-result"

	// EventKernel carries a KernelEvent envelope.
	EventKernel EventType = "kernel"
)

// Kernel event types.
const (
	KernelWriteAck = "daemon.write.ack"
)

// Write ack statuses reported in WriteAckPayload.Status.
const (
	WriteStatusAccepted = "accepted"
	WriteStatusRejected = "rejected"
	WriteStatusTimeout  = "ack_timeout"
)

// KernelMeta tags a write so its ack can be correlated.
type KernelMeta struct {
	EventID       string `json:"eventId"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// KernelEvent is the correlation envelope used for acks and lifecycle facts.
type KernelEvent struct {
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	PaneID        string          `json:"paneId,omitempty"`
	TS            int64           `json:"ts"`
	Seq           uint64          `json:"seq"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// WriteAckPayload is the payload of a daemon.write.ack kernel event.
type WriteAckPayload struct {
	RequestedByEventID string `json:"requestedByEventId"`
	Status             string `json:"status"`
	Bytes              int    `json:"bytes"`
	Error              string `json:"error,omitempty"`
}

// Request is one client→supervisor message.
type Request struct {
	Action Action `json:"action"`
	PaneID string `json:"paneId,omitempty"`

	// spawn
	Cwd     string            `json:"cwd,omitempty"`
	Role    string            `json:"role,omitempty"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// spawn, resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// write
	Data       string      `json:"data,omitempty"`
	KernelMeta *KernelMeta `json:"kernelMeta,omitempty"`

	// ping, health, codex-exec
	RequestID string `json:"requestId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// Terminal describes one pane as seen by clients.
type Terminal struct {
	PaneID    string    `json:"paneId"`
	Role      string    `json:"role,omitempty"`
	PID       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	Cwd       string    `json:"cwd,omitempty"`
	Cols      int       `json:"cols,omitempty"`
	Rows      int       `json:"rows,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Health is the supervisor self-report.
type Health struct {
	PID        int    `json:"pid"`
	UptimeMs   int64  `json:"uptimeMs"`
	Panes      int    `json:"panes"`
	AlivePanes int    `json:"alivePanes"`
	Clients    int    `json:"clients"`
	Socket     string `json:"socket"`
}

// Event is one supervisor→client message.
type Event struct {
	Event  EventType `json:"event"`
	PaneID string    `json:"paneId,omitempty"`

	// data, attached
	Data       string `json:"data,omitempty"`
	Scrollback string `json:"scrollback,omitempty"`

	// spawned
	PID   int  `json:"pid,omitempty"`
	Alive bool `json:"alive,omitempty"`
	// Existing is set when spawn found a live pane and started nothing.
	Existing bool `json:"existing,omitempty"`

	// exit
	ExitCode *int `json:"exitCode,omitempty"`

	// list, connected
	Terminals []Terminal `json:"terminals,omitempty"`

	// error
	Action  Action `json:"action,omitempty"`
	Message string `json:"message,omitempty"`

	// pong, health, codex-exec-result
	RequestID string  `json:"requestId,omitempty"`
	TS        int64   `json:"ts,omitempty"`
	Health    *Health `json:"health,omitempty"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`

	// kernel
	Kernel *KernelEvent `json:"kernelEvent,omitempty"`
}

// WriteAck decodes the daemon.write.ack payload of a kernel event. ok is
// false for any other event.
func (e *Event) WriteAck() (WriteAckPayload, bool) {
	if e.Event != EventKernel || e.Kernel == nil || e.Kernel.Type != KernelWriteAck {
		return WriteAckPayload{}, false
	}
	var p WriteAckPayload
	if err := json.Unmarshal(e.Kernel.Payload, &p); err != nil {
		return WriteAckPayload{}, false
	}
	return p, true
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
