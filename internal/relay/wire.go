// Package relay implements the WebSocket message relay: the wire format, a
// client used by senders and listeners, and a hub that routes between
// registered role/device peers.
package relay

import (
	"encoding/json"
	"fmt"
)

// Frame types. Every frame is one JSON text message with a "type" field.
const (
	TypeRegister              = "register"
	TypeRegistered            = "registered"
	TypeSend                  = "send"
	TypeSendAck               = "send-ack"
	TypeDeliver               = "deliver"
	TypeDeliverAck            = "deliver-ack"
	TypeHealthCheck           = "health-check"
	TypeHealthCheckResult     = "health-check-result"
	TypeDeliveryCheck         = "delivery-check"
	TypeDeliveryCheckResult   = "delivery-check-result"
	TypeXDiscovery            = "xdiscovery"
	TypeXDiscoveryResult      = "xdiscovery-result"
	TypeBridgeDiscovery       = "bridge-discovery"
	TypeBridgeDiscoveryResult = "bridge-discovery-result"
	TypeError                 = "error"
)

// Error codes carried by error frames.
const (
	CodeUnsupported   = "unsupported"
	CodeBadRequest    = "bad_request"
	CodeNotRegistered = "not_registered"
)

// Health statuses reported by health-check-result.
const (
	HealthHealthy       = "healthy"
	HealthStale         = "stale"
	HealthUnsupported   = "unsupported"
	HealthInvalidTarget = "invalid_target"
)

// Relay-side send statuses.
const (
	StatusRouted            = "routed"
	StatusAgentDelivered    = "agent_delivered"
	StatusSubmitNotAccepted = "submit_not_accepted"
	StatusTargetOffline     = "target_offline"
	StatusNotRegistered     = "not_registered"
)

// EnvelopeVersion is the current metadata envelope version.
const EnvelopeVersion = 1

// Metadata is the versioned envelope attached to every send.
type Metadata struct {
	EnvelopeVersion int         `json:"envelope_version"`
	SessionID       string      `json:"session_id,omitempty"`
	Sender          SenderMeta  `json:"sender"`
	Target          TargetMeta  `json:"target"`
	Project         ProjectMeta `json:"project"`
}

// SenderMeta identifies the sending role.
type SenderMeta struct {
	Role string `json:"role"`
}

// TargetMeta records the target as typed and as resolved.
type TargetMeta struct {
	Raw    string `json:"raw"`
	Role   string `json:"role,omitempty"`
	PaneID string `json:"pane_id,omitempty"`
}

// ProjectMeta identifies the sender's project.
type ProjectMeta struct {
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Ack is the relay's verdict on one send.
type Ack struct {
	MessageID string `json:"messageId"`
	OK        bool   `json:"ok"`
	Accepted  bool   `json:"accepted,omitempty"`
	Queued    bool   `json:"queued,omitempty"`

	// Verified is nil when the relay did not say.
	Verified  *bool  `json:"verified,omitempty"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`

	UnknownDevice    bool     `json:"unknownDevice,omitempty"`
	ConnectedDevices []string `json:"connectedDevices,omitempty"`
}

// Device is one discovered peer device and the roles it serves.
type Device struct {
	Device      string   `json:"device"`
	Roles       []string `json:"roles"`
	ConnectedAt int64    `json:"connectedAt,omitempty"`
}

// Frame is the union of every relay message.
type Frame struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Device    string `json:"device,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	// send, deliver
	Target   string    `json:"target,omitempty"`
	Content  string    `json:"content,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`

	// send-ack, deliver-ack
	OK               *bool    `json:"ok,omitempty"`
	Accepted         bool     `json:"accepted,omitempty"`
	Queued           bool     `json:"queued,omitempty"`
	Verified         *bool    `json:"verified,omitempty"`
	Status           string   `json:"status,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
	UnknownDevice    bool     `json:"unknownDevice,omitempty"`
	ConnectedDevices []string `json:"connectedDevices,omitempty"`

	// health-check-result
	Healthy *bool `json:"healthy,omitempty"`

	// delivery-check-result
	Known   bool `json:"known,omitempty"`
	Pending bool `json:"pending,omitempty"`
	Ack     *Ack `json:"ack,omitempty"`

	// discovery results
	Devices []Device `json:"devices,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// AckFromFrame converts a send-ack frame.
func AckFromFrame(f Frame) Ack {
	a := Ack{
		MessageID:        f.MessageID,
		Accepted:         f.Accepted,
		Queued:           f.Queued,
		Verified:         f.Verified,
		Status:           f.Status,
		Timestamp:        f.Timestamp,
		UnknownDevice:    f.UnknownDevice,
		ConnectedDevices: f.ConnectedDevices,
	}
	if f.OK != nil {
		a.OK = *f.OK
	}
	return a
}

// Frame converts the ack into a send-ack frame.
func (a Ack) Frame() Frame {
	ok := a.OK
	return Frame{
		Type:             TypeSendAck,
		MessageID:        a.MessageID,
		OK:               &ok,
		Accepted:         a.Accepted,
		Queued:           a.Queued,
		Verified:         a.Verified,
		Status:           a.Status,
		Timestamp:        a.Timestamp,
		UnknownDevice:    a.UnknownDevice,
		ConnectedDevices: a.ConnectedDevices,
	}
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("relay: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("relay: frame missing type")
	}
	return f, nil
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
