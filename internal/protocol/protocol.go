// Package protocol defines the JSON envelopes exchanged over the signaling
// transport and the small framed messages that ride the reliable control
// data channel (latency probes).
//
// The relay treats offer/answer/ice-candidate payloads as opaque: it routes
// them by target and never inspects the SDP or candidate inside.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType identifies a signaling envelope.
type MessageType string

const (
	// Client -> relay.
	MessageTypeRegister              MessageType = "register"
	MessageTypeHeartbeat             MessageType = "heartbeat"
	MessageTypeOffer                 MessageType = "offer"
	MessageTypeAnswer                MessageType = "answer"
	MessageTypeICECandidate          MessageType = "ice-candidate"
	MessageTypeControllerActivate    MessageType = "controller-activate"
	MessageTypeControllerDeactivate  MessageType = "controller-deactivate"
	MessageTypeControllerConnections MessageType = "controller-connections"

	// Relay -> client.
	MessageTypeClientList         MessageType = "client-list"
	MessageTypeActiveController   MessageType = "active-controller"
	MessageTypeControllerKicked   MessageType = "controller-kicked"
	MessageTypeClientConnected    MessageType = "client-connected"
	MessageTypeClientDisconnected MessageType = "client-disconnected"
	MessageTypeError              MessageType = "error"
)

// Role distinguishes the one driving controller from the driven clients.
type Role string

const (
	RoleController Role = "controller"
	RoleClient     Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleController || r == RoleClient
}

// Envelope is the single wire format carried by the signaling transport.
//
// Source is stamped by the relay when forwarding peer-to-peer messages so the
// recipient knows who to answer; clients never set it themselves.
type Envelope struct {
	Type   MessageType     `json:"type"`
	Source string          `json:"source,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RegisterData binds a peer id and role to the current transport connection.
type RegisterData struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// ControllerConnectionsData reports which client ids the controller currently
// holds live peer connections to. Feeds the strict presence sweep.
type ControllerConnectionsData struct {
	Connections []string `json:"connections"`
}

// ClientInfo is one entry of a client-list notice.
type ClientInfo struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId,omitempty"`
	LastSeen   int64  `json:"lastSeen,omitempty"`
}

// ClientListData is pushed to a controller on activation.
type ClientListData struct {
	Clients []ClientInfo `json:"clients"`
}

// ActiveControllerData announces the current lease holder. A nil ControllerID
// means no controller is active.
type ActiveControllerData struct {
	ControllerID *string `json:"controllerId"`
}

// ControllerKickedData tells a displaced controller who took over.
type ControllerKickedData struct {
	NewControllerID string `json:"newControllerId"`
}

// ClientPresenceData accompanies client-connected and client-disconnected.
type ClientPresenceData struct {
	ClientID string `json:"clientId"`
}

// ErrorData is a non-fatal protocol notice; the transport stays open.
type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewEnvelope marshals payload into a validated envelope. A nil payload
// produces an envelope with no data field.
func NewEnvelope(t MessageType, target string, payload any) (Envelope, error) {
	env := Envelope{Type: t, Target: target}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s data: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// DecodeData unmarshals an envelope's data field into T, rejecting unknown
// fields the same way ParseEnvelope does for the envelope itself.
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%s envelope missing data", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return v, nil
}

// ParseEnvelope decodes and validates a single inbound signaling frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate enforces the per-type field rules for inbound envelopes.
func (e Envelope) Validate() error {
	switch e.Type {
	case MessageTypeRegister:
		reg, err := DecodeData[RegisterData](e)
		if err != nil {
			return err
		}
		if reg.ID == "" {
			return fmt.Errorf("register missing id")
		}
		if !reg.Role.Valid() {
			return fmt.Errorf("register has unknown role %q", reg.Role)
		}
	case MessageTypeHeartbeat:
		if e.Target != "" || len(e.Data) != 0 {
			return fmt.Errorf("heartbeat has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if e.Target == "" {
			return fmt.Errorf("%s missing target", e.Type)
		}
		if len(e.Data) == 0 {
			return fmt.Errorf("%s missing data", e.Type)
		}
	case MessageTypeControllerActivate, MessageTypeControllerDeactivate:
		if e.Target != "" || len(e.Data) != 0 {
			return fmt.Errorf("%s has unexpected fields", e.Type)
		}
	case MessageTypeControllerConnections:
		if _, err := DecodeData[ControllerConnectionsData](e); err != nil {
			return err
		}
	case MessageTypeClientList, MessageTypeActiveController,
		MessageTypeControllerKicked, MessageTypeClientConnected,
		MessageTypeClientDisconnected, MessageTypeError:
		// Relay-originated notices; accepted on parse so a relayed copy
		// drained from a mailbox survives re-validation.
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// Encode marshals an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Control-channel probe frames. These travel over the reliable_control data
// channel, not the signaling socket.
const (
	ChannelFramePing = "ping"
	ChannelFramePong = "pong"
)

// ChannelProbe is a latency probe or its echo. SentAt is the sender's
// timestamp in unix nanoseconds and is echoed back untouched.
type ChannelProbe struct {
	Type   string `json:"type"`
	SentAt int64  `json:"t"`
}
