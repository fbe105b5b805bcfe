package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names for the relay WebSocket protocol. The names match the browser
// client and desktop agent, so they cannot change.
const (
	// Agent → Relay
	TypeRegisterAgent  = "register_local_client"
	TypeScreenUpdate   = "screen_update"   // agent → relay → controllers
	TypeScreenshotData = "screenshot_data" // older agents; treated as screen_update

	// Relay → Agent
	TypeRegistrationSuccess = "registration_success"
	TypeExecuteCommand      = "execute_command"
	TypeScreenshotRequest   = "screenshot_request" // older relays; agents accept both

	// Controller → Relay
	TypeSendCommand        = "send_command"
	TypeWebClientConnected = "web_client_connected" // controller → relay → agents

	// Bidirectional, forwarded
	TypeRequestScreenshot = "request_screenshot" // controller → relay → agents
	TypeCommandResult     = "command_result"     // agent → relay → controllers

	// Relay → Controllers (agent presence)
	TypeAgentConnected    = "local_client_connected"
	TypeAgentDisconnected = "local_client_disconnected"

	// Relay → any session
	TypeConnectionConfirmed = "connection_confirmed"
	TypeError               = "error"

	// Liveness
	TypePing            = "ping"
	TypePong            = "pong"
	TypeClientHeartbeat = "client_heartbeat"
	TypeServerHeartbeat = "server_heartbeat"
)

// Command kinds understood by the desktop agent. The relay forwards any kind.
const (
	CommandType   = "type"
	CommandKey    = "key"
	CommandClick  = "click"
	CommandScroll = "scroll"
	CommandFocus  = "focus"
	CommandPaste  = "paste"
)

// Message wraps every WebSocket frame: an event name and its payload.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with payload marshaled as its data. A nil
// payload produces an empty object so clients can always index into data.
func NewMessage(typ string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: typ, Data: json.RawMessage("{}")}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{Type: typ, Data: data}, nil
}

// MustMessage is NewMessage for payloads that always marshal (structs of
// plain fields). It panics otherwise.
func MustMessage(typ string, payload any) *Message {
	m, err := NewMessage(typ, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Forward wraps an already-encoded payload without re-marshaling it, so
// fields the relay does not know about survive the hop.
func Forward(typ string, raw json.RawMessage) *Message {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return &Message{Type: typ, Data: raw}
}

// ParsePayload decodes the message data into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// ScreenUpdate carries one screen frame. Image is base64 JPEG, optionally
// with a "data:image/jpeg;base64," prefix.
type ScreenUpdate struct {
	Image string `json:"image"`
}

// Command is a user action forwarded from a controller to agents.
type Command struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data"`
}

// CommandResult is an agent's report on one executed command.
type CommandResult struct {
	Command string         `json:"command"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// ConnectionConfirmed is the handshake ack sent to every new session.
type ConnectionConfirmed struct {
	Status     string `json:"status"`
	ClientID   string `json:"client_id"`
	ServerTime string `json:"server_time"`
}

// RegistrationSuccess acknowledges register_local_client.
type RegistrationSuccess struct {
	Status   string `json:"status"` // "registered" or "already_registered"
	ClientID string `json:"client_id"`
}

// ServerHeartbeat answers client_heartbeat.
type ServerHeartbeat struct {
	ServerTime string `json:"server_time"`
	ClientID   string `json:"client_id"`
}

// ErrorMsg is sent by the relay for protocol errors it chooses to report.
type ErrorMsg struct {
	Message string `json:"message"`
}

// ServerTime formats t the way every relay timestamp is sent.
func ServerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// String returns the value of key in the command data, or "".
func (c Command) String(key string) string {
	v, _ := c.Data[key].(string)
	return v
}

// Int returns the value of key in the command data as an int. JSON numbers
// decode as float64; numeric strings are not accepted.
func (c Command) Int(key string) (int, bool) {
	switch v := c.Data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Bool returns the value of key in the command data, or def when absent.
func (c Command) Bool(key string, def bool) bool {
	v, ok := c.Data[key].(bool)
	if !ok {
		return def
	}
	return v
}
