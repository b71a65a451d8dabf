// Package protocol defines the JSON message protocol spoken over the
// gateway's WebSocket channels. Every frame is an object with a "type"
// field; decoding is strict and unknown types are rejected so that a
// malformed peer fails loudly instead of being half-understood.
//
// Two channel populations exist: agents (one per node) and user clients.
// Each direction has its own legal message set, enforced by DecodeAgent,
// DecodeClient, and DecodeBackend. Request/reply correlation uses generic
// "*_response" and "*_chunk" frames matched by suffix.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types sent by agents
const (
	TypeHeartbeat             = "heartbeat"
	TypeConsoleOutput         = "console_output"
	TypeServerStateUpdate     = "server_state_update"
	TypeResourceStats         = "resource_stats"
	TypeHealthReport          = "health_report"
	TypeBackupComplete        = "backup_complete"
	TypeBackupRestoreComplete = "backup_restore_complete"
	TypeBackupDeleteComplete  = "backup_delete_complete"
)

// Message types sent by user clients
const (
	TypeServerControl = "server_control"
	TypeConsoleInput  = "console_input"
)

// Message types sent by the backend
const (
	TypeNodeHandshakeResponse = "node_handshake_response"
	TypeStartServer           = "start_server"
	TypeStopServer            = "stop_server"
	TypeRestartServer         = "restart_server"
	TypeCreateBackup          = "create_backup"
	TypeSendCommand           = "send_command"
	TypeError                 = "error"
)

// Stable error codes surfaced to clients
const (
	CodeServerNotFound   = "SERVER_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNodeOffline      = "NODE_OFFLINE"
)

// Message is implemented by every protocol frame
type Message interface {
	MessageType() string
}

// validator is implemented by messages with required fields
type validator interface {
	validate() error
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeAgent parses a frame received on an agent channel
func DecodeAgent(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}

	var msg Message
	switch env.Type {
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeConsoleOutput:
		msg = &ConsoleOutput{}
	case TypeServerStateUpdate:
		msg = &ServerStateUpdate{}
	case TypeResourceStats:
		msg = &ResourceStats{}
	case TypeHealthReport:
		msg = &HealthReport{}
	case TypeBackupComplete:
		msg = &BackupComplete{}
	case TypeBackupRestoreComplete:
		msg = &BackupRestoreComplete{}
	case TypeBackupDeleteComplete:
		msg = &BackupDeleteComplete{}
	default:
		switch {
		case strings.HasSuffix(env.Type, "_response"):
			msg = &Response{}
		case strings.HasSuffix(env.Type, "_chunk"):
			msg = &Chunk{}
		default:
			return nil, fmt.Errorf("unknown agent message type: %q", env.Type)
		}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if r, ok := msg.(*Response); ok {
		r.Raw = append(json.RawMessage(nil), data...)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
	}
	return msg, nil
}

// DecodeClient parses a frame received on a client channel
func DecodeClient(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeServerControl:
		msg = &ServerControl{}
	case TypeConsoleInput:
		msg = &ConsoleInput{}
	default:
		return nil, fmt.Errorf("unknown client message type: %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
	}
	return msg, nil
}

// DecodeBackend parses a frame received from the backend on an agent's
// side of the channel. Forwarded console_input frames are included
// because the gateway relays them to agents verbatim.
func DecodeBackend(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeNodeHandshakeResponse:
		msg = &NodeHandshakeResponse{}
	case TypeStartServer:
		msg = &StartServer{}
	case TypeStopServer:
		msg = &StopServer{}
	case TypeRestartServer:
		msg = &RestartServer{}
	case TypeCreateBackup:
		msg = &CreateBackup{}
	case TypeSendCommand:
		msg = &SendCommand{}
	case TypeConsoleInput:
		msg = &ConsoleInput{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown backend message type: %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
	}
	return msg, nil
}

// Encode marshals any protocol message to its wire form
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}
