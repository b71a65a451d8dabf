package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Heartbeat keeps an agent connection alive
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (*Heartbeat) MessageType() string { return TypeHeartbeat }

// ConsoleOutput carries one chunk of a server's console stream
type ConsoleOutput struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Stream   string `json:"stream"` // stdout, stderr or system
	Data     string `json:"data"`
}

func (*ConsoleOutput) MessageType() string { return TypeConsoleOutput }

func (m *ConsoleOutput) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	switch m.Stream {
	case "stdout", "stderr", "system":
		return nil
	default:
		return fmt.Errorf("unknown stream: %q", m.Stream)
	}
}

// ServerStateUpdate reports an observed server lifecycle change. The agent
// may identify the server by id or by uuid.
type ServerStateUpdate struct {
	Type          string `json:"type"`
	ServerID      string `json:"serverId,omitempty"`
	UUID          string `json:"uuid,omitempty"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
}

func (*ServerStateUpdate) MessageType() string { return TypeServerStateUpdate }

func (m *ServerStateUpdate) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	if m.State == "" {
		return errors.New("state is required")
	}
	return nil
}

// Ref returns whichever server identifier the agent supplied
func (m *ServerStateUpdate) Ref() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.UUID
}

// ResourceStats is one usage sample for a server
type ResourceStats struct {
	Type           string  `json:"type"`
	ServerID       string  `json:"serverId,omitempty"`
	UUID           string  `json:"uuid,omitempty"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryUsageMB  float64 `json:"memoryUsageMb"`
	DiskUsageMB    float64 `json:"diskUsageMb"`
	DiskIOMB       float64 `json:"diskIoMb"`
	NetworkRxBytes int64   `json:"networkRxBytes"`
	NetworkTxBytes int64   `json:"networkTxBytes"`
}

func (*ResourceStats) MessageType() string { return TypeResourceStats }

func (m *ResourceStats) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	return nil
}

// Ref returns whichever server identifier the agent supplied
func (m *ResourceStats) Ref() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.UUID
}

// HealthReport is one usage sample for the node itself
type HealthReport struct {
	Type           string  `json:"type"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryUsageMB  float64 `json:"memoryUsageMb"`
	MemoryTotalMB  float64 `json:"memoryTotalMb"`
	DiskUsageMB    float64 `json:"diskUsageMb"`
	DiskTotalMB    float64 `json:"diskTotalMb"`
	NetworkRxBytes int64   `json:"networkRxBytes"`
	NetworkTxBytes int64   `json:"networkTxBytes"`
	ContainerCount int     `json:"containerCount"`
}

func (*HealthReport) MessageType() string { return TypeHealthReport }

// BackupComplete reports a finished backup archive
type BackupComplete struct {
	Type       string            `json:"type"`
	ServerID   string            `json:"serverId"`
	BackupID   string            `json:"backupId,omitempty"`
	BackupName string            `json:"backupName"`
	BackupPath string            `json:"backupPath"`
	SizeMB     float64           `json:"sizeMb"`
	Checksum   string            `json:"checksum,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (*BackupComplete) MessageType() string { return TypeBackupComplete }

func (m *BackupComplete) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	if m.BackupName == "" {
		return errors.New("backupName is required")
	}
	return nil
}

// BackupRestoreComplete reports a finished restore; fan-out only
type BackupRestoreComplete struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	BackupID string `json:"backupId,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func (*BackupRestoreComplete) MessageType() string { return TypeBackupRestoreComplete }

func (m *BackupRestoreComplete) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	return nil
}

// BackupDeleteComplete reports a finished backup deletion; fan-out only
type BackupDeleteComplete struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	BackupID string `json:"backupId,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func (*BackupDeleteComplete) MessageType() string { return TypeBackupDeleteComplete }

func (m *BackupDeleteComplete) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	return nil
}

// Response is the single-frame reply to a correlated request. The concrete
// type tag varies ("logs_response", "backup_download_response", ...); the
// correlator matches on RequestID and hands the caller the raw frame.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	// Raw is the complete frame as received
	Raw []byte `json:"-"`
}

func (r *Response) MessageType() string { return r.Type }

func (r *Response) validate() error {
	if r.RequestID == "" {
		return errors.New("requestId is required")
	}
	return nil
}

// Chunk is one frame of a streamed binary reply. Data is base64; Done marks
// the final frame and Error aborts the stream.
type Chunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c *Chunk) MessageType() string { return c.Type }

func (c *Chunk) validate() error {
	if c.RequestID == "" {
		return errors.New("requestId is required")
	}
	return nil
}

// Payload decodes the chunk's base64 data
func (c *Chunk) Payload() ([]byte, error) {
	if c.Data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.Data)
}

// ServerControl is a client command against one server
type ServerControl struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Action   string `json:"action"` // start, stop, restart or backup
}

func (*ServerControl) MessageType() string { return TypeServerControl }

func (m *ServerControl) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	switch m.Action {
	case "start", "stop", "restart", "backup":
		return nil
	default:
		return fmt.Errorf("unknown action: %q", m.Action)
	}
}

// ConsoleInput carries a console line from a client; the backend attaches
// the server's uuid before forwarding it to the node agent.
type ConsoleInput struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	UUID     string `json:"uuid,omitempty"`
	Data     string `json:"data"`
}

func (*ConsoleInput) MessageType() string { return TypeConsoleInput }

func (m *ConsoleInput) validate() error {
	if m.ServerID == "" {
		return errors.New("serverId is required")
	}
	if m.Data == "" {
		return errors.New("data is required")
	}
	return nil
}

// NodeHandshakeResponse acknowledges agent admission
type NodeHandshakeResponse struct {
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	BackendAddress string `json:"backendAddress,omitempty"`
}

func (*NodeHandshakeResponse) MessageType() string { return TypeNodeHandshakeResponse }

// Correlation is embedded in outbound commands that may be sent through the
// request/reply correlator; fire-and-forget sends leave it empty.
type Correlation struct {
	RequestID string `json:"requestId,omitempty"`
}

// SetRequestID stamps the correlation id onto the outgoing message
func (c *Correlation) SetRequestID(id string) { c.RequestID = id }

// Correlatable is an outbound message that can carry a request id
type Correlatable interface {
	Message
	SetRequestID(id string)
}

// PortBinding is the wire form of one port mapping
type PortBinding struct {
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

// StartServer instructs an agent to create and start a server's container
type StartServer struct {
	Type string `json:"type"`
	Correlation
	ServerID       string            `json:"serverId"`
	UUID           string            `json:"uuid"`
	Image          string            `json:"image"`
	StartupCommand string            `json:"startupCommand,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	MemoryMB       int64             `json:"memoryMb"`
	CPUCores       float64           `json:"cpuCores"`
	DiskMB         int64             `json:"diskMb"`
	Ports          []PortBinding     `json:"ports,omitempty"`
	NetworkMode    string            `json:"networkMode,omitempty"`
}

func (*StartServer) MessageType() string { return TypeStartServer }

func (m *StartServer) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	if m.Image == "" {
		return errors.New("image is required")
	}
	return nil
}

// StopServer instructs an agent to stop a server's container
type StopServer struct {
	Type string `json:"type"`
	Correlation
	ServerID string `json:"serverId"`
	UUID     string `json:"uuid"`
}

func (*StopServer) MessageType() string { return TypeStopServer }

func (m *StopServer) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	return nil
}

// RestartServer instructs an agent to restart a server's container
type RestartServer struct {
	Type string `json:"type"`
	Correlation
	ServerID string `json:"serverId"`
	UUID     string `json:"uuid"`
}

func (*RestartServer) MessageType() string { return TypeRestartServer }

func (m *RestartServer) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	return nil
}

// CreateBackup instructs an agent to archive a server's data
type CreateBackup struct {
	Type string `json:"type"`
	Correlation
	ServerID   string `json:"serverId"`
	UUID       string `json:"uuid"`
	BackupName string `json:"backupName"`
}

func (*CreateBackup) MessageType() string { return TypeCreateBackup }

func (m *CreateBackup) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	if m.BackupName == "" {
		return errors.New("backupName is required")
	}
	return nil
}

// SendCommand runs one command line inside a server's container
type SendCommand struct {
	Type string `json:"type"`
	Correlation
	ServerID    string            `json:"serverId"`
	UUID        string            `json:"uuid"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (*SendCommand) MessageType() string { return TypeSendCommand }

func (m *SendCommand) validate() error {
	if m.ServerID == "" && m.UUID == "" {
		return errors.New("serverId or uuid is required")
	}
	if m.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// ErrorMessage reports a failed client command with a stable code
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (*ErrorMessage) MessageType() string { return TypeError }

// NewError builds an error frame for a client
func NewError(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}
