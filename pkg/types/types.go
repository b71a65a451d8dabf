package types

import (
	"time"
)

// Node represents a worker host running the Catalyst agent
type Node struct {
	ID            string
	Hostname      string
	PublicAddress string
	Secret        string // Agent bearer token
	IsOnline      bool
	LastSeenAt    time.Time
	MaxMemoryMB   int64
	MaxCPUCores   float64
	LocationID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Server represents a managed containerized workload
type Server struct {
	ID                string
	UUID              string // Externally-visible identifier
	Name              string
	OwnerID           string
	NodeID            string
	TemplateID        string
	Status            ServerStatus
	AllocatedMemoryMB int64
	AllocatedCPUCores float64
	AllocatedDiskMB   int64
	PrimaryIP         string
	PrimaryPort       int
	PortBindings      []*PortBinding
	NetworkMode       NetworkMode
	Environment       map[string]string
	RestartPolicy     RestartPolicy
	CrashCount        int
	MaxCrashCount     int
	LastCrashAt       *time.Time
	SuspendedAt       *time.Time
	SuspensionReason  string
	ContainerID       string
	ContainerName     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServerStatus represents the lifecycle state of a server
type ServerStatus string

const (
	StatusStopped    ServerStatus = "STOPPED"
	StatusInstalling ServerStatus = "INSTALLING"
	StatusStarting   ServerStatus = "STARTING"
	StatusRunning    ServerStatus = "RUNNING"
	StatusStopping   ServerStatus = "STOPPING"
	StatusCrashed    ServerStatus = "CRASHED"
	StatusError      ServerStatus = "ERROR"
)

// RestartPolicy defines when a crashed server is restarted
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// NetworkMode defines how a server's container is networked
type NetworkMode string

const (
	// NetworkModeBridge maps container ports onto host ports
	NetworkModeBridge NetworkMode = "bridge"

	// NetworkModeHost shares the node's network namespace
	NetworkModeHost NetworkMode = "host"

	// NetworkModeDedicated gives the container its own routable IP
	NetworkModeDedicated NetworkMode = "dedicated"
)

// PortBinding defines port exposure for a server
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// ServerTemplate defines the image and startup configuration servers are created from
type ServerTemplate struct {
	ID             string
	Name           string
	Image          string
	StartupCommand string
	Environment    map[string]string
	MinMemoryMB    int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// User represents an account that owns or is granted access to servers
type User struct {
	ID        string
	Username  string
	Email     string
	Admin     bool
	CreatedAt time.Time
}

// ServerAccess grants a non-owner user permissions on a server
type ServerAccess struct {
	UserID      string
	ServerID    string
	Permissions []string
	CreatedAt   time.Time
}

// LogStream identifies the origin of a server log line
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// ServerLog is one append-only log row for a server
type ServerLog struct {
	ID        string
	ServerID  string
	Stream    LogStream
	Data      string
	Timestamp time.Time
}

// ServerMetrics is one resource usage sample for a server
type ServerMetrics struct {
	ServerID       string
	Timestamp      time.Time
	CPUPercent     float64
	MemoryUsageMB  float64
	DiskUsageMB    float64
	DiskIOMB       float64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// NodeMetrics is one resource usage sample for a node
type NodeMetrics struct {
	NodeID         string
	Timestamp      time.Time
	CPUPercent     float64
	MemoryUsageMB  float64
	MemoryTotalMB  float64
	DiskUsageMB    float64
	DiskTotalMB    float64
	NetworkRxBytes int64
	NetworkTxBytes int64
	ContainerCount int
}

// StorageMode defines where a backup archive lives
type StorageMode string

const (
	StorageModeLocal StorageMode = "local"
	StorageModeS3    StorageMode = "s3"
	StorageModeSFTP  StorageMode = "sftp"
)

// Backup records one backup archive of a server
type Backup struct {
	ID          string
	ServerID    string
	Name        string
	Path        string
	SizeMB      float64
	Checksum    string
	StorageMode StorageMode
	Metadata    map[string]string
	CreatedAt   time.Time
	RestoredAt  *time.Time
}

// TaskAction defines what a scheduled task does to its server
type TaskAction string

const (
	ActionStart   TaskAction = "start"
	ActionStop    TaskAction = "stop"
	ActionRestart TaskAction = "restart"
	ActionBackup  TaskAction = "backup"
	ActionCommand TaskAction = "command"
)

// TaskStatus records the outcome of a task run
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// ScheduledTask is a cron-driven server action
type ScheduledTask struct {
	ID         string
	ServerID   string
	Name       string
	Schedule   string // Cron expression
	Action     TaskAction
	Payload    map[string]string
	Enabled    bool
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	RunCount   int
	LastStatus TaskStatus
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AlertRuleType defines what condition an alert rule watches
type AlertRuleType string

const (
	RuleResourceThreshold AlertRuleType = "resource_threshold"
	RuleNodeOffline       AlertRuleType = "node_offline"
	RuleServerCrashed     AlertRuleType = "server_crashed"
)

// AlertTarget defines the scope of an alert rule
type AlertTarget string

const (
	TargetGlobal AlertTarget = "global"
	TargetServer AlertTarget = "server"
	TargetNode   AlertTarget = "node"
)

// AlertSeverity ranks how urgent an alert is
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertConditions holds the thresholds an alert rule evaluates
type AlertConditions struct {
	CPUThreshold    *float64 // Percent
	MemoryThreshold *float64 // Percent of allocation
	DiskThreshold   *float64 // Percent of allocation
	OfflineMinutes  int      // node_offline: minutes without a heartbeat (default 5)
	CooldownMinutes int      // Dedup window for repeated triggers (default 5)
}

// AlertActions holds the delivery targets of an alert rule
type AlertActions struct {
	Webhooks    []string
	Emails      []string
	NotifyOwner bool
}

// AlertRule is a user-defined condition evaluated against the fleet
type AlertRule struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Type        AlertRuleType
	Target      AlertTarget
	TargetID    string
	Conditions  AlertConditions
	Actions     AlertActions
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Alert is one triggered instance of an alert rule
type Alert struct {
	ID         string
	RuleID     string
	UserID     string
	ServerID   string
	NodeID     string
	Type       AlertRuleType
	Severity   AlertSeverity
	Title      string
	Message    string
	Metadata   map[string]string
	CreatedAt  time.Time
	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy string
}

// DeliveryChannel identifies how an alert is delivered
type DeliveryChannel string

const (
	ChannelWebhook DeliveryChannel = "webhook"
	ChannelEmail   DeliveryChannel = "email"
)

// DeliveryStatus tracks one delivery attempt chain
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// AlertDelivery is the durable record of one alert sent to one target
type AlertDelivery struct {
	ID            string
	AlertID       string
	Channel       DeliveryChannel
	Target        string
	Status        DeliveryStatus
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
}
