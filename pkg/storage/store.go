package storage

import (
	"time"

	"github.com/catalyst-gg/catalyst/pkg/types"
)

// Store is the persistence contract for all fleet state. Two
// implementations exist: BoltStore (single-file, default) and
// PostgresStore (pooled, for multi-component deployments).
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	GetServerByUUIDOrID(ref string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	ListServersByStatus(status types.ServerStatus) ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error

	// Server templates
	CreateTemplate(tpl *types.ServerTemplate) error
	GetTemplate(id string) (*types.ServerTemplate, error)
	ListTemplates() ([]*types.ServerTemplate, error)
	UpdateTemplate(tpl *types.ServerTemplate) error
	DeleteTemplate(id string) error

	// Server access grants
	CreateAccess(access *types.ServerAccess) error
	ListAccessByServer(serverID string) ([]*types.ServerAccess, error)
	DeleteAccess(userID, serverID string) error

	// Server logs (append-only)
	AppendServerLog(entry *types.ServerLog) error
	ListServerLogs(serverID string, limit int) ([]*types.ServerLog, error)
	PruneServerLogs(olderThan time.Time) (int, error)

	// Metrics (append-only time series). The Latest lookups return
	// (nil, nil) when no samples exist yet.
	AppendServerMetrics(m *types.ServerMetrics) error
	LatestServerMetrics(serverID string) (*types.ServerMetrics, error)
	AppendNodeMetrics(m *types.NodeMetrics) error
	LatestNodeMetrics(nodeID string) (*types.NodeMetrics, error)
	PruneMetrics(olderThan time.Time) (int, error)

	// Backups
	CreateBackup(b *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	GetBackupByServerAndName(serverID, name string) (*types.Backup, error)
	ListBackupsByServer(serverID string) ([]*types.Backup, error)
	UpdateBackup(b *types.Backup) error
	DeleteBackup(id string) error

	// Scheduled tasks
	CreateTask(task *types.ScheduledTask) error
	GetTask(id string) (*types.ScheduledTask, error)
	ListTasks() ([]*types.ScheduledTask, error)
	ListEnabledTasks() ([]*types.ScheduledTask, error)
	UpdateTask(task *types.ScheduledTask) error
	DeleteTask(id string) error

	// Alert rules
	CreateAlertRule(rule *types.AlertRule) error
	GetAlertRule(id string) (*types.AlertRule, error)
	ListAlertRules() ([]*types.AlertRule, error)
	ListEnabledAlertRules() ([]*types.AlertRule, error)
	UpdateAlertRule(rule *types.AlertRule) error
	DeleteAlertRule(id string) error

	// Alerts
	CreateAlert(alert *types.Alert) error
	GetAlert(id string) (*types.Alert, error)
	ListAlerts(includeResolved bool) ([]*types.Alert, error)
	FindUnresolvedAlert(q AlertQuery) (*types.Alert, error)
	UpdateAlert(alert *types.Alert) error

	// Alert deliveries
	CreateDelivery(d *types.AlertDelivery) error
	GetDelivery(id string) (*types.AlertDelivery, error)
	ListRetryableDeliveries(maxAttempts int, before time.Time, limit int) ([]*types.AlertDelivery, error)
	UpdateDelivery(d *types.AlertDelivery) error

	// Utility
	Close() error
}

// AlertQuery filters unresolved alerts for dedup checks. Empty string
// fields match any value; a zero CreatedAfter matches any age.
// FindUnresolvedAlert returns (nil, nil) when nothing matches.
type AlertQuery struct {
	ServerID     string
	NodeID       string
	RuleID       string
	Type         types.AlertRuleType
	Title        string
	CreatedAfter time.Time
}

// Matches reports whether an unresolved alert satisfies the query
func (q AlertQuery) Matches(a *types.Alert) bool {
	if a.Resolved {
		return false
	}
	if q.ServerID != "" && a.ServerID != q.ServerID {
		return false
	}
	if q.NodeID != "" && a.NodeID != q.NodeID {
		return false
	}
	if q.RuleID != "" && a.RuleID != q.RuleID {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Title != "" && a.Title != q.Title {
		return false
	}
	if !q.CreatedAfter.IsZero() && !a.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	return true
}
