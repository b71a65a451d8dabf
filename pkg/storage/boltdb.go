package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/catalyst-gg/catalyst/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers         = []byte("users")
	bucketNodes         = []byte("nodes")
	bucketServers       = []byte("servers")
	bucketTemplates     = []byte("templates")
	bucketAccess        = []byte("server_access")
	bucketServerLogs    = []byte("server_logs")
	bucketServerMetrics = []byte("server_metrics")
	bucketNodeMetrics   = []byte("node_metrics")
	bucketBackups       = []byte("backups")
	bucketTasks         = []byte("scheduled_tasks")
	bucketAlertRules    = []byte("alert_rules")
	bucketAlerts        = []byte("alerts")
	bucketDeliveries    = []byte("alert_deliveries")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "catalyst.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketNodes,
			bucketServers,
			bucketTemplates,
			bucketAccess,
			bucketServerLogs,
			bucketServerMetrics,
			bucketNodeMetrics,
			bucketBackups,
			bucketTasks,
			bucketAlertRules,
			bucketAlerts,
			bucketDeliveries,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// timeKey formats a timestamp so lexical and chronological order agree
func timeKey(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s/%020d", prefix, ts.UnixNano())
}

// User operations
func (s *BoltStore) CreateUser(user *types.User) error {
	return s.put(bucketUsers, user.ID, user)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user not found: %s", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // Same as create (upsert)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Server operations
func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.put(bucketServers, server.ID, server)
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server not found: %s", id)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) GetServerByUUIDOrID(ref string) (*types.Server, error) {
	var found *types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		if data := b.Get([]byte(ref)); data != nil {
			var server types.Server
			if err := json.Unmarshal(data, &server); err != nil {
				return err
			}
			found = &server
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			if server.UUID == ref {
				found = &server
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("server not found: %s", ref)
	}
	return found, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) ListServersByStatus(status types.ServerStatus) ([]*types.Server, error) {
	servers, err := s.ListServers()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Server
	for _, server := range servers {
		if server.Status == status {
			filtered = append(filtered, server)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server)
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.delete(bucketServers, id)
}

// Template operations
func (s *BoltStore) CreateTemplate(tpl *types.ServerTemplate) error {
	return s.put(bucketTemplates, tpl.ID, tpl)
}

func (s *BoltStore) GetTemplate(id string) (*types.ServerTemplate, error) {
	var tpl types.ServerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("template not found: %s", id)
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) ListTemplates() ([]*types.ServerTemplate, error) {
	var templates []*types.ServerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tpl types.ServerTemplate
			if err := json.Unmarshal(v, &tpl); err != nil {
				return err
			}
			templates = append(templates, &tpl)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) UpdateTemplate(tpl *types.ServerTemplate) error {
	return s.CreateTemplate(tpl)
}

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.delete(bucketTemplates, id)
}

// Access grant operations. Keys are serverID/userID so one server's grants
// sit in one key range.
func accessKey(serverID, userID string) string {
	return serverID + "/" + userID
}

func (s *BoltStore) CreateAccess(access *types.ServerAccess) error {
	return s.put(bucketAccess, accessKey(access.ServerID, access.UserID), access)
}

func (s *BoltStore) ListAccessByServer(serverID string) ([]*types.ServerAccess, error) {
	var grants []*types.ServerAccess
	prefix := []byte(serverID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAccess).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var access types.ServerAccess
			if err := json.Unmarshal(v, &access); err != nil {
				return err
			}
			grants = append(grants, &access)
		}
		return nil
	})
	return grants, err
}

func (s *BoltStore) DeleteAccess(userID, serverID string) error {
	return s.delete(bucketAccess, accessKey(serverID, userID))
}

// Server log operations
func (s *BoltStore) AppendServerLog(entry *types.ServerLog) error {
	key := timeKey(entry.ServerID, entry.Timestamp) + "/" + entry.ID
	return s.put(bucketServerLogs, key, entry)
}

// ListServerLogs returns up to limit of the most recent rows for a server,
// oldest first. limit <= 0 returns everything.
func (s *BoltStore) ListServerLogs(serverID string, limit int) ([]*types.ServerLog, error) {
	var logs []*types.ServerLog
	prefix := []byte(serverID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketServerLogs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.ServerLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs, nil
}

func (s *BoltStore) PruneServerLogs(olderThan time.Time) (int, error) {
	return s.pruneByTimestamp(bucketServerLogs, olderThan, func(v []byte) (time.Time, error) {
		var entry types.ServerLog
		if err := json.Unmarshal(v, &entry); err != nil {
			return time.Time{}, err
		}
		return entry.Timestamp, nil
	})
}

// Metrics operations
func (s *BoltStore) AppendServerMetrics(m *types.ServerMetrics) error {
	return s.put(bucketServerMetrics, timeKey(m.ServerID, m.Timestamp), m)
}

func (s *BoltStore) LatestServerMetrics(serverID string) (*types.ServerMetrics, error) {
	var latest *types.ServerMetrics
	prefix := []byte(serverID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketServerMetrics).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m types.ServerMetrics
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			latest = &m
		}
		return nil
	})
	return latest, err
}

func (s *BoltStore) AppendNodeMetrics(m *types.NodeMetrics) error {
	return s.put(bucketNodeMetrics, timeKey(m.NodeID, m.Timestamp), m)
}

func (s *BoltStore) LatestNodeMetrics(nodeID string) (*types.NodeMetrics, error) {
	var latest *types.NodeMetrics
	prefix := []byte(nodeID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodeMetrics).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m types.NodeMetrics
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			latest = &m
		}
		return nil
	})
	return latest, err
}

func (s *BoltStore) PruneMetrics(olderThan time.Time) (int, error) {
	serverCount, err := s.pruneByTimestamp(bucketServerMetrics, olderThan, func(v []byte) (time.Time, error) {
		var m types.ServerMetrics
		if err := json.Unmarshal(v, &m); err != nil {
			return time.Time{}, err
		}
		return m.Timestamp, nil
	})
	if err != nil {
		return serverCount, err
	}

	nodeCount, err := s.pruneByTimestamp(bucketNodeMetrics, olderThan, func(v []byte) (time.Time, error) {
		var m types.NodeMetrics
		if err := json.Unmarshal(v, &m); err != nil {
			return time.Time{}, err
		}
		return m.Timestamp, nil
	})
	return serverCount + nodeCount, err
}

func (s *BoltStore) pruneByTimestamp(bucket []byte, olderThan time.Time, tsOf func([]byte) (time.Time, error)) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)

		// Collect keys first; the bucket must not change under ForEach
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			ts, err := tsOf(v)
			if err != nil {
				return err
			}
			if ts.Before(olderThan) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Backup operations
func (s *BoltStore) CreateBackup(b *types.Backup) error {
	return s.put(bucketBackups, b.ID, b)
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("backup not found: %s", id)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) GetBackupByServerAndName(serverID, name string) (*types.Backup, error) {
	var found *types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.ServerID == serverID && backup.Name == name {
				found = &backup
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("backup not found: %s/%s", serverID, name)
	}
	return found, nil
}

func (s *BoltStore) ListBackupsByServer(serverID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.ServerID == serverID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) UpdateBackup(b *types.Backup) error {
	return s.CreateBackup(b)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.delete(bucketBackups, id)
}

// Scheduled task operations
func (s *BoltStore) CreateTask(task *types.ScheduledTask) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.ScheduledTask, error) {
	var task types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.ScheduledTask, error) {
	var tasks []*types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.ScheduledTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListEnabledTasks() ([]*types.ScheduledTask, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var enabled []*types.ScheduledTask
	for _, task := range tasks {
		if task.Enabled {
			enabled = append(enabled, task)
		}
	}
	return enabled, nil
}

func (s *BoltStore) UpdateTask(task *types.ScheduledTask) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.delete(bucketTasks, id)
}

// Alert rule operations
func (s *BoltStore) CreateAlertRule(rule *types.AlertRule) error {
	return s.put(bucketAlertRules, rule.ID, rule)
}

func (s *BoltStore) GetAlertRule(id string) (*types.AlertRule, error) {
	var rule types.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlertRules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert rule not found: %s", id)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListAlertRules() ([]*types.AlertRule, error) {
	var rules []*types.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlertRules).ForEach(func(k, v []byte) error {
			var rule types.AlertRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) ListEnabledAlertRules() ([]*types.AlertRule, error) {
	rules, err := s.ListAlertRules()
	if err != nil {
		return nil, err
	}

	var enabled []*types.AlertRule
	for _, rule := range rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

func (s *BoltStore) UpdateAlertRule(rule *types.AlertRule) error {
	return s.CreateAlertRule(rule)
}

func (s *BoltStore) DeleteAlertRule(id string) error {
	return s.delete(bucketAlertRules, id)
}

// Alert operations
func (s *BoltStore) CreateAlert(alert *types.Alert) error {
	return s.put(bucketAlerts, alert.ID, alert)
}

func (s *BoltStore) GetAlert(id string) (*types.Alert, error) {
	var alert types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert not found: %s", id)
		}
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) ListAlerts(includeResolved bool) ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if includeResolved || !alert.Resolved {
				alerts = append(alerts, &alert)
			}
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) FindUnresolvedAlert(q AlertQuery) (*types.Alert, error) {
	var found *types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if q.Matches(&alert) {
				found = &alert
			}
			return nil
		})
	})
	return found, err
}

func (s *BoltStore) UpdateAlert(alert *types.Alert) error {
	return s.CreateAlert(alert)
}

// Delivery operations
func (s *BoltStore) CreateDelivery(d *types.AlertDelivery) error {
	return s.put(bucketDeliveries, d.ID, d)
}

func (s *BoltStore) GetDelivery(id string) (*types.AlertDelivery, error) {
	var delivery types.AlertDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeliveries).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("delivery not found: %s", id)
		}
		return json.Unmarshal(data, &delivery)
	})
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// ListRetryableDeliveries returns failed deliveries eligible for another
// attempt: attempts below the cap and the last attempt older than before
// (or never attempted). Oldest attempts come first.
func (s *BoltStore) ListRetryableDeliveries(maxAttempts int, before time.Time, limit int) ([]*types.AlertDelivery, error) {
	var retryable []*types.AlertDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).ForEach(func(k, v []byte) error {
			var d types.AlertDelivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status != types.DeliveryFailed || d.Attempts >= maxAttempts {
				return nil
			}
			if d.LastAttemptAt != nil && !d.LastAttemptAt.Before(before) {
				return nil
			}
			retryable = append(retryable, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(retryable, func(i, j int) bool {
		a, b := retryable[i].LastAttemptAt, retryable[j].LastAttemptAt
		if a == nil {
			return true
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(retryable) > limit {
		retryable = retryable[:limit]
	}
	return retryable, nil
}

func (s *BoltStore) UpdateDelivery(d *types.AlertDelivery) error {
	return s.CreateDelivery(d)
}
