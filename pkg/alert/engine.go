package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const (
	defaultCooldown         = 5 * time.Minute
	defaultOfflineThreshold = 5 * time.Minute
	retryBatchSize          = 50
)

// Clock supplies the current time. Tests swap it to step through
// cooldown windows and retry backoffs.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine evaluates enabled alert rules against live metrics and fleet
// state on a fixed interval. Each pass runs evaluation first, then
// re-drives failed deliveries whose backoff has elapsed. Alerts are
// deduplicated through the store, so restarts do not re-fire alerts
// that are still open.
type Engine struct {
	store    storage.Store
	broker   *events.Broker
	webhooks WebhookSender
	mailer   Mailer
	clock    Clock

	evaluateInterval time.Duration
	maxAttempts      int
	retryBackoff     time.Duration

	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an alert engine. Nothing runs until Start.
func New(cfg *config.Config, store storage.Store, broker *events.Broker, webhooks WebhookSender, mailer Mailer) *Engine {
	return &Engine{
		store:            store,
		broker:           broker,
		webhooks:         webhooks,
		mailer:           mailer,
		clock:            systemClock{},
		evaluateInterval: cfg.AlertEvaluateInterval,
		maxAttempts:      cfg.AlertDeliveryMaxAttempts,
		retryBackoff:     cfg.AlertDeliveryRetryBackoff,
		logger:           log.WithComponent("alerts"),
		stopCh:           make(chan struct{}),
	}
}

// Start begins the evaluation loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	metrics.SetComponent("alerts", true, "")
	e.logger.Info().Dur("interval", e.evaluateInterval).Msg("Alert engine started")
}

// Stop signals the loop and waits for the current pass to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		metrics.SetComponent("alerts", false, "stopped")
		e.logger.Info().Msg("Alert engine stopped")
	})
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.evaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := e.clock.Now()
			e.evaluate(now)
			e.retryFailed(now)
		case <-e.stopCh:
			return
		}
	}
}

// evaluate runs every enabled rule once.
func (e *Engine) evaluate(now time.Time) {
	rules, err := e.store.ListEnabledAlertRules()
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to load alert rules")
		return
	}

	for _, rule := range rules {
		switch rule.Type {
		case types.RuleResourceThreshold:
			e.evaluateResourceThreshold(rule, now)
		case types.RuleNodeOffline:
			e.evaluateNodeOffline(rule, now)
		case types.RuleServerCrashed:
			e.evaluateServerCrashed(rule, now)
		default:
			e.logger.Debug().Str("rule_id", rule.ID).Str("type", string(rule.Type)).
				Msg("Unknown alert rule type, skipping")
		}
	}
}

func (e *Engine) evaluateResourceThreshold(rule *types.AlertRule, now time.Time) {
	switch rule.Target {
	case types.TargetServer:
		e.evaluateServerThresholds(rule, now)
	case types.TargetNode:
		e.evaluateNodeThresholds(rule, now)
	default:
		e.logger.Debug().Str("rule_id", rule.ID).
			Msg("Resource threshold rule needs a server or node target, skipping")
	}
}

// threshold pairs one measured dimension with its configured limit.
// A nil limit means the rule does not watch that dimension.
type threshold struct {
	dimension string
	limit     *float64
	value     float64
}

func (e *Engine) evaluateServerThresholds(rule *types.AlertRule, now time.Time) {
	server, err := e.store.GetServerByUUIDOrID(rule.TargetID)
	if err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("target_id", rule.TargetID).
			Msg("Alert rule references unknown server")
		return
	}

	m, err := e.store.LatestServerMetrics(server.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Failed to load server metrics")
		return
	}
	if m == nil {
		return
	}

	c := rule.Conditions
	checks := []threshold{
		{"cpu", c.CPUThreshold, m.CPUPercent},
		{"memory", c.MemoryThreshold, percentOf(m.MemoryUsageMB, float64(server.AllocatedMemoryMB))},
		{"disk", c.DiskThreshold, percentOf(m.DiskUsageMB, float64(server.AllocatedDiskMB))},
	}

	for _, chk := range checks {
		if chk.limit == nil || chk.value <= *chk.limit {
			continue
		}
		alert := &types.Alert{
			RuleID:   rule.ID,
			UserID:   rule.UserID,
			ServerID: server.ID,
			Type:     rule.Type,
			Severity: types.SeverityWarning,
			Title:    fmt.Sprintf("High %s usage on server %s", chk.dimension, server.UUID),
			Message: fmt.Sprintf("%s usage on server %s is %.1f%%, threshold is %.1f%%",
				chk.dimension, server.UUID, chk.value, *chk.limit),
			Metadata: map[string]string{
				"dimension": chk.dimension,
				"value":     fmt.Sprintf("%.1f", chk.value),
				"threshold": fmt.Sprintf("%.1f", *chk.limit),
			},
		}
		if created := e.createAlert(rule, alert, now); created != nil {
			e.dispatch(created, rule)
		}
	}
}

func (e *Engine) evaluateNodeThresholds(rule *types.AlertRule, now time.Time) {
	node, err := e.store.GetNode(rule.TargetID)
	if err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("target_id", rule.TargetID).
			Msg("Alert rule references unknown node")
		return
	}

	m, err := e.store.LatestNodeMetrics(node.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("node_id", node.ID).Msg("Failed to load node metrics")
		return
	}
	if m == nil {
		return
	}

	c := rule.Conditions
	checks := []threshold{
		{"cpu", c.CPUThreshold, m.CPUPercent},
		{"memory", c.MemoryThreshold, percentOf(m.MemoryUsageMB, m.MemoryTotalMB)},
		{"disk", c.DiskThreshold, percentOf(m.DiskUsageMB, m.DiskTotalMB)},
	}

	for _, chk := range checks {
		if chk.limit == nil || chk.value <= *chk.limit {
			continue
		}
		alert := &types.Alert{
			RuleID:   rule.ID,
			UserID:   rule.UserID,
			NodeID:   node.ID,
			Type:     rule.Type,
			Severity: types.SeverityCritical,
			Title:    fmt.Sprintf("High %s usage on node %s", chk.dimension, node.Hostname),
			Message: fmt.Sprintf("%s usage on node %s is %.1f%%, threshold is %.1f%%",
				chk.dimension, node.Hostname, chk.value, *chk.limit),
			Metadata: map[string]string{
				"dimension": chk.dimension,
				"value":     fmt.Sprintf("%.1f", chk.value),
				"threshold": fmt.Sprintf("%.1f", *chk.limit),
			},
		}
		if created := e.createAlert(rule, alert, now); created != nil {
			e.dispatch(created, rule)
		}
	}
}

func (e *Engine) evaluateNodeOffline(rule *types.AlertRule, now time.Time) {
	offlineAfter := time.Duration(rule.Conditions.OfflineMinutes) * time.Minute
	if offlineAfter <= 0 {
		offlineAfter = defaultOfflineThreshold
	}

	var nodes []*types.Node
	if rule.TargetID != "" {
		node, err := e.store.GetNode(rule.TargetID)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("target_id", rule.TargetID).
				Msg("Alert rule references unknown node")
			return
		}
		nodes = []*types.Node{node}
	} else {
		var err error
		nodes, err = e.store.ListNodes()
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to list nodes")
			return
		}
	}

	cutoff := now.Add(-offlineAfter)
	for _, node := range nodes {
		if !node.LastSeenAt.Before(cutoff) {
			continue
		}

		existing, err := e.store.FindUnresolvedAlert(storage.AlertQuery{
			NodeID: node.ID,
			Type:   types.RuleNodeOffline,
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("node_id", node.ID).Msg("Offline dedup lookup failed")
			continue
		}
		if existing != nil {
			continue
		}

		lastSeen := "never"
		if !node.LastSeenAt.IsZero() {
			lastSeen = node.LastSeenAt.UTC().Format(time.RFC3339)
		}
		alert := &types.Alert{
			RuleID:   rule.ID,
			UserID:   rule.UserID,
			NodeID:   node.ID,
			Type:     rule.Type,
			Severity: types.SeverityCritical,
			Title:    fmt.Sprintf("Node %s is offline", node.Hostname),
			Message:  fmt.Sprintf("Node %s has not reported a heartbeat, last seen: %s", node.Hostname, lastSeen),
			Metadata: map[string]string{"node_id": node.ID, "hostname": node.Hostname},
		}
		if created := e.createAlert(rule, alert, now); created != nil {
			e.dispatch(created, rule)
		}
	}
}

func (e *Engine) evaluateServerCrashed(rule *types.AlertRule, now time.Time) {
	var servers []*types.Server
	if rule.TargetID != "" {
		server, err := e.store.GetServerByUUIDOrID(rule.TargetID)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("target_id", rule.TargetID).
				Msg("Alert rule references unknown server")
			return
		}
		if server.Status != types.StatusCrashed {
			return
		}
		servers = []*types.Server{server}
	} else {
		var err error
		servers, err = e.store.ListServersByStatus(types.StatusCrashed)
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to list crashed servers")
			return
		}
	}

	for _, server := range servers {
		q := storage.AlertQuery{ServerID: server.ID, Type: types.RuleServerCrashed}
		if server.LastCrashAt != nil {
			q.CreatedAfter = *server.LastCrashAt
		}
		existing, err := e.store.FindUnresolvedAlert(q)
		if err != nil {
			e.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Crash dedup lookup failed")
			continue
		}
		if existing != nil {
			continue
		}

		alert := &types.Alert{
			RuleID:   rule.ID,
			UserID:   rule.UserID,
			ServerID: server.ID,
			Type:     rule.Type,
			Severity: types.SeverityCritical,
			Title:    fmt.Sprintf("Server %s crashed", server.UUID),
			Message:  fmt.Sprintf("Server %s is in CRASHED state, crash count %d", server.UUID, server.CrashCount),
			Metadata: map[string]string{"server_id": server.ID, "crash_count": fmt.Sprintf("%d", server.CrashCount)},
		}
		if created := e.createAlert(rule, alert, now); created != nil {
			e.dispatch(created, rule)
		}
	}
}

// createAlert persists a new alert unless an unresolved alert with the
// same identity was created within the rule's cooldown window.
func (e *Engine) createAlert(rule *types.AlertRule, alert *types.Alert, now time.Time) *types.Alert {
	cooldown := time.Duration(rule.Conditions.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	existing, err := e.store.FindUnresolvedAlert(storage.AlertQuery{
		ServerID:     alert.ServerID,
		NodeID:       alert.NodeID,
		RuleID:       alert.RuleID,
		Type:         alert.Type,
		Title:        alert.Title,
		CreatedAfter: now.Add(-cooldown),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Cooldown lookup failed")
	}
	if existing != nil {
		e.logger.Debug().Str("rule_id", rule.ID).Str("title", alert.Title).
			Msg("Alert suppressed by cooldown")
		return nil
	}

	alert.ID = uuid.New().String()
	alert.CreatedAt = now.UTC()
	if err := e.store.CreateAlert(alert); err != nil {
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to persist alert")
		return nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventAlertCreated,
		Message:  alert.Title,
		Metadata: map[string]string{"alert_id": alert.ID, "severity": string(alert.Severity)},
	})
	e.logger.Info().Str("alert_id", alert.ID).Str("type", string(alert.Type)).
		Str("severity", string(alert.Severity)).Str("title", alert.Title).Msg("Alert created")
	return alert
}

// dispatch fans the alert out to every delivery target of the rule.
func (e *Engine) dispatch(alert *types.Alert, rule *types.AlertRule) {
	for _, url := range rule.Actions.Webhooks {
		e.deliver(alert, types.ChannelWebhook, url)
	}
	for _, addr := range rule.Actions.Emails {
		e.deliver(alert, types.ChannelEmail, addr)
	}
	if rule.Actions.NotifyOwner {
		if email := e.ownerEmail(alert, rule); email != "" {
			e.deliver(alert, types.ChannelEmail, email)
		}
	}
}

// ownerEmail resolves the address for notifyOwner: the owner of the
// alert's server when one is set, otherwise the rule's creator.
func (e *Engine) ownerEmail(alert *types.Alert, rule *types.AlertRule) string {
	userID := rule.UserID
	if alert.ServerID != "" {
		if server, err := e.store.GetServer(alert.ServerID); err == nil {
			userID = server.OwnerID
		}
	}
	if userID == "" {
		return ""
	}
	user, err := e.store.GetUser(userID)
	if err != nil || user.Email == "" {
		e.logger.Warn().Str("user_id", userID).Str("alert_id", alert.ID).
			Msg("Owner notification requested but no email on file")
		return ""
	}
	return user.Email
}

// deliver records a pending delivery row, then makes the first attempt.
func (e *Engine) deliver(alert *types.Alert, channel types.DeliveryChannel, target string) {
	d := &types.AlertDelivery{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		Channel:   channel,
		Target:    target,
		Status:    types.DeliveryPending,
		CreatedAt: e.clock.Now().UTC(),
	}
	if err := e.store.CreateDelivery(d); err != nil {
		e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to record delivery")
		return
	}
	e.attempt(d, alert)
}

// attempt performs one send on a delivery row and records the outcome.
func (e *Engine) attempt(d *types.AlertDelivery, alert *types.Alert) {
	var sendErr error
	switch d.Channel {
	case types.ChannelWebhook:
		sendErr = e.webhooks.Send(d.Target, alert)
	case types.ChannelEmail:
		subject, body := renderEmail(alert)
		sendErr = e.mailer.Send(d.Target, subject, body)
	default:
		sendErr = fmt.Errorf("unknown delivery channel %q", d.Channel)
	}

	now := e.clock.Now().UTC()
	d.Attempts++
	d.LastAttemptAt = &now
	if sendErr != nil {
		d.Status = types.DeliveryFailed
		d.LastError = sendErr.Error()
		metrics.AlertDeliveriesTotal.WithLabelValues(string(d.Channel), "failed").Inc()
		e.logger.Warn().Err(sendErr).Str("delivery_id", d.ID).Str("channel", string(d.Channel)).
			Int("attempts", d.Attempts).Msg("Alert delivery failed")
	} else {
		d.Status = types.DeliverySent
		d.LastError = ""
		metrics.AlertDeliveriesTotal.WithLabelValues(string(d.Channel), "sent").Inc()
		e.logger.Info().Str("delivery_id", d.ID).Str("channel", string(d.Channel)).
			Str("target", d.Target).Msg("Alert delivered")
	}

	if err := e.store.UpdateDelivery(d); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to persist delivery outcome")
	}
}

// retryFailed re-drives failed deliveries whose backoff has elapsed.
func (e *Engine) retryFailed(now time.Time) {
	rows, err := e.store.ListRetryableDeliveries(e.maxAttempts, now.Add(-e.retryBackoff), retryBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to load retryable deliveries")
		return
	}

	for _, d := range rows {
		alert, err := e.store.GetAlert(d.AlertID)
		if err != nil {
			e.logger.Warn().Err(err).Str("delivery_id", d.ID).Msg("Delivery references missing alert")
			continue
		}
		e.attempt(d, alert)
	}
}

// ResolveAlert closes an alert on behalf of a user. Resolving an
// already-resolved alert is a no-op.
func (e *Engine) ResolveAlert(id, by string) error {
	alert, err := e.store.GetAlert(id)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", id, err)
	}
	if alert.Resolved {
		return nil
	}

	now := e.clock.Now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	if err := e.store.UpdateAlert(alert); err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}

	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventAlertResolved,
		Message:  alert.Title,
		Metadata: map[string]string{"alert_id": alert.ID, "resolved_by": by},
	})
	return nil
}

// ResolveAlerts closes a set of alerts, continuing past individual
// failures and returning them joined.
func (e *Engine) ResolveAlerts(ids []string, by string) error {
	var errs []error
	for _, id := range ids {
		if err := e.ResolveAlert(id, by); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// renderEmail produces the subject and plain-text body for an alert.
func renderEmail(alert *types.Alert) (subject, body string) {
	subject = fmt.Sprintf("[Catalyst] %s: %s", strings.ToUpper(string(alert.Severity)), alert.Title)

	var b strings.Builder
	b.WriteString(alert.Message)
	b.WriteString("\n\n")
	b.WriteString("Severity: " + string(alert.Severity) + "\n")
	b.WriteString("Type: " + string(alert.Type) + "\n")
	b.WriteString("Created: " + alert.CreatedAt.UTC().Format(time.RFC3339) + "\n")

	if len(alert.Metadata) > 0 {
		keys := make([]string, 0, len(alert.Metadata))
		for k := range alert.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			b.WriteString(k + ": " + alert.Metadata[k] + "\n")
		}
	}
	return subject, b.String()
}

// percentOf guards the usage percentage against a zero allocation.
func percentOf(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return used / total * 100
}
