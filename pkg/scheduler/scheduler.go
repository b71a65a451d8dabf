package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/gateway"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// CommandSender delivers a protocol message to the agent connected for a
// node. Delivery is fire-and-forget; an error means the frame never left
// the backend.
type CommandSender interface {
	SendToNode(nodeID string, msg protocol.Message) error
}

// StartBuilder composes the full start command for a server, including
// template image, resource limits, ports, and merged environment.
type StartBuilder interface {
	BuildStart(server *types.Server) (*protocol.StartServer, error)
}

// Clock supplies the current time. Tests swap it to drive cron evaluation
// without waiting for wall-clock minutes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// job is one installed cron entry. The timer fires at the task's next
// occurrence and is reset on every fire, so an entry keeps itself alive
// until the task is disabled or deleted.
type job struct {
	schedule string
	expr     *cronexpr.Expression
	timer    *time.Timer
}

// Scheduler runs enabled scheduled tasks on their cron cadence. Jobs are
// held in memory keyed by task id; a periodic reconcile pass converges
// the in-memory set against the store, so tasks created, edited, or
// disabled through the API take effect without a restart.
type Scheduler struct {
	store   storage.Store
	sender  CommandSender
	builder StartBuilder
	clock   Clock

	location           *time.Location
	reconcileInterval  time.Duration
	suspensionEnforced bool

	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	running map[string]bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Nothing runs until Start.
func New(cfg *config.Config, store storage.Store, sender CommandSender, builder StartBuilder) *Scheduler {
	return &Scheduler{
		store:              store,
		sender:             sender,
		builder:            builder,
		clock:              systemClock{},
		location:           cfg.Location(),
		reconcileInterval:  cfg.TaskReconcileInterval,
		suspensionEnforced: cfg.SuspensionEnforced,
		logger:             log.WithComponent("scheduler"),
		jobs:               make(map[string]*job),
		running:            make(map[string]bool),
		stopCh:             make(chan struct{}),
	}
}

// Start loads every enabled task, installs its cron job, and begins the
// reconcile loop.
func (s *Scheduler) Start() error {
	if err := s.reconcile(); err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}

	s.wg.Add(1)
	go s.reconcileLoop()

	metrics.SetComponent("scheduler", true, "")
	s.logger.Info().Int("jobs", s.jobCount()).Msg("Task scheduler started")
	return nil
}

// Stop cancels all timers and waits for the reconcile loop and any
// in-flight task runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		s.stopped = true
		for id, j := range s.jobs {
			j.timer.Stop()
			delete(s.jobs, id)
		}
		s.mu.Unlock()

		s.wg.Wait()
		metrics.SetComponent("scheduler", false, "stopped")
		s.logger.Info().Msg("Task scheduler stopped")
	})
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) reconcileLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.reconcile(); err != nil {
				s.logger.Error().Err(err).Msg("Task reconcile pass failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// reconcile converges the in-memory job set against enabled task rows:
// installs missing jobs, drops jobs for tasks that were disabled or
// deleted, reinstalls jobs whose schedule was edited, and fires any task
// whose recorded next run is already due.
func (s *Scheduler) reconcile() error {
	tasks, err := s.store.ListEnabledTasks()
	if err != nil {
		return fmt.Errorf("list enabled tasks: %w", err)
	}

	now := s.clock.Now()

	s.mu.Lock()
	enabled := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		enabled[task.ID] = true
		if j, ok := s.jobs[task.ID]; ok {
			if j.schedule == task.Schedule {
				if task.NextRunAt == nil {
					if next := j.expr.Next(now.In(s.location)); !next.IsZero() {
						at := next.UTC()
						task.NextRunAt = &at
						task.UpdatedAt = now.UTC()
						if err := s.store.UpdateTask(task); err != nil {
							s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist next run time")
						}
					}
				}
				continue
			}
			j.timer.Stop()
			delete(s.jobs, task.ID)
			s.logger.Info().Str("task_id", task.ID).Str("schedule", task.Schedule).
				Msg("Task schedule changed, reinstalling job")
		}
		s.installLocked(task, now)
	}
	for id, j := range s.jobs {
		if !enabled[id] {
			j.timer.Stop()
			delete(s.jobs, id)
			s.logger.Info().Str("task_id", id).Msg("Task no longer enabled, job removed")
		}
	}
	s.mu.Unlock()

	// Catch up tasks that came due while no job was armed for them,
	// typically rows carried across a backend restart.
	for _, task := range tasks {
		if task.NextRunAt != nil && !task.NextRunAt.After(now) {
			s.fire(task.ID)
		}
	}
	return nil
}

// installLocked parses the task's cron expression and arms a timer for
// the next occurrence. An unparseable expression is recorded on the task
// row and no job is installed. Caller holds s.mu.
func (s *Scheduler) installLocked(task *types.ScheduledTask, now time.Time) {
	expr, err := cronexpr.Parse(task.Schedule)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Str("schedule", task.Schedule).
			Msg("Invalid cron expression, job not installed")
		s.recordScheduleError(task, fmt.Sprintf("invalid cron expression %q: %v", task.Schedule, err))
		return
	}

	next := expr.Next(now.In(s.location))
	if next.IsZero() {
		s.logger.Warn().Str("task_id", task.ID).Str("schedule", task.Schedule).
			Msg("Cron expression has no future occurrence, job not installed")
		s.recordScheduleError(task, fmt.Sprintf("cron expression %q has no future occurrence", task.Schedule))
		return
	}

	if task.NextRunAt == nil {
		at := next.UTC()
		task.NextRunAt = &at
		task.UpdatedAt = now.UTC()
		if err := s.store.UpdateTask(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist next run time")
		}
	}

	id := task.ID
	j := &job{schedule: task.Schedule, expr: expr}
	j.timer = time.AfterFunc(next.Sub(now), func() { s.fire(id) })
	s.jobs[id] = j

	s.logger.Debug().Str("task_id", id).Str("schedule", task.Schedule).
		Time("next_run", next).Msg("Cron job installed")
}

func (s *Scheduler) recordScheduleError(task *types.ScheduledTask, msg string) {
	if task.LastStatus == types.TaskFailed && task.LastError == msg {
		return
	}
	task.LastStatus = types.TaskFailed
	task.LastError = msg
	task.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist task error")
	}
}

// fire is called when a task comes due, either by its timer or by the
// reconcile catch-up pass. It re-arms the timer for the following
// occurrence, then runs the task unless the previous run is still in
// flight, in which case this fire is dropped.
func (s *Scheduler) fire(taskID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	j, ok := s.jobs[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	if next := j.expr.Next(now.In(s.location)); !next.IsZero() {
		j.timer.Reset(next.Sub(now))
	}

	if s.running[taskID] {
		s.mu.Unlock()
		metrics.TaskRunsSkipped.Inc()
		s.logger.Warn().Str("task_id", taskID).Msg("Previous run still in flight, dropping this fire")
		return
	}
	s.running[taskID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
		}()
		s.runTask(taskID, now)
	}()
}

// runTask executes one occurrence of a task. The next run time is
// computed from startedAt, not from completion, so a slow dispatch does
// not stretch the cadence.
func (s *Scheduler) runTask(taskID string, startedAt time.Time) {
	task, err := s.store.GetTask(taskID)
	if err != nil || !task.Enabled {
		s.remove(taskID)
		s.logger.Info().Str("task_id", taskID).Msg("Task gone or disabled, job removed")
		return
	}

	next := s.nextAfter(task.Schedule, startedAt)

	server, err := s.store.GetServer(task.ServerID)
	if err != nil {
		s.finishRun(task, startedAt, next, fmt.Errorf("load server %s: %w", task.ServerID, err))
		return
	}

	if server.SuspendedAt != nil && s.suspensionEnforced {
		s.logger.Warn().Str("task_id", task.ID).Str("server_id", server.ID).
			Msg("Server is suspended, skipping scheduled task")
		task.LastError = "server is suspended, run skipped"
		task.NextRunAt = next
		task.UpdatedAt = s.clock.Now().UTC()
		if err := s.store.UpdateTask(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist task skip")
		}
		return
	}

	s.finishRun(task, startedAt, next, s.dispatch(task, server))
}

// nextAfter evaluates the task's cron expression at t. Returns nil when
// the expression is unparseable or has no further occurrence.
func (s *Scheduler) nextAfter(schedule string, t time.Time) *time.Time {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil
	}
	next := expr.Next(t.In(s.location))
	if next.IsZero() {
		return nil
	}
	at := next.UTC()
	return &at
}

// dispatch builds the agent command for the task's action and sends it
// to the server's node.
func (s *Scheduler) dispatch(task *types.ScheduledTask, server *types.Server) error {
	var msg protocol.Message
	switch task.Action {
	case types.ActionStart:
		start, err := s.builder.BuildStart(server)
		if err != nil {
			return fmt.Errorf("build start command: %w", err)
		}
		msg = start
	case types.ActionStop:
		msg = &protocol.StopServer{Type: protocol.TypeStopServer, ServerID: server.ID, UUID: server.UUID}
	case types.ActionRestart:
		msg = &protocol.RestartServer{Type: protocol.TypeRestartServer, ServerID: server.ID, UUID: server.UUID}
	case types.ActionBackup:
		name := task.Payload["name"]
		if name == "" {
			name = "scheduled-" + s.clock.Now().UTC().Format("20060102-150405")
		}
		msg = &protocol.CreateBackup{Type: protocol.TypeCreateBackup, ServerID: server.ID, UUID: server.UUID, BackupName: name}
	case types.ActionCommand:
		command := task.Payload["command"]
		if command == "" {
			return fmt.Errorf("task payload has no command")
		}
		var template *types.ServerTemplate
		if t, err := s.store.GetTemplate(server.TemplateID); err == nil {
			template = t
		}
		msg = &protocol.SendCommand{
			Type:        protocol.TypeSendCommand,
			ServerID:    server.ID,
			UUID:        server.UUID,
			Command:     command,
			Environment: gateway.MergedEnvironment(server, template),
		}
	default:
		return fmt.Errorf("unknown task action %q", task.Action)
	}

	if err := s.sender.SendToNode(server.NodeID, msg); err != nil {
		return fmt.Errorf("send %s to node %s: %w", task.Action, server.NodeID, err)
	}
	return nil
}

// finishRun records the outcome of a run on the task row.
func (s *Scheduler) finishRun(task *types.ScheduledTask, startedAt time.Time, next *time.Time, runErr error) {
	started := startedAt.UTC()
	task.LastRunAt = &started
	task.RunCount++
	task.NextRunAt = next
	task.UpdatedAt = s.clock.Now().UTC()

	if runErr != nil {
		task.LastStatus = types.TaskFailed
		task.LastError = runErr.Error()
		metrics.TaskRunsTotal.WithLabelValues(string(task.Action), "failed").Inc()
		s.logger.Warn().Err(runErr).Str("task_id", task.ID).Str("action", string(task.Action)).
			Msg("Scheduled task failed")
	} else {
		task.LastStatus = types.TaskSuccess
		task.LastError = ""
		metrics.TaskRunsTotal.WithLabelValues(string(task.Action), "success").Inc()
		s.logger.Info().Str("task_id", task.ID).Str("action", string(task.Action)).
			Str("server_id", task.ServerID).Msg("Scheduled task dispatched")
	}

	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist task run")
	}
}

// remove drops a task's job if one is installed.
func (s *Scheduler) remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[taskID]; ok {
		j.timer.Stop()
		delete(s.jobs, taskID)
	}
}
