/*
Package scheduler runs cron-expression tasks against fleet servers:
scheduled restarts, backups, stop/start windows, and console commands.

Tasks live in the store as ScheduledTask rows; the scheduler turns each
enabled row into an armed timer, dispatches the action to the server's
node agent when the timer fires, and writes the outcome back onto the
row so operators can see when a task last ran and whether it worked.

# Architecture

One timer per task, re-armed after every run:

	┌─────────────────────── SCHEDULER ────────────────────────┐
	│                                                          │
	│  reconcile loop (interval)                               │
	│      │  list tasks, diff against installed jobs          │
	│      ▼                                                   │
	│  jobs: taskID ─▶ timer(next cron occurrence)             │
	│      │                                                   │
	│      ▼ fire                                              │
	│  runTask (one in flight per task)                        │
	│      │  reload row, skip if deleted/disabled/suspended   │
	│      ▼                                                   │
	│  dispatch ─▶ gateway.SendToNode(agent command)           │
	│      │                                                   │
	│      ▼                                                   │
	│  finishRun: RunCount++, LastRunAt, LastStatus,           │
	│             LastError, NextRunAt = next occurrence       │
	└──────────────────────────────────────────────────────────┘

Schedules are parsed with github.com/hashicorp/cronexpr (standard five
field cron). A task whose expression does not parse is recorded as
failed with the parse error and left uninstalled until the row changes.

# Startup Catch-Up

Start installs every enabled task and then fires, once, every task
whose stored NextRunAt is already in the past. A restart of the control
plane therefore runs the jobs it slept through instead of silently
skipping to the next occurrence. NextRunAt is only computed when the
row does not carry one, so the pre-downtime deadline survives the
restart and is what the catch-up pass sees.

# Run Semantics

Exactly one run per task may be in flight; a timer firing while the
previous run is still going is a no-op for that occurrence. Before
dispatching, the task row is reloaded: deleted or disabled tasks are
uninstalled, and tasks whose target server is suspended are skipped
with a note on the row but no run recorded.

Dispatch maps the task action to an agent command:

	start    full start command from the server row and template
	stop     stop command
	restart  restart command
	backup   backup command, named from the payload or stamped
	command  console command with the merged server environment

Failure to reach the node (offline agents included) is a failed run:
RunCount still advances, LastStatus flips to failed, and LastError
carries the reason. The next occurrence is always armed; one bad run
never stalls the schedule.

# Usage

	s := scheduler.New(cfg, store, gw, gw.Lifecycle())
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

Creating, editing, or disabling ScheduledTask rows needs no scheduler
API; the reconcile loop picks changes up on its next pass, re-arming
timers whose cron expression changed and dropping jobs whose row is
gone.

# Integration Points

This package integrates with:

  - pkg/gateway: SendToNode for dispatch, BuildStart for start tasks,
    MergedEnvironment for console commands
  - pkg/storage: Task listing, per-run row updates
  - pkg/types: ScheduledTask, TaskAction, TaskStatus
  - pkg/metrics: Run counters by action and outcome, skip counter
  - hashicorp/cronexpr: Schedule parsing and next-occurrence math
*/
package scheduler
