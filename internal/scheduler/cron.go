package scheduler

import (
	"context"
	"time"

	"taskd/internal/async"
	"taskd/internal/storage"
	"taskd/internal/task"
)

// bootstrapCron registers entries for every enabled cron task.
func (s *Scheduler) bootstrapCron(ctx context.Context) error {
	enabled := true
	tasks, err := s.store.LoadTasks(ctx, storage.TaskFilter{
		Enabled:     &enabled,
		TriggerType: task.TriggerCron,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if err := s.registerCronLocked(t); err != nil {
			s.logger.Warn("register cron for task %s: %v", t.ID, err)
		}
	}
	return nil
}

// SyncTask reconciles a task's cron entry after a create or update. Disabled
// tasks and non-cron triggers drop any existing entry.
func (s *Scheduler) SyncTask(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(t.ID)
	if !t.Enabled || t.Trigger.Type != task.TriggerCron {
		return
	}
	if err := s.registerCronLocked(t); err != nil {
		s.logger.Warn("register cron for task %s: %v", t.ID, err)
	}
}

// RemoveTask drops a deleted task's cron entry. Parked dispatches resolve
// themselves when a worker finds the task gone.
func (s *Scheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(taskID)
}

func (s *Scheduler) registerCronLocked(t *task.Task) error {
	if _, exists := s.entryIDs[t.ID]; exists {
		return nil
	}
	taskID := t.ID
	entryID, err := s.cron.AddFunc(t.Trigger.Schedule, func() {
		s.cronTick(taskID)
	})
	if err != nil {
		return err
	}
	s.entryIDs[t.ID] = entryID
	s.logger.Info("registered cron task %s (schedule=%s)", t.ID, t.Trigger.Schedule)
	return nil
}

func (s *Scheduler) removeCronLocked(taskID string) {
	if entryID, ok := s.entryIDs[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, taskID)
	}
}

// cronTick fires one scheduled dispatch. Admission handles overlap: a tick
// that lands while the previous run is active is skipped or queued by the
// task's own options.
func (s *Scheduler) cronTick(taskID string) {
	defer async.Recover(s.logger, "scheduler.cron")
	tickCtx := map[string]any{
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.ExecuteTask(context.Background(), taskID, task.TriggerCron, tickCtx); err != nil {
		s.logger.Warn("cron tick for task %s: %v", taskID, err)
	}
}

// CronEntries reports how many cron tasks are registered.
func (s *Scheduler) CronEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}
