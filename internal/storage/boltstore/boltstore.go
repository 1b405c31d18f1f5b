// Package boltstore implements the storage contract on an embedded bbolt
// file. It backs the default "bolt" storage variant: single-writer, pure Go,
// nothing to deploy besides the data file.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	apperr "taskd/internal/errors"
	"taskd/internal/storage"
	"taskd/internal/task"
)

var (
	bucketTasks     = []byte("tasks")
	bucketExecs     = []byte("executions")
	bucketExecIndex = []byte("executions_by_task")
)

var _ storage.Store = (*Store)(nil)

// Store persists tasks and executions in a bbolt database. Executions carry
// a time-ordered per-task index so history reads do not scan the world.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database file, creating parent directories and
// buckets as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketExecs, bucketExecIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// indexKey orders executions by creation time within a task. The zero-padded
// nanosecond timestamp keeps cursor iteration chronological.
func indexKey(taskID string, createdAt time.Time, execID string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", taskID, createdAt.UnixNano(), execID))
}

func indexPrefix(taskID string) []byte {
	return []byte(taskID + ":")
}

// CreateTask stores a new task. Duplicate IDs are a conflict.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if bucket.Get([]byte(t.ID)) != nil {
			return apperr.ConflictError(fmt.Sprintf("task %s already exists", t.ID))
		}
		return bucket.Put([]byte(t.ID), data)
	})
}

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return apperr.NotFoundError(fmt.Sprintf("task %s", id))
		}
		t = &task.Task{}
		return json.Unmarshal(data, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask replaces the stored record and bumps UpdatedAt.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if bucket.Get([]byte(t.ID)) == nil {
			return apperr.NotFoundError(fmt.Sprintf("task %s", t.ID))
		}
		return bucket.Put([]byte(t.ID), data)
	})
}

// DeleteTask removes the task, its executions, and their index entries.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(id)) == nil {
			return apperr.NotFoundError(fmt.Sprintf("task %s", id))
		}
		if err := tasks.Delete([]byte(id)); err != nil {
			return err
		}

		execs := tx.Bucket(bucketExecs)
		index := tx.Bucket(bucketExecIndex)
		cursor := index.Cursor()
		prefix := indexPrefix(id)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if err := execs.Delete(v); err != nil {
				return err
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTasks returns matching tasks ordered oldest first.
func (s *Store) LoadTasks(ctx context.Context, f storage.TaskFilter) ([]*task.Task, error) {
	var tasks []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal task %s: %w", k, err)
			}
			if f.Matches(&t) {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CreateExecution stores a new execution and its index entry.
func (s *Store) CreateExecution(ctx context.Context, e *task.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		execs := tx.Bucket(bucketExecs)
		if execs.Get([]byte(e.ID)) != nil {
			return apperr.ConflictError(fmt.Sprintf("execution %s already exists", e.ID))
		}
		if err := execs.Put([]byte(e.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketExecIndex).Put(indexKey(e.TaskID, e.CreatedAt, e.ID), []byte(e.ID))
	})
}

// GetExecution loads one execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	var e *task.Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecs).Get([]byte(id))
		if data == nil {
			return apperr.NotFoundError(fmt.Sprintf("execution %s", id))
		}
		e = &task.Execution{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateExecution replaces the stored record. The index entry keys on
// creation time and stays put.
func (s *Store) UpdateExecution(ctx context.Context, e *task.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		execs := tx.Bucket(bucketExecs)
		if execs.Get([]byte(e.ID)) == nil {
			return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
		}
		return execs.Put([]byte(e.ID), data)
	})
}

// FinalizeExecution writes the terminal execution and the owning task's
// counters inside one bolt transaction.
func (s *Store) FinalizeExecution(ctx context.Context, e *task.Execution) error {
	if !e.Status.IsTerminal() {
		return apperr.ValidationError(fmt.Sprintf("finalize with non-terminal status %q", e.Status))
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		execs := tx.Bucket(bucketExecs)
		if execs.Get([]byte(e.ID)) == nil {
			return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
		}
		if err := execs.Put([]byte(e.ID), data); err != nil {
			return err
		}

		runs, successes, failures := storage.CountersFor(e.Status)
		if runs == 0 {
			return nil
		}
		tasks := tx.Bucket(bucketTasks)
		taskData := tasks.Get([]byte(e.TaskID))
		if taskData == nil {
			// Task deleted while the execution ran; keep the record alone.
			return nil
		}
		var t task.Task
		if err := json.Unmarshal(taskData, &t); err != nil {
			return fmt.Errorf("unmarshal task %s: %w", e.TaskID, err)
		}
		t.RunCount += runs
		t.SuccessCount += successes
		t.FailureCount += failures
		t.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		return tasks.Put([]byte(t.ID), updated)
	})
}

// LoadExecutions returns matching executions newest first, windowed by
// Offset and Limit. A TaskID filter walks the per-task index instead of the
// whole bucket.
func (s *Store) LoadExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*task.Execution, error) {
	var execs []*task.Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketExecs)
		collect := func(data []byte) error {
			var e task.Execution
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("unmarshal execution: %w", err)
			}
			if f.Matches(&e) {
				execs = append(execs, &e)
			}
			return nil
		}

		if f.TaskID != "" {
			cursor := tx.Bucket(bucketExecIndex).Cursor()
			prefix := indexPrefix(f.TaskID)
			for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
				data := bucket.Get(v)
				if data == nil {
					continue
				}
				if err := collect(data); err != nil {
					return err
				}
			}
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			return collect(v)
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	total := len(execs)
	if f.Offset >= total {
		return []*task.Execution{}, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return execs[f.Offset:end], nil
}

// AppendOutput adds streamed output text to the execution.
func (s *Store) AppendOutput(ctx context.Context, id string, text string) error {
	return s.appendField(id, func(e *task.Execution) { e.Output += text })
}

// AppendThinking adds streamed reasoning text to the execution.
func (s *Store) AppendThinking(ctx context.Context, id string, text string) error {
	return s.appendField(id, func(e *task.Execution) { e.Thinking += text })
}

func (s *Store) appendField(id string, apply func(*task.Execution)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketExecs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return apperr.NotFoundError(fmt.Sprintf("execution %s", id))
		}
		var e task.Execution
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal execution %s: %w", id, err)
		}
		apply(&e)
		updated, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// GetProgress returns the streamed output so far plus the current status.
func (s *Store) GetProgress(ctx context.Context, id string) (*storage.Progress, error) {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.Progress{
		Output:   e.Output,
		Thinking: e.Thinking,
		Status:   e.Status,
	}, nil
}

// GetTaskStats aggregates the task's terminal executions via the index.
func (s *Store) GetTaskStats(ctx context.Context, taskID string) (*storage.TaskStats, error) {
	stats := &storage.TaskStats{}
	var durationSum int64
	var durationCount int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketTasks).Get([]byte(taskID)) == nil {
			return apperr.NotFoundError(fmt.Sprintf("task %s", taskID))
		}

		bucket := tx.Bucket(bucketExecs)
		cursor := tx.Bucket(bucketExecIndex).Cursor()
		prefix := indexPrefix(taskID)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}
			var e task.Execution
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			runs, successes, failures := storage.CountersFor(e.Status)
			if runs == 0 {
				continue
			}
			stats.TotalRuns += runs
			stats.SuccessfulRuns += successes
			stats.FailedRuns += failures
			stats.TotalCostUSD += e.CostUSD
			if e.DurationMS > 0 {
				durationSum += e.DurationMS
				durationCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if durationCount > 0 {
		stats.AverageDurationMS = float64(durationSum) / float64(durationCount)
	}
	return stats, nil
}
