package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/utils/id"
)

// taskHandler serves task administration.
type taskHandler struct {
	store  storage.Store
	sched  Dispatcher
	logger logging.Logger
}

func newTaskHandler(store storage.Store, sched Dispatcher, logger logging.Logger) *taskHandler {
	return &taskHandler{store: store, sched: sched, logger: logger}
}

// createTaskRequest overlays the task document so an omitted enabled flag
// defaults to true instead of JSON's zero value.
type createTaskRequest struct {
	task.Task
	Enabled *bool `json:"enabled"`
}

func (h *taskHandler) create(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.ValidationError("invalid task document: "+err.Error()))
		return
	}

	t := req.Task
	t.Enabled = req.Enabled == nil || *req.Enabled
	if t.ID == "" {
		t.ID = id.NewTaskID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.RunCount, t.SuccessCount, t.FailureCount = 0, 0, 0

	if err := t.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.CreateTask(c.Request.Context(), &t); err != nil {
		writeError(c, err)
		return
	}
	h.sched.SyncTask(&t)
	h.logger.Info("created task %s (%q)", t.ID, t.Name)
	writeData(c, http.StatusCreated, &t)
}

func (h *taskHandler) list(c *gin.Context) {
	f := storage.TaskFilter{
		Type:         task.TaskType(c.Query("type")),
		TriggerType:  task.TriggerType(c.Query("trigger_type")),
		TriggerEvent: task.EventType(c.Query("event")),
	}
	if v, ok := c.GetQuery("enabled"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, apperr.ValidationError("enabled must be true or false"))
			return
		}
		f.Enabled = &enabled
	}

	tasks, err := h.store.LoadTasks(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, tasks)
}

func (h *taskHandler) get(c *gin.Context) {
	t, err := h.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, t)
}

// taskPatch holds the updatable fields; nil means keep the stored value.
// ID, counters, and CreatedAt are never client-writable.
type taskPatch struct {
	Name     *string             `json:"name"`
	Type     *task.TaskType      `json:"type"`
	Enabled  *bool               `json:"enabled"`
	Config   *task.TaskConfig    `json:"config"`
	Trigger  *task.TriggerSpec   `json:"trigger"`
	Options  *task.TaskOptions   `json:"options"`
	Handlers *[]task.HandlerSpec `json:"handlers"`
}

func (h *taskHandler) patch(c *gin.Context) {
	var p taskPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		writeError(c, apperr.ValidationError("invalid task patch: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	t, err := h.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.Config != nil {
		t.Config = *p.Config
	}
	if p.Trigger != nil {
		t.Trigger = *p.Trigger
	}
	if p.Options != nil {
		t.Options = *p.Options
	}
	if p.Handlers != nil {
		t.Handlers = *p.Handlers
	}

	if err := t.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.UpdateTask(ctx, t); err != nil {
		writeError(c, err)
		return
	}
	h.sched.SyncTask(t)
	h.logger.Info("updated task %s", t.ID)
	writeData(c, http.StatusOK, t)
}

func (h *taskHandler) remove(c *gin.Context) {
	taskID := c.Param("id")
	if err := h.store.DeleteTask(c.Request.Context(), taskID); err != nil {
		writeError(c, err)
		return
	}
	h.sched.RemoveTask(taskID)
	h.logger.Info("deleted task %s", taskID)
	writeData(c, http.StatusOK, gin.H{"deleted": taskID})
}

type runTaskRequest struct {
	Context map[string]any `json:"context"`
}

// run fires a manual execution. The response carries the execution ID; the
// dispatch outcome (running, queued, or refused with a skipped record) is
// visible on that execution.
func (h *taskHandler) run(c *gin.Context) {
	var req runTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.ValidationError("invalid run payload: "+err.Error()))
			return
		}
	}

	execID, err := h.sched.ExecuteTask(c.Request.Context(), c.Param("id"), task.TriggerManual, req.Context)
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusAccepted, gin.H{"execution_id": execID})
}

func (h *taskHandler) stats(c *gin.Context) {
	stats, err := h.store.GetTaskStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, stats)
}
