package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/storage"
	"taskd/internal/task"
)

// defaultListLimit bounds unqualified history listings.
const defaultListLimit = 50

// executionHandler serves execution history and control.
type executionHandler struct {
	store  storage.Store
	sched  Dispatcher
	logger logging.Logger
}

func newExecutionHandler(store storage.Store, sched Dispatcher, logger logging.Logger) *executionHandler {
	return &executionHandler{store: store, sched: sched, logger: logger}
}

func (h *executionHandler) list(c *gin.Context) {
	f := storage.ExecutionFilter{TaskID: c.Query("task_id")}

	if v := c.Query("status"); v != "" {
		status := task.ExecutionStatus(v)
		if !status.IsValid() {
			writeError(c, apperr.ValidationError(fmt.Sprintf("unknown status %q", v)))
			return
		}
		f.Status = status
	}

	var err error
	if f.Limit, err = intQuery(c, "limit", defaultListLimit); err != nil {
		writeError(c, err)
		return
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		writeError(c, err)
		return
	}
	if f.StartDate, err = timeQuery(c, "since"); err != nil {
		writeError(c, err)
		return
	}
	if f.EndDate, err = timeQuery(c, "until"); err != nil {
		writeError(c, err)
		return
	}

	execs, err := h.store.LoadExecutions(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, execs)
}

func (h *executionHandler) get(c *gin.Context) {
	e, err := h.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, e)
}

func (h *executionHandler) progress(c *gin.Context) {
	p, err := h.store.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, p)
}

// cancel requests cancellation. Queued executions finish cancelled before
// the response; running ones stop cooperatively, so the caller polls.
func (h *executionHandler) cancel(c *gin.Context) {
	execID := c.Param("id")
	if err := h.sched.CancelExecution(c.Request.Context(), execID); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("cancel requested for execution %s", execID)
	writeData(c, http.StatusAccepted, gin.H{"execution_id": execID})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.ValidationError(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.ValidationError(fmt.Sprintf("%s must be an RFC3339 timestamp", name))
	}
	return &ts, nil
}
