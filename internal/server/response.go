package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperr "taskd/internal/errors"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// not-found 404, conflict 409, anything else 500.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err):
		status = http.StatusConflict
	}
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}
