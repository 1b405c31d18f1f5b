// Package template substitutes {{name}} placeholders in handler-configured
// strings with values drawn from a task and an execution. The recognized set
// is fixed; unknown placeholders stay verbatim, and substituted values are
// never re-scanned.
package template

import (
	"strconv"
	"strings"
	"time"

	"taskd/internal/task"
)

const datePrefix = "date:"

// Resolver renders placeholder templates.
type Resolver struct {
	now func() time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source for {{date:...}} placeholders.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New builds a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve substitutes every recognized {{name}} in tmpl. A single pass:
// replacement values are not themselves scanned for placeholders.
func (r *Resolver) Resolve(tmpl string, tk *task.Task, exec *task.Execution) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl) + 32)

	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close_ := strings.Index(rest[open:], "}}")
		if close_ < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close_ += open

		b.WriteString(rest[:open])
		raw := rest[open : close_+2]
		name := strings.TrimSpace(rest[open+2 : close_])
		if value, ok := r.lookup(name, tk, exec); ok {
			b.WriteString(value)
		} else {
			b.WriteString(raw)
		}
		rest = rest[close_+2:]
	}
}

func (r *Resolver) lookup(name string, tk *task.Task, exec *task.Execution) (string, bool) {
	if strings.HasPrefix(name, datePrefix) {
		return strftime(name[len(datePrefix):], r.now()), true
	}

	switch name {
	case "task.id":
		if tk == nil {
			return "", false
		}
		return tk.ID, true
	case "task.name":
		if tk == nil {
			return "", false
		}
		return tk.Name, true
	case "task.type":
		if tk == nil {
			return "", false
		}
		return string(tk.Type), true
	case "execution.id":
		if exec == nil {
			return "", false
		}
		return exec.ID, true
	case "execution.status":
		if exec == nil {
			return "", false
		}
		return string(exec.Status), true
	case "execution.started_at":
		if exec == nil || exec.StartedAt == nil {
			return "", false
		}
		return exec.StartedAt.UTC().Format(time.RFC3339), true
	case "execution.completed_at":
		if exec == nil || exec.CompletedAt == nil {
			return "", false
		}
		return exec.CompletedAt.UTC().Format(time.RFC3339), true
	case "execution.duration_ms":
		if exec == nil {
			return "", false
		}
		return strconv.FormatInt(exec.DurationMS, 10), true
	default:
		return "", false
	}
}
