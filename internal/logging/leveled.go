package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

// root is the shared sink behind every component logger in the process.
type root struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = &root{out: os.Stderr, level: LevelInfo}
	})
	return rootInstance
}

// SetLevel sets the minimum level emitted by the process logger.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// SetOutput redirects the process logger. Passing nil restores stderr.
func SetOutput(out io.Writer) {
	r := getRoot()
	r.mu.Lock()
	if out == nil {
		out = os.Stderr
	}
	r.out = out
	r.mu.Unlock()
}

// leveledLogger writes timestamped, component-scoped lines to the shared root.
type leveledLogger struct {
	root      *root
	component string
	logID     string
}

// NewComponentLogger returns the process logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &leveledLogger{root: getRoot(), component: component}
}

// New returns a logger writing to out at the given minimum level, independent
// of the process logger. Used by tests and by the CLI for ad-hoc sinks.
func New(level Level, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &leveledLogger{root: &root{out: out, level: level}}
}

// WithLogID returns a copy of the logger that tags every line with a log id.
func (l *leveledLogger) WithLogID(logID string) Logger {
	clone := *l
	clone.logID = logID
	return &clone
}

func (l *leveledLogger) log(level Level, format string, args ...any) {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if level < l.root.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "taskd"
	}

	message := fmt.Sprintf(format, args...)
	if l.logID != "" {
		message = "logid=" + l.logID + " " + message
	}
	fmt.Fprintf(l.root.out, "%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
}

func (l *leveledLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *leveledLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *leveledLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *leveledLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
