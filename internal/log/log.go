// Package log provides structured logging for the runtime.
// Entries are written as timestamped key=value lines to a file under the
// data directory and republished on a pubsub broker so live subscribers
// (the dashboard connector, tests) can tail them.
// Logging is conditionally enabled via --debug flag or ZMCP_DEBUG env.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zmcptools/zmcp/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// Category groups related log messages.
type Category string

const (
	CatDB        Category = "db"        // Store and repository operations
	CatBus       Category = "bus"       // Event bus publish/subscribe
	CatOrch      Category = "orch"      // Orchestration engine phases
	CatAgent     Category = "agent"     // Agent lifecycle and reconciliation
	CatRoom      Category = "room"      // Room and message traffic
	CatObjective Category = "objective" // Objective transitions
	CatScrape    Category = "scrape"    // Scrape queue and worker
	CatTransport Category = "transport" // Dashboard connector
	CatConfig    Category = "config"    // Configuration loading/saving
	CatProc      Category = "proc"      // Child process supervision
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string] // Pub/sub for log events
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	// Check if logger was initialized (handles case where once.Do already ran)
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2026-08-24T10:45:00 [ERROR] [orch] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	// Append fields (key=value pairs)
	for i := 0; i+1 < len(fields); i += 2 {
		key := fields[i]
		value := fields[i+1]
		entry += fmt.Sprintf(" %v=%v", key, value)
	}
	// Handle odd field count - append orphan key with no value
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	// Write to file
	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	// Publish event to subscribers (non-blocking)
	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(entry)
	}
}

// SafeGo launches fn on a new goroutine with panic recovery. A recovered
// panic is logged under the given name instead of crashing the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatProc, "recovered panic in goroutine", "goroutine", name, "panic", fmt.Sprintf("%v", r))
			}
		}()
		fn()
	}()
}

// LogEvent is a pubsub event containing a formatted log entry.
type LogEvent = pubsub.Event[string]

// Subscribe returns a channel of formatted log entries, closed when ctx is
// cancelled. Returns nil when the logger is not initialized.
func Subscribe(ctx context.Context) <-chan LogEvent {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}
