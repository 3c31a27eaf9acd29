// Package logging configures the process-wide zerolog logger: console
// output by default, or a daily-rotated file when log_path is set.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps the config's log_level strings onto zerolog levels.
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Setup builds the root logger. When logPath is set, stdout logging is
// disabled and lines go to a date-stamped file under logPath that
// rolls over at midnight.
func Setup(level, logPath string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	if logPath == "" {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(console).Level(lvl).With().Timestamp().Logger(), nil
	}

	if err := os.MkdirAll(logPath, 0o755); err != nil {
		return zerolog.Nop(), fmt.Errorf("create log directory %q: %w", logPath, err)
	}
	return zerolog.New(&dailyWriter{dir: logPath}).Level(lvl).With().Timestamp().Logger(), nil
}

// dailyWriter appends to blue-onyx.<date>.log in dir, reopening the
// file when the date changes.
type dailyWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		name := filepath.Join(w.dir, "blue-onyx."+day+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = f
		w.day = day
	}
	return w.file.Write(p)
}
