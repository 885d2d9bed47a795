package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects how a log line is rendered.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var (
	mu           sync.Mutex
	currentLevel = LevelInfo
	format       = FormatText
	out          io.Writer = os.Stdout
	closer       io.Closer

	// async is non-nil while asynchronous mode is enabled.
	async *asyncWriter
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

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// SetFormat selects "text" or "json" rendering. Unknown values keep text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()

	if strings.EqualFold(f, "json") {
		format = FormatJSON
	} else {
		format = FormatText
	}
}

// SetOutput directs log lines to "stdout", "stderr" or a file path, which is
// opened in append mode and created if missing.
func SetOutput(dest string) error {
	var (
		w io.Writer
		c io.Closer
	)

	switch strings.ToLower(dest) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", dest, err)
		}
		w, c = f, f
	}

	mu.Lock()
	prev := closer
	out, closer = w, c
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetWriter replaces the output with w. Mostly useful in tests.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// EnableAsync routes log lines through a bounded queue drained by a single
// goroutine. When the queue is full the line is written synchronously by the
// caller. A queueSize <= 0 disables asynchronous mode.
func EnableAsync(queueSize int) {
	Flush()

	mu.Lock()
	prev := async
	async = nil
	if queueSize > 0 {
		async = newAsyncWriter(queueSize)
	}
	mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

// Flush blocks until every queued line has been written.
func Flush() {
	mu.Lock()
	a := async
	mu.Unlock()

	if a != nil {
		a.flush()
	}
}

// Close drains the async queue and closes a file output, if any.
func Close() {
	EnableAsync(0)

	mu.Lock()
	c := closer
	closer = nil
	out = os.Stdout
	mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

func log(level Level, msgFormat string, v ...any) {
	mu.Lock()
	if level < currentLevel {
		mu.Unlock()
		return
	}
	f, a := format, async
	mu.Unlock()

	line := render(f, time.Now(), level, fmt.Sprintf(msgFormat, v...))

	if a != nil && a.enqueue(line) {
		return
	}
	write(line)
}

func render(f Format, ts time.Time, level Level, message string) string {
	if f == FormatJSON {
		b, err := json.Marshal(struct {
			Time  string `json:"time"`
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}{ts.Format(time.RFC3339Nano), level.String(), message})
		if err == nil {
			return string(b) + "\n"
		}
	}

	return fmt.Sprintf("[%s] [%s] %s\n", ts.Format("2006-01-02 15:04:05"), level.String(), message)
}

func write(line string) {
	mu.Lock()
	defer mu.Unlock()
	_, _ = io.WriteString(out, line)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
