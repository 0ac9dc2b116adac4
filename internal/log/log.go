package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var initOnce sync.Once

// initLogger installs the line handler on the apex default logger. The level
// comes from SUBDASH_LOG and defaults to INFO.
func initLogger() {
	initOnce.Do(func() {
		log.SetHandler(NewHandler(os.Stderr))
		level := Level(strings.ToUpper(os.Getenv("SUBDASH_LOG")))
		if level == "" {
			level = LevelInfo
		}
		log.SetLevel(apexLevel(level))
	})
}

// SetLevel changes the minimum level. Unknown values fall back to INFO.
func SetLevel(l Level) {
	initLogger()
	log.SetLevel(apexLevel(Level(strings.ToUpper(string(l)))))
}

// SetOutput redirects log lines, mostly for tests.
func SetOutput(w io.Writer) {
	initLogger()
	log.SetHandler(NewHandler(w))
}

func Debug(msg string, kv ...any) {
	initLogger()
	entry(kv).Debug(msg)
}

func Info(msg string, kv ...any) {
	initLogger()
	entry(kv).Info(msg)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	e := entry(kv)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

func apexLevel(l Level) log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// entry turns key, value, key, value ... into apex fields.
// Non-string keys are skipped and a trailing odd value is ignored.
func entry(kv []any) *log.Entry {
	fields := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return log.WithFields(fields)
}

// Handler writes one line per entry:
//
//	2025-01-01T00:00:00Z [LEVEL] msg key=value ...
type Handler struct {
	mu sync.Mutex
	w  io.Writer
}

func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w}
}

// HandleLog implements the apex log.Handler interface.
func (h *Handler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(e.Level.String()))
	b.WriteString("] ")
	b.WriteString(e.Message)

	// error first so it stays visible on long lines
	if v, ok := e.Fields["error"]; ok {
		b.WriteString(" err=" + fmt.Sprint(v))
	}
	for _, name := range e.Fields.Names() {
		if name == "error" {
			continue
		}
		b.WriteString(" " + name + "=" + fmt.Sprint(e.Fields.Get(name)))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
