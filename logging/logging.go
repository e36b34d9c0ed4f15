// Package logging provides leveled component loggers.
//
// Lines look like:
//
//	2024/06/01 09:30:00 [INFO] [Redeem] claimed p1 cycle=2024-06-01
//
// The level tag is colorized when the output is a terminal.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a level. Unknown values are info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

var (
	mu     sync.RWMutex
	level  = LevelInfo
	output io.Writer = os.Stdout

	infoTag  = color.New(color.FgYellow).SprintFunc()
	warnTag  = color.New(color.FgMagenta).SprintFunc()
	errorTag = color.New(color.FgRed).SprintFunc()
	debugTag = color.New(color.FgCyan).SprintFunc()
)

// SetLevel sets the minimum level for every logger.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects every logger. Color is disabled for non-terminal writers.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
	if f, ok := w.(*os.File); !ok || f != os.Stdout {
		color.NoColor = true
	}
}

// Logger writes lines prefixed with its component name.
type Logger struct {
	component string
}

func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Debugf(format string, args ...any) { l.write(LevelDebug, debugTag("[DEBUG]"), format, args) }
func (l *Logger) Infof(format string, args ...any) { l.write(LevelInfo, infoTag("[INFO]"), format, args) }
func (l *Logger) Warnf(format string, args ...any) { l.write(LevelWarn, warnTag("[WARN]"), format, args) }
func (l *Logger) Errorf(format string, args ...any) { l.write(LevelError, errorTag("[ERROR]"), format, args) }

func (l *Logger) write(at Level, tag, format string, args []any) {
	mu.RLock()
	floor, w := level, output
	mu.RUnlock()
	if at < floor {
		return
	}
	std := log.New(w, "", log.LstdFlags)
	std.Printf("%s [%s] %s", tag, l.component, fmt.Sprintf(format, args...))
}
