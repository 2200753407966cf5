// Package xlog is a small leveled logger in the vein of the teacher's
// own log.Logger: a context-tagged handle threaded through every
// storage-engine and editor constructor, rendering colorized
// level-tagged lines when writing to a terminal.
package xlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log verbosity level, most to least severe.
type Level int

const (
	LvlError Level = iota
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) tag() string {
	switch l {
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

func (l Level) color() string {
	switch l {
	case LvlError:
		return "\x1b[31m"
	case LvlWarn:
		return "\x1b[33m"
	case LvlInfo:
		return "\x1b[32m"
	case LvlDebug:
		return "\x1b[36m"
	case LvlTrace:
		return "\x1b[90m"
	default:
		return ""
	}
}

const resetColor = "\x1b[0m"

// Logger writes leveled, context-tagged lines to an underlying
// writer. A Logger is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	level  Level
	ctx    []interface{}
	prefix string
}

// New returns a Logger writing to os.Stdout, auto-detecting terminal
// color support the way the teacher's go.mod-provided go-isatty /
// go-colorable pair is used elsewhere in the example pack.
func New(ctx ...interface{}) *Logger {
	out := os.Stdout
	color := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	var w io.Writer = out
	if color {
		w = colorable.NewColorable(out)
	}
	return &Logger{out: w, color: color, level: LvlInfo, ctx: ctx}
}

// NewWithWriter returns a Logger writing to an arbitrary writer
// (tests, files) with color disabled.
func NewWithWriter(w io.Writer, ctx ...interface{}) *Logger {
	return &Logger{out: w, level: LvlInfo, ctx: ctx}
}

// With returns a child Logger that appends ctx to every line it logs,
// matching the teacher's NewBaseAddressLogger-style nesting.
func (l *Logger) With(ctx ...interface{}) *Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &Logger{out: l.out, color: l.color, level: l.level, ctx: merged, prefix: l.prefix}
}

// SetLevel changes the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}
	var b strings.Builder
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if l.color {
		b.WriteString(level.color())
	}
	fmt.Fprintf(&b, "%s[%s] %s", ts, level.tag(), msg)
	if l.color {
		b.WriteString(resetColor)
	}
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *Logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }

// Discard returns a Logger whose output is thrown away, for tests
// that want the real logging call sites exercised without stdout
// noise.
func Discard() *Logger {
	return NewWithWriter(io.Discard)
}
