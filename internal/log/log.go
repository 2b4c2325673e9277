// Package log implements gtos-style structured leveled logging: every
// call takes a message plus an even number of key/value pairs, and output
// is colorized when stderr is a terminal.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level, ordered from least to most verbose.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "???"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// Logger emits leveled, key-valued log lines tagged with a fixed context.
type Logger struct {
	ctx []interface{}
}

var (
	root       = &Logger{}
	mu         sync.Mutex
	out        io.Writer = colorable.NewColorableStderr()
	useColor             = isatty.IsTerminal(os.Stderr.Fd())
	minLevel             = LvlInfo
)

// SetLevel sets the minimum level emitted by the root logger and its
// children. Calls below the threshold are dropped before formatting.
func SetLevel(l Lvl) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// New returns a child logger that prefixes every line with ctx.
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: append([]interface{}{}, ctx...)}
}

func (l *Logger) write(lvl Lvl, msg string, kv []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLevel {
		return
	}
	var b strings.Builder
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	if useColor {
		levelColor[lvl].Fprintf(&b, "%-5s", lvl.String())
	} else {
		fmt.Fprintf(&b, "%-5s", lvl.String())
	}
	fmt.Fprintf(&b, "[%s] %s", ts, msg)
	all := append(append([]interface{}{}, l.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(&b, " %v=MISSING", all[len(all)-1])
	}
	if lvl == LvlCrit || lvl == LvlError {
		fmt.Fprintf(&b, " caller=%+v", stack.Caller(2))
	}
	fmt.Fprintln(out, b.String())
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.write(LvlTrace, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.write(LvlDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.write(LvlInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.write(LvlWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.write(LvlError, msg, kv) }

// Crit logs at the critical level then terminates the process, matching
// the teacher's storage-failure escalation policy (§7: "write failures
// are fatal to the owning component and escalate to process termination").
func (l *Logger) Crit(msg string, kv ...interface{}) {
	l.write(LvlCrit, msg, kv)
	os.Exit(1)
}

// NewContext returns a child of the root logger with additional context.
func NewContext(ctx ...interface{}) *Logger { return New(ctx...) }

func Trace(msg string, kv ...interface{}) { root.Trace(msg, kv...) }
func Debug(msg string, kv ...interface{}) { root.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }
func Crit(msg string, kv ...interface{})  { root.Crit(msg, kv...) }
