// Package mlog provides logging with package-scoped levels and key/value
// fields, on top of the standard library's log/slog.
//
// Each Log carries an accumulated set of fields (e.g. "cid" for a
// connection id) that are attached to every line logged through it.
// Levels are configured per originating package ("pkg" field) through a
// single process-wide, atomically swapped table, so operators can turn up
// tracing for "imapserver" without touching "queue".
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
)

type Level int

const (
	LevelFatal Level = iota // Always printed.
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace // Wire-level protocol lines.
)

var levelNames = map[Level]string{
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// config holds the active map[string]Level, keyed by package, "" is the
// default/fallback.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically replaces the level table used by all Log values.
func SetConfig(c map[string]Level) {
	cp := make(map[string]Level, len(c))
	for k, v := range c {
		cp[k] = v
	}
	config.Store(cp)
}

func levelFor(pkg string) Level {
	c := config.Load().(map[string]Level)
	if lvl, ok := c[pkg]; ok {
		return lvl
	}
	return c[""]
}

// Pair is a key/value field for a log line.
type Pair struct {
	Key   string
	Value any
}

// Field makes a Pair. Short name for terse call sites.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger with accumulated fields. The zero value is not usable;
// create one with New.
type Log struct {
	pkg    string
	fields []Pair
	out    *slog.Logger
}

var defaultHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})

// New returns a Log tagged with the given originating package name.
func New(pkg string) Log {
	return Log{pkg: pkg, out: slog.New(defaultHandler)}
}

// Fields returns a derived Log with additional fields appended.
func (l Log) Fields(fields ...Pair) Log {
	nl := l
	nl.fields = append(append([]Pair{}, l.fields...), fields...)
	return nl
}

// WithCid attaches a connection/delivery id, used throughout imapserver,
// smtpserver and queue for correlating a burst of log lines.
func (l Log) WithCid(cid int64) Log {
	return l.Fields(Field("cid", cid))
}

func (l Log) attrs(extra []Pair) []any {
	attrs := make([]any, 0, 2+2*(len(l.fields)+len(extra)))
	attrs = append(attrs, "pkg", l.pkg)
	for _, p := range l.fields {
		attrs = append(attrs, p.Key, p.Value)
	}
	for _, p := range extra {
		attrs = append(attrs, p.Key, p.Value)
	}
	return attrs
}

func (l Log) log(ctx context.Context, lvl Level, slvl slog.Level, msg string, fields []Pair) {
	if lvl > levelFor(l.pkg) && lvl != LevelFatal {
		return
	}
	l.out.Log(ctx, slvl, msg, l.attrs(fields)...)
}

func (l Log) Trace(msg string, fields ...Pair) { l.log(context.Background(), LevelTrace, slog.LevelDebug-4, msg, fields) }
func (l Log) Debug(msg string, fields ...Pair) { l.log(context.Background(), LevelDebug, slog.LevelDebug, msg, fields) }
func (l Log) Info(msg string, fields ...Pair)  { l.log(context.Background(), LevelInfo, slog.LevelInfo, msg, fields) }
func (l Log) Error(msg string, fields ...Pair) { l.log(context.Background(), LevelError, slog.LevelError, msg, fields) }
func (l Log) Print(msg string, fields ...Pair) { l.out.Log(context.Background(), slog.LevelInfo, msg, l.attrs(fields)...) }

// Errorx logs an error with a message, unless err is nil, in which case it
// does nothing. Mirrors mlog's "x"-suffixed error-aware variants.
func (l Log) Errorx(msg string, err error, fields ...Pair) {
	if err == nil {
		return
	}
	l.log(context.Background(), LevelError, slog.LevelError, msg, append(fields, Field("err", err.Error())))
}

func (l Log) Infox(msg string, err error, fields ...Pair) {
	if err == nil {
		return
	}
	l.log(context.Background(), LevelInfo, slog.LevelInfo, msg, append(fields, Field("err", err.Error())))
}

// Check logs err at error level if non-nil. For defer sites where the error
// is not otherwise actionable (e.g. closing a reader).
func (l Log) Check(err error, msg string, fields ...Pair) {
	if err == nil {
		return
	}
	l.Errorx(msg, err, fields...)
}

// Fatal logs at fatal level, always, and exits the process.
func (l Log) Fatal(msg string, fields ...Pair) {
	l.log(context.Background(), LevelFatal, slog.LevelError+4, msg, fields)
	os.Exit(1)
}

// Fatalx is Fatal with an error, a no-op if err is nil (mirrors Check/Errorx).
func (l Log) Fatalx(msg string, err error, fields ...Pair) {
	if err == nil {
		return
	}
	l.Fatal(msg, append(fields, Field("err", err.Error()))...)
}

// Panic recovers from a panic, logs it with a stack trace, and optionally
// increments a metric counter through the provided callback. Used at the
// top of every connection/delivery goroutine.
func (l Log) Panic(recovered any, onPanic func()) {
	if recovered == nil {
		return
	}
	l.Error("recovered from panic", Field("panic", fmt.Sprintf("%v", recovered)), Field("stack", string(debug.Stack())))
	if onPanic != nil {
		onPanic()
	}
}
