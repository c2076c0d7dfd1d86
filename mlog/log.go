// Package mlog provides logging on top of log/slog with log levels configured
// per package, and helpers for logging errors.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes. Log messages themselves should be constant, for
// easier log processing.
//
// Log levels are configured per originating package, e.g. store, imapengine.
// The configuration is application-global, so each Log instance uses the same
// log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logfmt enables logfmt formatting. When false, a more human-readable format is
// used.
var Logfmt bool

const (
	LevelPrint     = slog.Level(12) // Printed regardless of configured log level.
	LevelFatal     = slog.Level(10) // Printed regardless of configured log level.
	LevelError     = slog.LevelError
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.Level(-8)
	LevelTracedata = slog.Level(-12)
)

var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTracedata: "tracedata",
}

var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Output is where log lines are written. Each line is written with a single
// Write call.
var output io.Writer = os.Stderr
var outputLock sync.Mutex

// SetOutput changes the destination of log lines, for tests.
func SetOutput(w io.Writer) {
	outputLock.Lock()
	defer outputLock.Unlock()
	output = w
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a handler that applies the package log levels.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds an attribute "cid". Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	if len(attrs) == 0 {
		return l
	}
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg returns a copy that logs with attribute "pkg" set to pkg. Log levels
// are matched against the most recently set package.
func (l Log) WithPkg(pkg string) Log {
	return l.With(slog.String("pkg", pkg))
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelPrint, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelFatal, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
	os.Exit(1)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

// Trace logs at trace level. Data is only included in full at level tracedata
// and abbreviated otherwise.
func (l Log) Trace(msg string, data []byte) {
	ctx := context.Background()
	if l.Logger.Enabled(ctx, LevelTracedata) {
		l.Logger.LogAttrs(ctx, LevelTrace, msg, slog.String("data", string(data)))
	} else {
		l.Logger.LogAttrs(ctx, LevelTrace, msg, slog.Int("datasize", len(data)))
	}
}

type handler struct {
	pkg   string
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) level() slog.Level {
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[h.pkg]; ok && h.pkg != "" {
		return v
	}
	if v, ok := cl[""]; ok {
		return v
	}
	return LevelError
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= LevelFatal || level >= h.level()
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && h.group == "" {
			nh.pkg = a.Value.String()
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if cidv := ctx.Value(CidKey); cidv != nil {
		if cid, ok := cidv.(int64); ok {
			r.AddAttrs(slog.Int64("cid", cid))
		}
	}

	var attrs []slog.Attr
	if h.pkg != "" {
		attrs = append(attrs, slog.String("pkg", h.pkg))
	}
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	ls, ok := LevelStrings[level]
	if !ok {
		ls = strings.ToLower(level.String())
	}

	// We build up a buffer so we can do a single write of the data. Otherwise
	// partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", ls, logfmtValue(r.Message))
		for _, a := range attrs {
			if s := stringValue(a.Key, a.Value); s != "" {
				fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(s))
			}
		}
	} else {
		fmt.Fprintf(b, "%s: %s", ls, logfmtValue(r.Message))
		first := true
		for _, a := range attrs {
			s := stringValue(a.Key, a.Value)
			if s == "" {
				continue
			}
			if first {
				b.WriteString(" (")
				first = false
			} else {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(s))
		}
		if !first {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	outputLock.Lock()
	defer outputLock.Unlock()
	_, err := output.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(key string, v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		var l []string
		for _, a := range v.Group() {
			l = append(l, a.Key+"="+stringValue(a.Key, a.Value))
		}
		return strings.Join(l, " ")
	}
	switch x := v.Any().(type) {
	case nil:
		return ""
	case error:
		return x.Error()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(x)
	case []string:
		return "[" + strings.Join(x, ",") + "]"
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v.Any())
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.Logger.LogAttrs(context.Background(), w.level, w.msg, errAttr(err))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on log
// with given level and msg and the written content as an error. Can be used
// for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
