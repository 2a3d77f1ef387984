package logger

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// noopFunc is a reusable no-op function to avoid allocations
var noopFunc = func() {}

// Trace returns a function that logs operation duration when called.
// Returns a no-op function when TRACE level is disabled.
// Usage: defer logger.Trace("operation")()
func Trace(name string) func() {
	l := current()
	if !l.Enabled(LogLevelTrace) {
		return noopFunc
	}
	start := time.Now()
	return func() {
		l.sugar.Logf(traceLevel, "%s: %v", name, time.Since(start))
	}
}

// MaxLogLines defines the maximum number of lines to keep in the log file
const MaxLogLines = 5000

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// zap has no trace level; use the slot just below debug
const traceLevel = zapcore.DebugLevel - 1

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelTrace:
		return traceLevel
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "TRACE":
		return LogLevelTrace
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ValidLogLevel reports whether s names a known level
func ValidLogLevel(s string) bool {
	switch strings.ToUpper(s) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l < zapcore.DebugLevel {
		enc.AppendString("[TRACE]")
		return
	}
	enc.AppendString("[" + l.CapitalString() + "]")
}

// Logger is a levelled printf-style logger backed by zap
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	out   *LimitedFile
}

// New creates a Logger writing plain-text lines to w
func New(w zapcore.WriteSyncer, level LogLevel) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeLevel:      encodeLevel,
		ConsoleSeparator: " ",
	})
	core := zapcore.NewCore(enc, w, atom)
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: atom,
	}
}

// NewFileLogger creates a Logger on top of a line-limited log file
// and installs it as the global logger. Caller must defer Close.
func NewFileLogger(file *os.File, level LogLevel) *Logger {
	out := NewLimitedFile(file, MaxLogLines)
	l := New(out, level)
	l.out = out
	setGlobal(l)
	return l
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Enabled reports whether messages at level are written
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level.Enabled(level.zapLevel())
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

func (l *Logger) Debug(format string, v ...any) { l.sugar.Debugf(format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.sugar.Infof(format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.sugar.Warnf(format, v...) }
func (l *Logger) Error(format string, v ...any) { l.sugar.Errorf(format, v...) }

// Fatal logs an error message and exits with code 1
func (l *Logger) Fatal(format string, v ...any) {
	l.sugar.Fatalf(format, v...)
}

// Close flushes and closes the underlying file, if any
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.out != nil {
		return l.out.Close()
	}
	return nil
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// defaultLogger is used before the global logger is initialized
var defaultLogger = New(zapcore.Lock(os.Stderr), LogLevelInfo)

func setGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func current() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return defaultLogger
}

// SetGlobalLevel sets the logging level on the global logger
func SetGlobalLevel(level LogLevel) {
	current().SetLevel(level)
}

// RedirectStdLog routes the standard library logger into the global logger at
// info level. The returned function restores the previous output.
func RedirectStdLog() func() {
	return zap.RedirectStdLog(current().Zap())
}

// Package-level logging functions that use the global logger (or default if not initialized)
func Debug(format string, v ...any) { current().Debug(format, v...) }
func Info(format string, v ...any)  { current().Info(format, v...) }
func Warn(format string, v ...any)  { current().Warn(format, v...) }
func Error(format string, v ...any) { current().Error(format, v...) }
func Fatal(format string, v ...any) { current().Fatal(format, v...) }

// LimitedFile is a zapcore.WriteSyncer that keeps at most maxLines lines in a file
type LimitedFile struct {
	file      *os.File
	lineCount int
	maxLines  int
	mutex     sync.Mutex
}

// NewLimitedFile wraps file, counting the lines it already holds
func NewLimitedFile(file *os.File, maxLines int) *LimitedFile {
	lf := &LimitedFile{file: file, maxLines: maxLines}
	lf.countExistingLines()
	return lf
}

// countExistingLines counts the number of lines in the current log file
func (lf *LimitedFile) countExistingLines() {
	lf.mutex.Lock()
	defer lf.mutex.Unlock()

	lf.file.Seek(0, 0)
	scanner := bufio.NewScanner(lf.file)
	count := 0
	for scanner.Scan() {
		count++
	}
	lf.lineCount = count
	lf.file.Seek(0, 2)
}

// Write implements io.Writer
func (lf *LimitedFile) Write(p []byte) (n int, err error) {
	lf.mutex.Lock()
	defer lf.mutex.Unlock()

	n, err = lf.file.Write(p)
	if err != nil {
		return n, err
	}

	lf.lineCount += bytes.Count(p, []byte("\n"))
	if lf.lineCount > lf.maxLines {
		lf.rotate()
	}
	return n, nil
}

// Sync implements zapcore.WriteSyncer
func (lf *LimitedFile) Sync() error {
	lf.mutex.Lock()
	defer lf.mutex.Unlock()
	return lf.file.Sync()
}

// Lines returns the current line count
func (lf *LimitedFile) Lines() int {
	lf.mutex.Lock()
	defer lf.mutex.Unlock()
	return lf.lineCount
}

// rotate trims the file to keep only the last maxLines lines
func (lf *LimitedFile) rotate() {
	lf.file.Seek(0, 0)
	scanner := bufio.NewScanner(lf.file)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) > lf.maxLines {
		lines = lines[len(lines)-lf.maxLines:]
	}

	lf.file.Truncate(0)
	lf.file.Seek(0, 0)
	w := bufio.NewWriter(lf.file)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.Flush()

	lf.lineCount = len(lines)
}

// Close closes the underlying file
func (lf *LimitedFile) Close() error {
	return lf.file.Close()
}
