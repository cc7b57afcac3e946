package core

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l LogLevel) String() string {
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
		return "OFF"
	}
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	// Path is where the append-only text sink is written. Empty
	// disables the file sink (console only).
	Path string `yaml:"path,omitempty"`
}

// LogHook is a callback invoked for every log message that passes
// level filtering, including the worker Log events the relay pool
// logs through this Logger.
type LogHook func(level LogLevel, tag, message string)

// Logger provides per-component log level filtering, a colorized
// console handler, and an optional append-only file sink.
type Logger struct {
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level (immutable after init)
	levelCache  sync.Map            // tag → LogLevel (lock-free cache)
	hook        atomic.Pointer[LogHook]
	console     *slog.Logger
	logFile     *os.File // file sink (nil if file logging is disabled)
	start       time.Time
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config. When cfg.Path is non-empty
// it opens (creating if necessary) an append-only file sink written
// as one line per event: `<elapsed> <level>: [<tag>] <message>`.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]LogLevel, len(cfg.Components)),
		start:       time.Now(),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	l.console = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   l.globalLevel.slogLevel(),
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))

	if cfg.Path != "" {
		if f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			l.logFile = f
		}
	}

	return l
}

// Close flushes and closes the log file (if any).
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
		l.logFile = nil
	}
}

// levelFor returns the effective log level for a component tag.
// Results are cached lock-free after the first lookup per tag.
func (l *Logger) levelFor(tag string) LogLevel {
	if v, ok := l.levelCache.Load(tag); ok {
		return v.(LogLevel)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(tag)]; ok {
		lvl = cl
	}
	l.levelCache.Store(tag, lvl)
	return lvl
}

// SetHook installs a callback that receives every log message passing level filtering.
// Pass nil to remove the hook. Only one hook is active at a time.
func (l *Logger) SetHook(h LogHook) {
	if h == nil {
		l.hook.Store(nil)
	} else {
		l.hook.Store(&h)
	}
}

// emit calls the hook if one is installed and appends to the file
// sink, if any. Accepts a pre-formatted message.
func (l *Logger) emit(level LogLevel, tag, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, tag, msg)
	}
	if l.logFile != nil {
		line := fmt.Sprintf("%s %s: [%s] %s\n", time.Since(l.start).Round(time.Millisecond), level, tag, msg)
		io.WriteString(l.logFile, line)
	}
}

func (l *Logger) log(level LogLevel, tag, format string, args []any) {
	if l.levelFor(tag) > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.console.Log(nil, level.slogLevel(), msg, slog.String("tag", tag))
	l.emit(level, tag, msg)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) { l.log(LevelDebug, tag, format, args) }

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) { l.log(LevelInfo, tag, format, args) }

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) { l.log(LevelWarn, tag, format, args) }

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) { l.log(LevelError, tag, format, args) }

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.console.Log(nil, slog.LevelError, msg, slog.String("tag", tag))
	l.emit(LevelError, tag, msg)
	os.Exit(1)
}

// Log is the global logger instance. Initialized with default (info level, console only).
var Log = NewLogger(LogConfig{})

// Init replaces the global logger with one built from cfg.
func Init(cfg LogConfig) {
	Log = NewLogger(cfg)
}
