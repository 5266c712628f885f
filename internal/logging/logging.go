// ABOUTME: Structured logging setup shared by the probe binaries
// ABOUTME: Tees a colour console core and a rotated JSON file core behind logr
package logging

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New
type Options struct {
	// Console receives human readable logs; nil disables the console core
	Console io.Writer
	// File is rotated by lumberjack; empty disables the file core
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Levels are logr verbosities: 0 is info, V(1) needs 1 and so on
	ConsoleLevel int
	FileLevel    int
	Debug        bool
}

// Logging owns the zap cores behind a logr.Logger
type Logging struct {
	Logger logr.Logger

	console zap.AtomicLevel
	file    zap.AtomicLevel
	zl      *zap.Logger
	closer  io.Closer
}

// removeCallerCore trims caller info from console lines only
type removeCallerCore struct {
	zapcore.Core
}

func (c *removeCallerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *removeCallerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Caller = zapcore.EntryCaller{}
	return c.Core.Write(entry, fields)
}

func (c *removeCallerCore) With(fields []zap.Field) zapcore.Core {
	return &removeCallerCore{c.Core.With(fields)}
}

// New builds the logger
func New(opts Options) *Logging {
	consoleLevel := opts.ConsoleLevel
	if opts.Debug && consoleLevel < 2 {
		consoleLevel = 2
	}

	l := &Logging{
		console: zap.NewAtomicLevelAt(verbosity(consoleLevel)),
		file:    zap.NewAtomicLevelAt(verbosity(opts.FileLevel)),
	}

	var cores []zapcore.Core

	if opts.Console != nil {
		zc := zap.NewDevelopmentEncoderConfig()
		zc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncodeTime = zapcore.TimeEncoderOfLayout("02/01 15:04:05.000")
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(zc), zapcore.AddSync(opts.Console), l.console)
		cores = append(cores, &removeCallerCore{core})
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   false,
		}
		l.closer = rotator
		zf := zap.NewProductionEncoderConfig()
		zf.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zf), zapcore.AddSync(rotator), l.file))
	}

	if len(cores) == 0 {
		l.Logger = logr.Discard()
		return l
	}

	l.zl = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	l.Logger = zapr.NewLogger(l.zl)
	return l
}

// SetConsoleLevel changes console verbosity at runtime
func (l *Logging) SetConsoleLevel(v int) {
	l.console.SetLevel(verbosity(v))
}

// ConsoleEnabled reports whether V(v) reaches the console
func (l *Logging) ConsoleEnabled(v int) bool {
	return l.console.Enabled(verbosity(v))
}

// Close flushes and closes the log file
func (l *Logging) Close() error {
	if l.zl != nil {
		_ = l.zl.Sync()
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// verbosity maps logr V levels onto zap levels, where -1 is debug
func verbosity(v int) zapcore.Level {
	if v < 0 {
		v = 0
	}
	if v > 127 {
		v = 127
	}
	return zapcore.Level(-v)
}
