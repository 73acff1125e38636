// Package logger provides component-scoped structured logging for digiclaw.
//
// Call sites name the component they log for and pass optional fields:
//
//	logger.InfoCF("agent", "Processing message", map[string]interface{}{
//		"channel": msg.Channel,
//	})
//
// The backend is a zap logger that can be replaced at startup with Init or in
// tests with SetLogger.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newDefault()
)

// Options configures the process-wide logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // optional; stderr when empty
}

func newDefault() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), level)
	return zap.New(core)
}

// Init rebuilds the logger from opts. It is safe to call more than once.
func Init(opts Options) error {
	level.SetLevel(parseLevel(opts.Level))

	output := zapcore.AddSync(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		output = zapcore.AddSync(f)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	SetLogger(zap.New(zapcore.NewCore(encoder, output, level)))
	return nil
}

// SetLogger swaps the backing zap logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// SetLevel changes the minimum level of the default backend.
func SetLevel(l LogLevel) {
	switch l {
	case DEBUG:
		level.SetLevel(zapcore.DebugLevel)
	case WARN:
		level.SetLevel(zapcore.WarnLevel)
	case ERROR:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logMessage(l zapcore.Level, component string, message string, fields map[string]interface{}) {
	mu.RLock()
	lg := base
	mu.RUnlock()

	ce := lg.Check(l, message)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zf = append(zf, zap.String("component", component))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	ce.Write(zf...)
}

func Debug(message string) { logMessage(zapcore.DebugLevel, "", message, nil) }
func Info(message string)  { logMessage(zapcore.InfoLevel, "", message, nil) }
func Warn(message string)  { logMessage(zapcore.WarnLevel, "", message, nil) }
func Error(message string) { logMessage(zapcore.ErrorLevel, "", message, nil) }

func DebugC(component string, message string) {
	logMessage(zapcore.DebugLevel, component, message, nil)
}

func InfoC(component string, message string) {
	logMessage(zapcore.InfoLevel, component, message, nil)
}

func WarnC(component string, message string) {
	logMessage(zapcore.WarnLevel, component, message, nil)
}

func ErrorC(component string, message string) {
	logMessage(zapcore.ErrorLevel, component, message, nil)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(zapcore.DebugLevel, component, message, fields)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(zapcore.InfoLevel, component, message, fields)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(zapcore.WarnLevel, component, message, fields)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(zapcore.ErrorLevel, component, message, fields)
}
