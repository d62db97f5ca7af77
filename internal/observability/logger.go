// Package observability owns the CLI's zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the process-wide logger for command output. It is a no-op
// until InitCLILogger or Configure runs.
var CLILogger = zap.NewNop()

// Options configures a logger.
type Options struct {
	Level   string
	Profile string
	// File, when set, receives a JSON copy of every record and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger installs a console logger on stderr.
func InitCLILogger(serviceName string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := New(serviceName, Options{Level: level, Profile: ProfileConsole})
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger
}

// Configure replaces CLILogger with one built from opts.
func Configure(serviceName string, opts Options) error {
	logger, err := New(serviceName, opts)
	if err != nil {
		return err
	}
	_ = CLILogger.Sync()
	CLILogger = logger
	return nil
}

// New builds a logger writing to stderr, and to opts.File when set.
func New(serviceName string, opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(valueOr(opts.Level, "info"))))
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(valueOr(opts.Profile, ProfileConsole)) {
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.CallerKey = ""
		ec.NameKey = ""
		if !isTerminal(os.Stderr) {
			ec.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(ec)
	case ProfileStructured:
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	default:
		return nil, fmt.Errorf("logging.profile: unknown profile %q (expected console or structured)", opts.Profile)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    valueOrInt(opts.MaxSizeMB, 100),
			MaxBackups: valueOrInt(opts.MaxBackups, 5),
			MaxAge:     valueOrInt(opts.MaxAgeDays, 30),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if serviceName != "" {
		logger = logger.Named(serviceName)
	}
	return logger, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func valueOrInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
