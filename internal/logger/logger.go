// Package logger installs the process-wide logr logger backed by zap.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// LogLevel names a minimum log level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Config selects level, encoding and destination
type Config struct {
	Level LogLevel `yaml:"level" json:"level"`

	// Encoding is "console" or "json"
	Encoding string `yaml:"encoding" json:"encoding"`

	// OutputPath is "stdout", "stderr" or a file path
	OutputPath string `yaml:"outputPath" json:"outputPath"`
}

// DefaultConfig logs info and above to stderr in console format
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Encoding:   "console",
		OutputPath: "stderr",
	}
}

// ZapLevel converts a LogLevel; unknown names fall back to info
func (l LogLevel) ZapLevel() zapcore.Level {
	switch LogLevel(strings.ToLower(string(l))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logr.Logger for cfg. The returned closer releases the output file, if any.
func New(cfg Config) (logr.Logger, io.Closer, error) {
	out, closer, err := openOutput(cfg.OutputPath)
	if err != nil {
		return logr.Discard(), nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	log := crzap.New(
		crzap.Encoder(encoder),
		crzap.Level(cfg.Level.ZapLevel()),
		crzap.WriteTo(out),
		crzap.RawZapOpts(zap.AddCaller()),
	)
	return log, closer, nil
}

// Setup installs the logger for every package logging through ctrl.Log
func Setup(cfg Config) (io.Closer, error) {
	log, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ctrl.SetLogger(log)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(path string) (io.Writer, io.Closer, error) {
	switch path {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %s: %w", path, err)
	}
	return file, file, nil
}
