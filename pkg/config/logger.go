package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. The "json" format writes ISO8601
// timestamped JSON lines, anything else colored console output.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var encoder zapcore.Encoder
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Format == "json" {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
		opts = append(opts, zap.Development())
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		ws, _, err := zap.Open(cfg.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", cfg.OutputPath, err)
		}
		sink = ws
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, opts...).Named("revenue"), nil
}
