// Package logger is a small key/value front end over zap.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger takes alternating key/value pairs after the message.
type Logger struct {
	*zap.Logger
}

type LogConfig struct {
	Level  string
	Format string
	// Output is a file path; empty or "stdout" writes to standard output.
	Output string
}

func New(cfg LogConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.Output != "" && cfg.Output != "stdout" {
		ws, _, err := zap.Open(cfg.Output)
		if err != nil {
			return nil, err
		}
		sink = ws
	}

	core := zapcore.NewCore(enc, sink, level)
	return &Logger{zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{l.Logger.With(fields(kv)...)}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.Logger.Debug(msg, fields(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.Logger.Info(msg, fields(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.Logger.Warn(msg, fields(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.Logger.Error(msg, fields(kv)...) }

// fields pairs up kv. A non-string key skips its pair, a trailing key is dropped and
// error values are logged with zap.NamedError.
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}
