package util

import (
	"os"
	"time"

	prettyconsole "github.com/thessem/zap-prettyconsole"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func shortTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}

// ParseLevel maps the log_level setting to a zap level. Unknown values
// fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// NewLogger builds the service logger. JSON output is for production
// log pipelines; the console form uses prettyconsole for readable
// key=value development output.
func NewLogger(json bool, level string) *zap.Logger {
	lvl := ParseLevel(level)

	if json {
		econf := zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(econf), os.Stdout, lvl))
	}

	pcfg := prettyconsole.NewEncoderConfig()
	pcfg.EncodeTime = shortTimeEncoder
	return zap.New(zapcore.NewCore(prettyconsole.NewEncoder(pcfg), os.Stdout, lvl))
}
