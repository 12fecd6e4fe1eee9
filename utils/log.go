package utils

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
)

func init() {
	// Console-only logger until Setup runs with real config; keeps early
	// startup and tests readable.
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(os.Stderr),
		zapcore.InfoLevel,
	)
	Logger = zap.New(consoleCore)
}

// Setup rebuilds the global logger from the configured level and file path.
// An empty path keeps console-only output.
func Setup(level string, path string) {
	minLevel, ok := levelMap[level]
	if !ok {
		minLevel = zapcore.InfoLevel
	}
	enabled := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(os.Stderr), enabled),
	}

	if path != "" {
		hook := lumberjack.Logger{
			Filename:   path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		files := zapcore.AddSync(&hook)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), files, enabled))
	}

	if old := Logger; old != nil {
		_ = old.Sync()
	}
	Logger = zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
	)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
