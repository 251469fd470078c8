// File: logger/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process logger built on zap with lumberjack file rotation.

package logger

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// ParseLevel maps a level name to a zap level; unknown names map to info.
func ParseLevel(lvl string) zapcore.Level {
	if level, ok := levelMap[lvl]; ok {
		return level
	}
	return zapcore.InfoLevel
}

// TimeEncoder writes timestamps with millisecond precision.
func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// NewZapLogger builds a console-encoded logger. With an empty path it writes to
// stdout only; otherwise to a rotated file at path/name, plus stdout when
// enableStdout is set.
func NewZapLogger(name, path, level string, maxLogfileSize, maxAge int, enableStdout bool) *zap.Logger {
	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = TimeEncoder

	var syncers []zapcore.WriteSyncer
	if path != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:  filepath.Join(path, name),
			MaxSize:   maxLogfileSize,
			MaxAge:    maxAge,
			LocalTime: true,
		}))
	}
	if enableStdout || path == "" {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoder), zap.CombineWriteSyncers(syncers...), zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

var (
	initOnce  sync.Once
	zapLogger = zap.NewNop()
)

// InitLogger installs the process logger. Only the first call has effect.
func InitLogger(l *zap.Logger) {
	initOnce.Do(func() {
		if l != nil {
			zapLogger = l
		}
	})
}

// GetLogger returns the process logger, a no-op logger until InitLogger ran.
func GetLogger() *zap.Logger {
	return zapLogger
}

// GetSugar returns the sugared process logger.
func GetSugar() *zap.SugaredLogger {
	return zapLogger.Sugar()
}
