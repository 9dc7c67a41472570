package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "identity-service"

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process logger once. Later calls return the first logger.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		logger, err := loggerConfig(environment, level, format).Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
			zap.Fields(zap.String("service", serviceName), zap.String("env", environment)),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		globalLogger = logger
		zap.ReplaceGlobals(globalLogger)
	})
	return globalLogger
}

func loggerConfig(environment, level, format string) zap.Config {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))

	switch format {
	case "json":
		cfg.Encoding = "json"
		// Colour codes would end up inside the JSON level field.
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	case "console":
		cfg.Encoding = "console"
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

// Get returns the process logger, initialising a production one if Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

// Named returns a child logger for one component.
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	if level == "warning" {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

func String(key, value string) zap.Field { return zap.String(key, value) }
func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }
func Int(key string, value int) zap.Field { return zap.Int(key, value) }
func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

// ErrorField wraps zap.Error; the name Error is taken by the level helper.
func ErrorField(err error) zap.Field { return zap.Error(err) }

// Phone logs a phone number in masked form only.
func Phone(key, phone string) zap.Field {
	return zap.String(key, MaskPhone(phone))
}
