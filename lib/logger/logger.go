package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a sugared logger tagged with the given service name.
// TENSORAGE_LOG_LEVEL picks the level and TENSORAGE_LOG_DEV=true switches
// to the human friendly console encoder.
func New(service string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	if strings.EqualFold(os.Getenv("TENSORAGE_LOG_DEV"), "true") {
		config = zap.NewDevelopmentConfig()
	}

	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	config.InitialFields = map[string]interface{}{
		"service": service,
	}

	if lvl := os.Getenv("TENSORAGE_LOG_LEVEL"); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	log, err := config.Build(zap.WithCaller(true))
	if err != nil {
		return zap.NewNop().Sugar(), err
	}

	return log.Sugar(), nil
}
