package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Game returns the fields every session log line carries. Zero ids are left
// out.
func Game(roomID, gameID, roundID int) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if roomID != 0 {
		fields = append(fields, zap.Int("room", roomID))
	}
	if gameID != 0 {
		fields = append(fields, zap.Int("game", gameID))
	}
	if roundID != 0 {
		fields = append(fields, zap.Int("round", roundID))
	}
	return fields
}
