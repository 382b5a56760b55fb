package logging

import (
	"go.uber.org/zap"
)

// zapLogger adapts a zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap wraps an existing zap logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

// NewZapDevelopment builds a development-mode zap logger, used by the CLI
// host when verbose logging is on.
func NewZapDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

// NewZapProduction builds a production-mode JSON zap logger.
func NewZapProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

func (z *zapLogger) Debug(msg string, keyvals ...any) { z.s.Debugw(msg, keyvals...) }
func (z *zapLogger) Info(msg string, keyvals ...any)  { z.s.Infow(msg, keyvals...) }
func (z *zapLogger) Warn(msg string, keyvals ...any)  { z.s.Warnw(msg, keyvals...) }
func (z *zapLogger) Error(msg string, keyvals ...any) { z.s.Errorw(msg, keyvals...) }

func (z *zapLogger) With(keyvals ...any) Logger {
	return &zapLogger{s: z.s.With(keyvals...)}
}
