package main

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
)

// zapAdapter 将 zap 适配为 kratos log.Logger
type zapAdapter struct {
	logger *zap.SugaredLogger
}

func newZapAdapter(logger *zap.Logger) log.Logger {
	return &zapAdapter{
		logger: logger.WithOptions(zap.AddCallerSkip(2)).Sugar(),
	}
}

// Log 实现 log.Logger
func (a *zapAdapter) Log(level log.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "")
	}

	var msg string
	fields := make([]interface{}, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == log.DefaultMessageKey {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		fields = append(fields, key, keyvals[i+1])
	}

	switch level {
	case log.LevelDebug:
		a.logger.Debugw(msg, fields...)
	case log.LevelInfo:
		a.logger.Infow(msg, fields...)
	case log.LevelWarn:
		a.logger.Warnw(msg, fields...)
	case log.LevelError:
		a.logger.Errorw(msg, fields...)
	case log.LevelFatal:
		a.logger.Fatalw(msg, fields...)
	default:
		a.logger.Infow(msg, fields...)
	}
	return nil
}
