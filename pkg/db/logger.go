package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ParseLogLevel maps a configured level name to the GORM log level. An empty
// name means error.
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "info":
		return logger.Info, nil
	case "warn":
		return logger.Warn, nil
	case "error", "":
		return logger.Error, nil
	case "silent":
		return logger.Silent, nil
	default:
		return logger.Error, fmt.Errorf("unknown log level %q, want silent, error, warn or info", level)
	}
}

func getLogLevel(level string) logger.LogLevel {
	l, _ := ParseLogLevel(level)
	return l
}

// gormLogger routes GORM's statement log through slog
type gormLogger struct {
	log           *slog.Logger
	level         logger.LogLevel
	slowThreshold time.Duration
	withParams    bool
}

// NewGormLogger returns a GORM logger writing to log at the configured level
func NewGormLogger(log *slog.Logger, cfg LoggingConfig) logger.Interface {
	if log == nil {
		log = slog.Default()
	}
	l := &gormLogger{
		log:        log,
		level:      getLogLevel(cfg.Level),
		withParams: cfg.LogQueryParameters,
	}
	if cfg.LogSlowQueries {
		l.slowThreshold = cfg.SlowQueryThreshold
	}
	return l
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.ErrorContext(ctx, "query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.WarnContext(ctx, "slow query", "sql", sql, "rows", rows, "elapsed", elapsed, "threshold", l.slowThreshold)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.DebugContext(ctx, "query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}

// ParamsFilter hides bound values from logged SQL unless parameters are enabled
func (l *gormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	if l.withParams {
		return sql, params
	}
	return sql, nil
}
