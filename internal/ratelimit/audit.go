package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Violation types recorded for rejected submissions.
const (
	ViolationFileUpload = "file_upload_limit"
	ViolationExport     = "export_limit"
)

// Violation describes one rejected request.
type Violation struct {
	Type            string    `json:"type"`
	Max             int       `json:"max"`
	Limiter         Scope     `json:"limiter"`
	WindowInMinutes float64   `json:"windowInMinutes"`
	Key             string    `json:"key"`
	ClientIP        string    `json:"clientIp"`
	UserID          string    `json:"userId"`
	At              time.Time `json:"at"`
}

// NewViolation builds the record for a rejection by a limiter with cfg.
func NewViolation(cfg Config, key, clientIP, userID string, at time.Time) Violation {
	return Violation{
		Type:            ViolationFileUpload,
		Max:             cfg.Max,
		Limiter:         cfg.Scope,
		WindowInMinutes: cfg.Window.Minutes(),
		Key:             normalizeKey(key),
		ClientIP:        clientIP,
		UserID:          userID,
		At:              at.UTC(),
	}
}

// AuditSink receives rate limit violations.
type AuditSink interface {
	RecordViolation(ctx context.Context, v Violation) error
}

// LogSink writes violations to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordViolation(_ context.Context, v Violation) error {
	s.logger.Warn("Rate limit exceeded",
		slog.String("type", v.Type),
		slog.String("limiter", string(v.Limiter)),
		slog.Int("max", v.Max),
		slog.Float64("window_in_minutes", v.WindowInMinutes),
		slog.String("key", v.Key),
		slog.String("client_ip", v.ClientIP),
		slog.String("user_id", v.UserID),
	)
	return nil
}

// RedisSink keeps per-key violation counters that expire after retention.
type RedisSink struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, prefix string, retention time.Duration) *RedisSink {
	return &RedisSink{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *RedisSink) RecordViolation(ctx context.Context, v Violation) error {
	key := s.Key(v.Limiter, v.Key)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Key returns the counter key for a scope and limiter key.
func (s *RedisSink) Key(scope Scope, key string) string {
	return fmt.Sprintf("%s:violations:%s:%s", s.prefix, scope, normalizeKey(key))
}

// Fanout delivers each violation to every sink and joins their errors.
type Fanout []AuditSink

func (f Fanout) RecordViolation(ctx context.Context, v Violation) error {
	var errs []error
	for _, sink := range f {
		if err := sink.RecordViolation(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
