package events

import (
	"context"
	"log/slog"

	"OPAgent-Chain/pkg/logger"
)

// LogPublisher 将事件写入审计日志。
type LogPublisher struct{}

// Publish 实现 Publisher。
func (LogPublisher) Publish(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("run_id", event.RunID),
		slog.String("step", string(event.Step)),
		slog.String("status", string(event.Status)),
	}
	if event.Address != "" {
		attrs = append(attrs, slog.String("address", event.Address))
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	level := slog.LevelInfo
	if event.Status == StatusFailed {
		level = slog.LevelError
	}
	logger.Audit().LogAttrs(ctx, level, "provision_event", attrs...)
	return nil
}

// Close 实现 Publisher。
func (LogPublisher) Close() error { return nil }
