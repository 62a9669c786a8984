package mysql

import (
	"context"
	"database/sql"

	"OPAgent-Chain/internal/events"
)

const insertEventSQL = `INSERT INTO provision_events
    (run_id, step, status, address, tx_hash, message, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// EventStore 将部署事件追加写入 provision_events 表。
type EventStore struct {
	db *sql.DB
}

// NewEventStore 基于已有连接池创建事件存储。
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Publish 实现 events.Publisher。
func (s *EventStore) Publish(ctx context.Context, event events.Event) error {
	_, err := s.db.ExecContext(ctx, insertEventSQL,
		event.RunID, string(event.Step), string(event.Status), event.Address, event.TxHash, event.Message,
		event.OccurredAt.Unix())
	return err
}

// Close 实现 events.Publisher。连接池由检查点存储负责关闭。
func (s *EventStore) Close() error { return nil }
