package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OPAgent-Chain/pkg/logger"
)

// Step 标识部署流程中的步骤。
type Step string

const (
	StepRun      Step = "run"
	StepLibrary  Step = "library"
	StepAgent    Step = "agent"
	StepVerify   Step = "verify"
	StepRegister Step = "register"
	StepChat     Step = "chat"
)

// Status 描述步骤所处的状态。
type Status string

const (
	StatusStarted   Status = "started"
	StatusSkipped   Status = "skipped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// Event 是一次步骤状态变化。
type Event struct {
	RunID      string    `json:"runId"`
	Step       Step      `json:"step"`
	Status     Status    `json:"status"`
	Address    string    `json:"address,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher 将事件投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Fanout 将事件广播给多个发布器。
type Fanout struct {
	publishers []named
}

type named struct {
	name string
	pub  Publisher
}

// NewFanout 创建广播发布器。
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add 注册一个发布器，name 用于错误信息。
func (f *Fanout) Add(name string, pub Publisher) *Fanout {
	if pub != nil {
		f.publishers = append(f.publishers, named{name: name, pub: pub})
	}
	return f
}

// Len 返回已注册的发布器数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.publishers)
}

// Publish 投递到全部发布器，汇总所有失败。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.pub.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布器。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Emitter 为一次运行绑定 RunID，发布失败只记录日志。
type Emitter struct {
	runID string
	pub   Publisher
}

// NewEmitter 创建绑定运行 ID 的事件发送器。pub 为 nil 时不发送。
func NewEmitter(runID string, pub Publisher) *Emitter {
	return &Emitter{runID: runID, pub: pub}
}

// RunID 返回运行 ID。
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

// Emit 发送一条事件。
func (e *Emitter) Emit(ctx context.Context, step Step, status Status, opts ...Option) {
	if e == nil || e.pub == nil {
		return
	}
	event := Event{RunID: e.runID, Step: step, Status: status, OccurredAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(&event)
	}
	if err := e.pub.Publish(ctx, event); err != nil {
		logger.L().Warn("发布部署事件失败",
			slog.String("run_id", e.runID),
			slog.String("step", string(step)),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// Option 填充事件的可选字段。
type Option func(*Event)

// WithAddress 设置合约地址。
func WithAddress(addr string) Option { return func(e *Event) { e.Address = addr } }

// WithTxHash 设置交易哈希。
func WithTxHash(hash string) Option { return func(e *Event) { e.TxHash = hash } }

// WithMessage 设置说明信息。
func WithMessage(msg string) Option { return func(e *Event) { e.Message = msg } }
