package provision

import (
	"context"
	"time"

	xerrors "OPAgent-Chain/internal/errors"
)

const (
	CodeDependencyOrder     xerrors.Code = "DEPENDENCY_ORDER"
	CodeRegistrationPending xerrors.Code = "REGISTRATION_PENDING"
)

func init() {
	xerrors.Register(CodeDependencyOrder, xerrors.Attributes{
		Message:  "step dependency not satisfied",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeRegistrationPending, xerrors.Attributes{
		Message:   "registration submitted but not yet confirmed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Sleeper 等待指定时长，ctx 取消时提前返回错误。
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
