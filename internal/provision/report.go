package provision

import (
	"errors"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
)

// RunStatus 是一次部署运行的总体状态。
type RunStatus string

const (
	StatusComplete RunStatus = "complete"
	StatusPartial  RunStatus = "partial"
)

// Report 汇总一次运行的最终记录与非致命问题。
type Report struct {
	RunID        string
	Record       checkpoint.Record
	VerifyErr    error
	Registration Registration
}

// Status 返回 complete 当且仅当源码已验证且注册已确认。
func (r *Report) Status() RunStatus {
	if r.Record.IsVerified && r.Record.HasRegistered {
		return StatusComplete
	}
	return StatusPartial
}

// Err 汇总本次运行留下的非致命问题，完整运行时返回 nil。
func (r *Report) Err() error {
	var errs []error
	if r.VerifyErr != nil {
		errs = append(errs, r.VerifyErr)
	} else if !r.Record.IsVerified {
		errs = append(errs, xerrors.New(xerrors.CodeNotFound, "源码验证未执行"))
	}
	if r.Registration.Outcome == OutcomePending {
		errs = append(errs, xerrors.New(CodeRegistrationPending, "",
			xerrors.WithMetadata("tx_hash", r.Registration.RegisterTx.Hex())))
	}
	return errors.Join(errs...)
}
