package web3

import xerrors "OPAgent-Chain/internal/errors"

const (
	CodeSignerUnavailable xerrors.Code = "SIGNER_UNAVAILABLE"
	CodeDeployFailed      xerrors.Code = "DEPLOY_FAILED"
	CodeTxFailed          xerrors.Code = "TX_FAILED"
	CodeTxReverted        xerrors.Code = "TX_REVERTED"
	CodeCallFailed        xerrors.Code = "CALL_FAILED"
	CodeArtifactInvalid   xerrors.Code = "ARTIFACT_INVALID"
)

func init() {
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:  "no signing key available",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeDeployFailed, xerrors.Attributes{
		Message:   "contract deployment failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Fatal:     true,
	})
	xerrors.Register(CodeTxFailed, xerrors.Attributes{
		Message:   "transaction could not be submitted or confirmed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Fatal:     true,
	})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeCallFailed, xerrors.Attributes{
		Message:   "contract call failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Fatal:     true,
	})
	xerrors.Register(CodeArtifactInvalid, xerrors.Attributes{
		Message:  "contract artifact is missing or malformed",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
}
