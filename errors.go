package pgaofi

import "github.com/pgaofi/pgaofi/internal/xerrors"

// Error is the structured error this package returns. Code values below
// distinguish the conditions callers can reasonably branch on; any error
// outside this taxonomy came from the provider or bootstrap layer wrapped
// via Wrap, and is only usable through errors.Is/errors.As.
type Error = xerrors.Error

// Code categorizes an Error.
type Code = xerrors.Code

const (
	CodeInvalidArgument  = xerrors.CodeInvalidArgument
	CodeNonAddressable   = xerrors.CodeNonAddressable
	CodeUnsupportedAMO   = xerrors.CodeUnsupportedAMO
	CodeArgumentTooLarge = xerrors.CodeArgumentTooLarge
	CodeResourceExhaust  = xerrors.CodeResourceExhaust
	CodeProviderFatal    = xerrors.CodeProviderFatal
	CodeCQTruncation     = xerrors.CodeCQTruncation
	CodeLivenessFailure  = xerrors.CodeLivenessFailure
)

// IsCode reports whether err is an *Error carrying the given code.
func IsCode(err error, code Code) bool { return xerrors.IsCode(err, code) }
