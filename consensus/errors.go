package consensus

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// Codec.
	ERR_OUT_OF_BOUNDS ErrorCode = "OutOfBounds"

	// Difficulty.
	ERR_NEGATIVE_TARGET ErrorCode = "NegativeTarget"
	ERR_TARGET_OVERFLOW ErrorCode = "TargetOverflow"

	// Header consensus rules.
	ERR_INVALID_POW                 ErrorCode = "InvalidProofOfWork"
	ERR_NBITS_MISMATCH              ErrorCode = "NbitsMismatch"
	ERR_RETARGET_MISMATCH           ErrorCode = "RetargetMismatch"
	ERR_TIMESTAMP_NOT_ABOVE_MEDIAN  ErrorCode = "TimestampNotAboveMedian"
	ERR_TIMESTAMP_TOO_FAR_IN_FUTURE ErrorCode = "TimestampTooFarInFuture"
	ERR_HEIGHT_OVERFLOW             ErrorCode = "HeightOverflow"

	// Chain state transitions.
	ERR_NOT_INITIALIZED              ErrorCode = "NotInitialized"
	ERR_ALREADY_INITIALIZED          ErrorCode = "AlreadyInitialized"
	ERR_TIP_COMMITMENT_MISMATCH      ErrorCode = "TipCommitmentMismatch"
	ERR_NOT_AT_TIP_HEIGHT            ErrorCode = "NotAtTipHeight"
	ERR_ANCESTOR_COMMITMENT_MISMATCH ErrorCode = "AncestorCommitmentMismatch"
	ERR_FORK_FROM_FUTURE_HEIGHT      ErrorCode = "ForkFromFutureHeight"
	ERR_INSUFFICIENT_WORK            ErrorCode = "InsufficientWork"
	ERR_FORK_TIP_COMMITMENT_MISMATCH ErrorCode = "ForkTipCommitmentMismatch"
	ERR_FORK_ANCESTOR_REORGANIZED    ErrorCode = "ForkAncestorReorganized"
	ERR_FORK_LIMIT_REACHED           ErrorCode = "ForkLimitReached"

	// Queries.
	ERR_COMMITMENT_MISMATCH ErrorCode = "CommitmentMismatch"
	ERR_FUTURE_BLOCK        ErrorCode = "FutureBlock"

	// Claims.
	ERR_MERKLE_VERIFICATION_FAILED ErrorCode = "MerkleVerificationFailed"
	ERR_INVALID_COMMITMENT         ErrorCode = "InvalidCommitment"
	ERR_INSUFFICIENT_CONFIRMATIONS ErrorCode = "InsufficientConfirmations"
	ERR_OUTPUT_INDEX_OUT_OF_BOUNDS ErrorCode = "OutputIndexOutOfBounds"
	ERR_INVALID_OUTPUT             ErrorCode = "InvalidOutput"
	ERR_INVALID_TRANSACTION        ErrorCode = "InvalidTransaction"
	ERR_INVALID_NONCE              ErrorCode = "InvalidNonce"
	ERR_UNKNOWN_RELAY              ErrorCode = "UnknownRelay"
)

// Error is a named consensus or claim failure. Every Error aborts the
// submission or claim that produced it.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches any *Error carrying the same code, so callers can compare
// against Errorf(code, "") style sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func Errorf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func errCode(code ErrorCode) error {
	return &Error{Code: code}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
