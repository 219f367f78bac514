// Package errorir provides the engine's canonical error representation.
//
// Every failure surfaced by an engine operation is an *Error carrying a stable
// code, a classification that tells callers whether a retry can succeed, and
// RFC 9457 problem fields for transport layers.
package errorir

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Classification defines the retry behavior for errors.
type Classification string

const (
	// ClassRetryable indicates a transient failure that may succeed on retry.
	ClassRetryable Classification = "RETRYABLE"
	// ClassTerminal indicates the request can never succeed as submitted.
	ClassTerminal Classification = "TERMINAL"
)

// Code is a stable, namespaced error code: KARMA/<AREA>/<NAME>.
type Code string

const (
	CodeAgentNotRegistered     Code = "KARMA/IDENTITY/AGENT_NOT_REGISTERED"
	CodeAgentAlreadyRegistered Code = "KARMA/IDENTITY/AGENT_ALREADY_REGISTERED"

	CodeSelfRatingForbidden Code = "KARMA/RATING/SELF_RATING_FORBIDDEN"
	CodeInvalidScore        Code = "KARMA/RATING/INVALID_SCORE"
	CodeInvalidFeedback     Code = "KARMA/RATING/INVALID_FEEDBACK"
	CodeDuplicateRating     Code = "KARMA/RATING/DUPLICATE_RATING"
	CodeInteractionNotFound Code = "KARMA/RATING/INTERACTION_NOT_FOUND"
	CodeNotParticipant      Code = "KARMA/RATING/NOT_PARTICIPANT"
	CodeRatingWindowExpired Code = "KARMA/RATING/WINDOW_EXPIRED"

	CodeInsufficientKarma       Code = "KARMA/LEDGER/INSUFFICIENT_KARMA"
	CodeCalculationInputCorrupt Code = "KARMA/LEDGER/CALCULATION_INPUT_CORRUPT"

	CodeProviderNotAuthorized  Code = "KARMA/ORACLE/PROVIDER_NOT_AUTHORIZED"
	CodeInvalidDataType        Code = "KARMA/ORACLE/INVALID_DATA_TYPE"
	CodeInsufficientSignatures Code = "KARMA/ORACLE/INSUFFICIENT_SIGNATURES"
	CodeInvalidSignature       Code = "KARMA/ORACLE/INVALID_SIGNATURE"
	CodeStaleOracleData        Code = "KARMA/ORACLE/STALE_DATA"

	CodeAlreadyVoted          Code = "KARMA/GOVERNANCE/ALREADY_VOTED"
	CodeVotingClosed          Code = "KARMA/GOVERNANCE/VOTING_CLOSED"
	CodeVotingStillOpen       Code = "KARMA/GOVERNANCE/VOTING_STILL_OPEN"
	CodeProposalNotFound      Code = "KARMA/GOVERNANCE/PROPOSAL_NOT_FOUND"
	CodeProposalNotActive     Code = "KARMA/GOVERNANCE/PROPOSAL_NOT_ACTIVE"
	CodeProposalNotPassed     Code = "KARMA/GOVERNANCE/PROPOSAL_NOT_PASSED"
	CodeInvalidProposal       Code = "KARMA/GOVERNANCE/INVALID_PROPOSAL"
	CodeExecutionDelayPending Code = "KARMA/GOVERNANCE/EXECUTION_DELAY_PENDING"

	CodeDisputeAlreadyOpen       Code = "KARMA/DISPUTE/ALREADY_OPEN"
	CodeDisputeNotFound          Code = "KARMA/DISPUTE/NOT_FOUND"
	CodeDisputeNotOpen           Code = "KARMA/DISPUTE/NOT_OPEN"
	CodeViolationNotFound        Code = "KARMA/DISPUTE/VIOLATION_NOT_FOUND"
	CodeViolationAlreadyResolved Code = "KARMA/DISPUTE/VIOLATION_ALREADY_RESOLVED"
	CodeInvalidStake             Code = "KARMA/DISPUTE/INVALID_STAKE"

	CodeUnauthorized      Code = "KARMA/AUTH/UNAUTHORIZED"
	CodeInvalidParameter  Code = "KARMA/CONFIG/INVALID_PARAMETER"
	CodePersistenceFailed Code = "KARMA/STORE/PERSISTENCE_FAILED"
)

// Error is the canonical engine error.
type Error struct {
	Code           Code           `json:"error_code"`
	Title          string         `json:"title"`
	Detail         string         `json:"detail,omitempty"`
	Classification Classification `json:"classification"`
	cause          error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Title)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Namespace returns the area segment of the code (RATING, ORACLE, ...).
func (e *Error) Namespace() string {
	parts := strings.Split(string(e.Code), "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return "UNKNOWN"
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool { return e.Classification == ClassRetryable }

// Status maps the code to an HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeAgentNotRegistered, CodeProposalNotFound, CodeDisputeNotFound,
		CodeViolationNotFound, CodeInteractionNotFound:
		return http.StatusNotFound
	case CodeDuplicateRating, CodeAlreadyVoted, CodeAgentAlreadyRegistered,
		CodeDisputeAlreadyOpen, CodeViolationAlreadyResolved, CodeStaleOracleData:
		return http.StatusConflict
	case CodeUnauthorized, CodeProviderNotAuthorized:
		return http.StatusForbidden
	case CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodePersistenceFailed:
		return http.StatusServiceUnavailable
	case CodeVotingStillOpen, CodeExecutionDelayPending, CodeProposalNotActive,
		CodeProposalNotPassed, CodeDisputeNotOpen, CodeVotingClosed, CodeRatingWindowExpired:
		return http.StatusConflict
	case CodeInsufficientKarma, CodeInsufficientSignatures:
		return http.StatusUnprocessableEntity
	case CodeCalculationInputCorrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// TypeURI is the RFC 9457 problem type for the code.
func (e *Error) TypeURI() string {
	return "https://agent-karma.dev/errors/" + strings.ToLower(strings.ReplaceAll(string(e.Code), "/", "-"))
}

var titles = map[Code]string{
	CodeAgentNotRegistered:       "Agent not registered",
	CodeAgentAlreadyRegistered:   "Agent already registered",
	CodeSelfRatingForbidden:      "Self rating forbidden",
	CodeInvalidScore:             "Invalid score",
	CodeInvalidFeedback:          "Invalid feedback",
	CodeDuplicateRating:          "Duplicate rating",
	CodeInteractionNotFound:      "Interaction not found",
	CodeNotParticipant:           "Not an interaction participant",
	CodeRatingWindowExpired:      "Rating window expired",
	CodeInsufficientKarma:        "Insufficient karma",
	CodeCalculationInputCorrupt:  "Calculation input corrupt",
	CodeProviderNotAuthorized:    "Provider not authorized",
	CodeInvalidDataType:          "Invalid oracle data type",
	CodeInsufficientSignatures:   "Insufficient signatures",
	CodeInvalidSignature:         "Invalid signature",
	CodeStaleOracleData:          "Stale oracle data",
	CodeAlreadyVoted:             "Already voted",
	CodeVotingClosed:             "Voting closed",
	CodeVotingStillOpen:          "Voting still open",
	CodeProposalNotFound:         "Proposal not found",
	CodeProposalNotActive:        "Proposal not active",
	CodeProposalNotPassed:        "Proposal not passed",
	CodeInvalidProposal:          "Invalid proposal",
	CodeExecutionDelayPending:    "Execution delay pending",
	CodeDisputeAlreadyOpen:       "Dispute already open",
	CodeDisputeNotFound:          "Dispute not found",
	CodeDisputeNotOpen:           "Dispute not open",
	CodeViolationNotFound:        "Violation not found",
	CodeViolationAlreadyResolved: "Violation already resolved",
	CodeInvalidStake:             "Invalid stake",
	CodeUnauthorized:             "Unauthorized",
	CodeInvalidParameter:         "Invalid parameter",
	CodePersistenceFailed:        "Persistence failed",
}

func classify(code Code) Classification {
	switch code {
	case CodeInsufficientSignatures, CodePersistenceFailed, CodeExecutionDelayPending:
		return ClassRetryable
	default:
		return ClassTerminal
	}
}

func sentinel(code Code) *Error {
	return &Error{Code: code, Title: titles[code], Classification: classify(code)}
}

// Sentinels for errors.Is comparisons.
var (
	ErrAgentNotRegistered       = sentinel(CodeAgentNotRegistered)
	ErrAgentAlreadyRegistered   = sentinel(CodeAgentAlreadyRegistered)
	ErrSelfRatingForbidden      = sentinel(CodeSelfRatingForbidden)
	ErrInvalidScore             = sentinel(CodeInvalidScore)
	ErrInvalidFeedback          = sentinel(CodeInvalidFeedback)
	ErrDuplicateRating          = sentinel(CodeDuplicateRating)
	ErrInteractionNotFound      = sentinel(CodeInteractionNotFound)
	ErrNotParticipant           = sentinel(CodeNotParticipant)
	ErrRatingWindowExpired      = sentinel(CodeRatingWindowExpired)
	ErrInsufficientKarma        = sentinel(CodeInsufficientKarma)
	ErrCalculationInputCorrupt  = sentinel(CodeCalculationInputCorrupt)
	ErrProviderNotAuthorized    = sentinel(CodeProviderNotAuthorized)
	ErrInvalidDataType          = sentinel(CodeInvalidDataType)
	ErrInsufficientSignatures   = sentinel(CodeInsufficientSignatures)
	ErrInvalidSignature         = sentinel(CodeInvalidSignature)
	ErrStaleOracleData          = sentinel(CodeStaleOracleData)
	ErrAlreadyVoted             = sentinel(CodeAlreadyVoted)
	ErrVotingClosed             = sentinel(CodeVotingClosed)
	ErrVotingStillOpen          = sentinel(CodeVotingStillOpen)
	ErrProposalNotFound         = sentinel(CodeProposalNotFound)
	ErrProposalNotActive        = sentinel(CodeProposalNotActive)
	ErrProposalNotPassed        = sentinel(CodeProposalNotPassed)
	ErrInvalidProposal          = sentinel(CodeInvalidProposal)
	ErrExecutionDelayPending    = sentinel(CodeExecutionDelayPending)
	ErrDisputeAlreadyOpen       = sentinel(CodeDisputeAlreadyOpen)
	ErrDisputeNotFound          = sentinel(CodeDisputeNotFound)
	ErrDisputeNotOpen           = sentinel(CodeDisputeNotOpen)
	ErrViolationNotFound        = sentinel(CodeViolationNotFound)
	ErrViolationAlreadyResolved = sentinel(CodeViolationAlreadyResolved)
	ErrInvalidStake             = sentinel(CodeInvalidStake)
	ErrUnauthorized             = sentinel(CodeUnauthorized)
	ErrInvalidParameter         = sentinel(CodeInvalidParameter)
	ErrPersistenceFailed        = sentinel(CodePersistenceFailed)
)

// New builds an error for code with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	e := sentinel(code)
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Wrap builds an error for code that keeps cause in its chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := New(code, format, args...)
	if cause != nil {
		e.Detail = e.Detail + ": " + cause.Error()
	}
	e.cause = cause
	return e
}

// From extracts the *Error from err's chain. ok is false for foreign errors.
func From(err error) (e *Error, ok bool) {
	ok = errors.As(err, &e)
	return e, ok
}

// IsRetryable reports whether err is a retryable engine error.
func IsRetryable(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}
