package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/league-engine/internal/store"
)

// Kind classifies an engine error for the transport layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindStateConflict
	KindInsufficientFunds
	KindInsufficientShares
	KindNotAuthorized
	KindNotFound
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInsufficientShares:
		return "insufficient_shares"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotFound:
		return "not_found"
	default:
		return "store"
	}
}

// Error is a tagged engine failure. Two errors match under errors.Is when
// their codes are equal, so callers compare against the Err* sentinels.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// with returns a copy of the sentinel carrying a more specific message.
func (e *Error) with(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidPrice    = &Error{Kind: KindValidation, Code: "InvalidPrice", Msg: "price must be between 1 and 99"}
	ErrInvalidQuantity = &Error{Kind: KindValidation, Code: "InvalidQuantity", Msg: "quantity must be at least 1"}
	ErrInvalidSide     = &Error{Kind: KindValidation, Code: "InvalidSide", Msg: "side must be YES or NO"}
	ErrInvalidAmount   = &Error{Kind: KindValidation, Code: "InvalidAmount", Msg: "amount must be non-zero"}
	ErrMissingField    = &Error{Kind: KindValidation, Code: "MissingField", Msg: "required field missing"}
	ErrInvalidDeadline = &Error{Kind: KindValidation, Code: "InvalidDeadline", Msg: "closes_at must be in the future"}
	ErrLeagueMismatch  = &Error{Kind: KindValidation, Code: "LeagueMismatch", Msg: "market does not belong to this league"}

	ErrMarketNotOpen            = &Error{Kind: KindStateConflict, Code: "MarketNotOpen", Msg: "market is not open for trading"}
	ErrMarketNotInVoting        = &Error{Kind: KindStateConflict, Code: "MarketNotInVoting", Msg: "market is not in voting"}
	ErrMarketFinal              = &Error{Kind: KindStateConflict, Code: "MarketFinal", Msg: "market is already resolved or cancelled"}
	ErrPendingVoteBlocksTrading = &Error{Kind: KindStateConflict, Code: "PendingVoteBlocksTrading", Msg: "you must vote on your pending markets before trading"}
	ErrAlreadyVoted             = &Error{Kind: KindStateConflict, Code: "AlreadyVoted", Msg: "you have already voted on this market"}
	ErrNoVotesYet               = &Error{Kind: KindStateConflict, Code: "NoVotesYet", Msg: "no votes have been cast"}
	ErrQuorumNotReached         = &Error{Kind: KindStateConflict, Code: "QuorumNotReached", Msg: "not every stakeholder has voted"}
	ErrBusy                     = &Error{Kind: KindStateConflict, Code: "Busy", Msg: "market is busy, try again"}

	ErrInsufficientBalance      = &Error{Kind: KindInsufficientFunds, Code: "InsufficientBalance", Msg: "insufficient balance"}
	ErrInsufficientStakeBalance = &Error{Kind: KindInsufficientFunds, Code: "InsufficientStakeBalance", Msg: "insufficient balance for vote stake"}

	ErrInsufficientShares = &Error{Kind: KindInsufficientShares, Code: "InsufficientShares", Msg: "insufficient shares"}

	ErrNotAuthorized   = &Error{Kind: KindNotAuthorized, Code: "NotAuthorized", Msg: "not authorized"}
	ErrNotAStakeholder = &Error{Kind: KindNotAuthorized, Code: "NotAStakeholder", Msg: "only position holders may vote"}
	ErrNotAMember      = &Error{Kind: KindNotAuthorized, Code: "NotAMember", Msg: "user is not a member of this league"}

	ErrMarketNotFound = &Error{Kind: KindNotFound, Code: "MarketNotFound", Msg: "market not found"}
	ErrOrderNotFound  = &Error{Kind: KindNotFound, Code: "OrderNotFound", Msg: "order not found"}

	ErrStore = &Error{Kind: KindStore, Code: "StoreError", Msg: "internal error"}
)

// KindOf returns the kind of err. Errors that did not originate in the
// engine are store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// storeError wraps a persistence failure unless err is already tagged.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStore, Code: ErrStore.Code, Msg: ErrStore.Msg, Err: err}
}

// notFound maps store.ErrNotFound to the given engine error.
func notFound(err error, as *Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return as
	}
	return err
}
