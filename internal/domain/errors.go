package domain

import "fmt"

// ErrorKind groups engine errors by the class of failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindArithmetic ErrorKind = "ARITHMETIC"
	KindInvariant  ErrorKind = "INVARIANT"
	KindSequencing ErrorKind = "SEQUENCING"
)

// Error is a structured engine error: a stable numeric code plus message.
// Sentinel values below are compared with errors.Is; callers wrap them with
// context using fmt.Errorf("...: %w", err).
type Error struct {
	Code uint32
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("E%d %s: %s", e.Code, e.Kind, e.Msg)
}

func newError(code uint32, kind ErrorKind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

// Validation errors.
var (
	ErrInvalidFund               = newError(6000, KindValidation, "invalid fund")
	ErrInvalidMint               = newError(6001, KindValidation, "invalid mint")
	ErrNonceMismatch             = newError(6002, KindValidation, "rebalance nonce mismatch")
	ErrAuctionNotOpen            = newError(6003, KindValidation, "auction not open")
	ErrSlippageExceeded          = newError(6004, KindValidation, "required buy amount exceeds max buy amount")
	ErrInvalidAmount             = newError(6005, KindValidation, "invalid amount")
	ErrInvalidAuction            = newError(6006, KindValidation, "invalid auction")
	ErrAuctionOverlap            = newError(6007, KindValidation, "auction already running for token pair")
	ErrInvalidFeeRecipients      = newError(6008, KindValidation, "invalid fee recipients")
	ErrInvalidFeeConfig          = newError(6009, KindValidation, "invalid fee config")
	ErrUnauthorized              = newError(6010, KindValidation, "unauthorized")
	ErrDecimalsMismatch          = newError(6011, KindValidation, "token decimals mismatch")
	ErrInsufficientFunds         = newError(6012, KindValidation, "insufficient token balance")
	ErrInsufficientSellAvailable = newError(6013, KindValidation, "no sell amount available in auction")
	ErrRebalanceNotActive        = newError(6014, KindValidation, "rebalance not active")
	ErrInvalidPrices             = newError(6015, KindValidation, "invalid auction prices")
)

// Arithmetic errors.
var (
	ErrMathOverflow  = newError(6100, KindArithmetic, "math overflow")
	ErrMathUnderflow = newError(6101, KindArithmetic, "math underflow")
	ErrDivideByZero  = newError(6102, KindArithmetic, "division by zero")
)

// Invariant violations.
var (
	ErrBidInvariantViolated = newError(6200, KindInvariant, "bid invariant violated")
	ErrInsufficientBid      = newError(6201, KindInvariant, "insufficient bid")
	ErrBasketFull           = newError(6202, KindInvariant, "basket is full")
	ErrMintNotInBasket      = newError(6203, KindInvariant, "mint not in basket")
)

// Sequencing errors.
var (
	ErrInvalidDistributionIndex = newError(6300, KindSequencing, "invalid fee distribution index")
	ErrInvalidPDA               = newError(6301, KindSequencing, "derived address mismatch")
	ErrDistributionClaimed      = newError(6302, KindSequencing, "fee distribution already claimed")
)
