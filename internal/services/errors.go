package services

// Kind groups lottery errors by cause.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindWindow
	KindState
	KindAuthorization
	KindArithmetic
	KindOracle
)

var kindNames = [...]string{
	KindInvalid:       "InvalidArgument",
	KindNotFound:      "NotFound",
	KindWindow:        "WindowError",
	KindState:         "StateError",
	KindAuthorization: "AuthorizationError",
	KindArithmetic:    "ArithmeticError",
	KindOracle:        "OracleError",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Error is a lottery rule violation. Errors are deterministic functions of
// state and input; compare them with errors.Is against the sentinels below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Retryable reports whether the same call may succeed later without any
// other operation taking place first.
func (e *Error) Retryable() bool {
	return e == ErrRandomnessNotResolved
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrAlreadyInitialized = newError(KindState, "AlreadyInitialized", "config already initialized")
	ErrConfigMissing      = newError(KindState, "ConfigMissing", "config not initialized")
	ErrInvalidWindow      = newError(KindInvalid, "InvalidWindow", "sale end must be after sale start")
	ErrInvalidPrice       = newError(KindInvalid, "InvalidPrice", "ticket price must be positive")

	ErrLotteryNotFound = newError(KindNotFound, "LotteryNotFound", "lottery not found")
	ErrTicketNotFound  = newError(KindNotFound, "TicketNotFound", "ticket not found")

	ErrInvalidState      = newError(KindState, "InvalidState", "operation not valid in the current lottery phase")
	ErrSaleClosed        = newError(KindWindow, "SaleClosed", "lottery is not open")
	ErrInsufficientFunds = newError(KindInvalid, "InsufficientFunds", "payment does not cover the ticket price")
	ErrOverflow          = newError(KindArithmetic, "ArithmeticOverflow", "ticket count or pot overflow")
	ErrNotAuthorized     = newError(KindAuthorization, "NotAuthorized", "account not authorized")

	ErrTooEarly              = newError(KindWindow, "TooEarly", "ticket sale has not closed yet")
	ErrAlreadyCommitted      = newError(KindState, "AlreadyCommitted", "randomness already committed")
	ErrStaleCommit           = newError(KindOracle, "StaleCommit", "oracle commitment is not after the sale end")
	ErrOracleUnavailable     = newError(KindOracle, "OracleUnavailable", "randomness oracle unavailable")
	ErrRandomnessNotResolved = newError(KindOracle, "RandomnessNotResolved", "randomness not resolved")
	ErrRevealExpired         = newError(KindOracle, "RevealExpired", "randomness reveal deadline passed, commit again")
	ErrNoParticipants        = newError(KindState, "NoParticipants", "lottery has no tickets")
	ErrAlreadyChosen         = newError(KindState, "AlreadyChosen", "winner is already chosen")

	ErrNotWinner      = newError(KindAuthorization, "NotWinner", "caller does not own the winning ticket")
	ErrAlreadyClaimed = newError(KindState, "AlreadyClaimed", "prize already claimed")
)
