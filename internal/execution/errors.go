package execution

import "errors"

var (
	ErrDuplicateSignal    = errors.New("signal already executing")
	ErrInvalidDirection   = errors.New("invalid signal direction")
	ErrInvalidSignal      = errors.New("invalid signal")
	ErrSpotShort          = errors.New("short selling not supported in spot mode")
	ErrRiskRejected       = errors.New("signal rejected by risk validation")
	ErrTrendRejected      = errors.New("signal rejected by trend filter")
	ErrGatewayUnavailable = errors.New("exchange gateway unavailable")
	ErrDuplicatePosition  = errors.New("position already open in same direction")
	ErrQuantityTooSmall   = errors.New("computed quantity below minimum")
	ErrEntryFailed        = errors.New("entry order failed")
)
