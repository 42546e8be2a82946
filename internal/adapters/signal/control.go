package signal

import (
	"errors"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

// errorCode maps a failure to the code peers see. Causes never leak.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnregistered):
		return "unregistered"
	case errors.Is(err, domain.ErrRegisterFailed):
		return "register_failed"
	case errors.Is(err, domain.ErrUpdateFailed):
		return "update_failed"
	case errors.Is(err, domain.ErrUnknownMessage):
		return "unknown_type"
	case errors.Is(err, domain.ErrAlreadyBound):
		return "already_registered"
	case errors.Is(err, domain.ErrSuperseded):
		return "superseded"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, ErrBadPayload),
		errors.Is(err, domain.ErrInvalidEntityType),
		errors.Is(err, domain.ErrEntityIDEmpty),
		errors.Is(err, domain.ErrEntityIDTooLong),
		errors.Is(err, domain.ErrInvalidCoordinate),
		errors.Is(err, domain.ErrInvalidBounds),
		errors.Is(err, domain.ErrWrongUpdateKind):
		return "bad_payload"
	default:
		return "internal"
	}
}

func sendError(send func(core.Frame) error, err error) {
	_ = send(core.Encode(core.ErrorMsg{Type: "error", Error: errorCode(err)}))
}
