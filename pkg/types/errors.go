package types

import (
	"errors"
	"fmt"
)

// Code is a stable reason code for an expected business failure.
// Codes are part of the public contract and never change meaning.
type Code string

const (
	CodeNodeNotFound               Code = "node_not_found"
	CodeNodeUnavailable            Code = "node_unavailable"
	CodeNodeDecommissioned         Code = "node_decommissioned"
	CodeInsufficientMemory         Code = "insufficient_memory"
	CodeInsufficientDisk           Code = "insufficient_disk"
	CodeInsufficientSlots          Code = "insufficient_slots"
	CodeReservationNotFound        Code = "reservation_not_found"
	CodeReservationExpired         Code = "reservation_expired"
	CodeReservationAlreadyClaimed  Code = "reservation_already_claimed"
	CodeReservationAlreadyReleased Code = "reservation_already_released"
	CodeInvalidToken               Code = "invalid_token"
	CodeInvalidPlatform            Code = "invalid_platform"
	CodeInvalidHardware            Code = "invalid_hardware"
	CodeCertificateGeneration      Code = "certificate_generation_failed"
	CodeNameAlreadyExists          Code = "name_already_exists"
	CodeAlreadyInMaintenance       Code = "already_in_maintenance"
	CodeNotInMaintenance           Code = "not_in_maintenance"
	CodeInternal                   Code = "internal_error"
)

// Error is a business failure carrying a stable reason code. Services
// return it for expected failures instead of opaque error strings so
// callers can branch on the code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E creates a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the reason code from err, or CodeInternal if err is
// not a coded business failure.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given reason code.
func IsCode(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}
