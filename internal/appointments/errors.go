package appointments

import (
	"errors"

	"github.com/wolfman30/clinic-scheduler/internal/availability"
)

var (
	ErrInvalidRequest          = errors.New("appointments: invalid request")
	ErrAppointmentNotFound     = errors.New("appointments: appointment not found")
	ErrPatientNotFound         = errors.New("appointments: patient not found")
	ErrConsultationNotFound    = errors.New("appointments: consultation not found")
	ErrSlotUnavailable         = errors.New("appointments: slot no longer available")
	ErrSlotBusy                = errors.New("appointments: slot is being booked, retry")
	ErrCodeCollision           = errors.New("appointments: access code already taken")
	ErrCodeExhausted           = errors.New("appointments: could not generate a unique access code")
	ErrTerminalState           = errors.New("appointments: appointment is in a terminal state")
	ErrActiveAppointmentExists = errors.New("appointments: patient already has an upcoming appointment")
	ErrIdentityConflict        = errors.New("appointments: phone and email belong to different patients")
)

// IsValidation reports errors caused by bad caller input.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		availability.ErrInvalidDate,
		availability.ErrOutsideWindow,
		availability.ErrLeadTime,
		availability.ErrNonWorkingDay,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict reports errors where the request was valid but current state
// rejects it.
func IsConflict(err error) bool {
	for _, target := range []error{
		availability.ErrSlotTaken,
		ErrSlotUnavailable,
		ErrSlotBusy,
		ErrCodeCollision,
		ErrCodeExhausted,
		ErrTerminalState,
		ErrActiveAppointmentExists,
		ErrIdentityConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports missing appointments, patients or consultations.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrConsultationNotFound)
}
