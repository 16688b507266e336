// Package availability computes bookable slots for a clinic day.
//
// Every instant is handled in UTC. The clinic's fixed offset is applied only
// to turn the configured local window into instants and, at the edge, to
// render slot labels.
package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
)

var (
	ErrInvalidDate   = errors.New("availability: date outside bookable range")
	ErrNonWorkingDay = errors.New("availability: clinic closed on that day")
	ErrOutsideWindow = errors.New("availability: slot outside working window")
	ErrLeadTime      = errors.New("availability: slot violates minimum lead time")
	ErrSlotTaken     = errors.New("availability: slot no longer available")
)

// Reason explains an empty result.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonPastDate      Reason = "past_date"
	ReasonBeyondMaxLead Reason = "beyond_max_lead"
	ReasonNonWorkingDay Reason = "non_working_day"
)

// Booking is an existing appointment occupying clinic capacity.
type Booking struct {
	AppointmentID string
	PatientID     string
	Start         time.Time
	Duration      time.Duration
	Cancelled     bool
}

func (b Booking) End() time.Time {
	return b.Start.Add(b.Duration)
}

// Request carries everything one computation needs. Config is treated as
// read-only.
type Request struct {
	Date     Date
	Config   *clinic.Config
	Bookings []Booking
	Busy     []calendar.Interval
	Now      time.Time
}

// Result lists free slot starts in ascending order.
type Result struct {
	Date         Date
	Slots        []time.Time
	SlotDuration time.Duration
	Window       clinic.Window
	Reason       Reason
}

// Calculator is stateless; the zero value is ready to use.
type Calculator struct{}

// Compute returns the free slots for req.Date. Dates in the past, beyond the
// maximum lead, or on a non-working weekday yield an empty result with a
// Reason. An error is returned only for an unusable config.
func (Calculator) Compute(req Request) (Result, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{Date: req.Date, Slots: []time.Time{}, SlotDuration: cfg.SlotDuration()}

	loc := cfg.Location()
	today := DateOf(req.Now.In(loc))
	switch {
	case req.Date.Before(today):
		res.Reason = ReasonPastDate
		return res, nil
	case req.Date.After(today.AddDays(cfg.MaxLeadDays)):
		res.Reason = ReasonBeyondMaxLead
		return res, nil
	}

	window, ok := cfg.WindowFor(req.Date.Weekday())
	if !ok {
		res.Reason = ReasonNonWorkingDay
		return res, nil
	}
	res.Window = window

	for _, start := range candidates(req.Date, window, cfg) {
		if slotFree(req, start, res.SlotDuration) {
			res.Slots = append(res.Slots, start)
		}
	}
	return res, nil
}

// CheckSlot re-validates a single requested start against the same inputs.
// req.Date is derived from start.
func (c Calculator) CheckSlot(req Request, start time.Time) error {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	start = start.UTC()
	req.Date = DateOf(start.In(cfg.Location()))

	res, err := c.Compute(req)
	if err != nil {
		return err
	}
	switch res.Reason {
	case ReasonPastDate, ReasonBeyondMaxLead:
		return fmt.Errorf("%w: %s (%s)", ErrInvalidDate, req.Date, res.Reason)
	case ReasonNonWorkingDay:
		return fmt.Errorf("%w: %s", ErrNonWorkingDay, req.Date.Weekday())
	}

	onGrid := false
	for _, candidate := range candidates(req.Date, res.Window, cfg) {
		if candidate.Equal(start) {
			onGrid = true
			break
		}
	}
	if !onGrid {
		return fmt.Errorf("%w: %s", ErrOutsideWindow, start.In(cfg.Location()).Format("15:04"))
	}
	if start.Before(earliestStart(req)) {
		return fmt.Errorf("%w: %d hours required", ErrLeadTime, cfg.MinLeadHours)
	}
	for _, slot := range res.Slots {
		if slot.Equal(start) {
			return nil
		}
	}
	return ErrSlotTaken
}

// candidates steps from window start to window end inclusive. The last slot
// may start exactly at closing time and run past it.
// TODO: confirm with the clinic whether a slot starting at closing time should
// be offered at all.
func candidates(date Date, window clinic.Window, cfg *clinic.Config) []time.Time {
	from, to, err := window.Offsets()
	if err != nil {
		return nil
	}
	midnight := date.Midnight(cfg.Location())
	step := cfg.SlotDuration()

	var out []time.Time
	for off := from; off <= to; off += step {
		out = append(out, midnight.Add(off).UTC())
	}
	return out
}

func earliestStart(req Request) time.Time {
	return req.Now.UTC().Add(time.Duration(req.Config.MinLeadHours) * time.Hour)
}

func slotFree(req Request, start time.Time, duration time.Duration) bool {
	if start.Before(earliestStart(req)) {
		return false
	}
	end := start.Add(duration)
	for _, busy := range req.Busy {
		if busy.Overlaps(start, end) {
			return false
		}
	}
	overlapping := 0
	for _, b := range req.Bookings {
		if b.Cancelled {
			continue
		}
		if start.Before(b.End()) && end.After(b.Start) {
			overlapping++
		}
	}
	return overlapping < req.Config.MaxSimultaneous
}
