package clinic

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a configuration snapshot fails validation.
var ErrInvalidConfig = errors.New("clinic: invalid config")

// Window is a working-hours window in clinic-local "15:04" form.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Offsets returns the window bounds as offsets from local midnight.
func (w Window) Offsets() (time.Duration, time.Duration, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("clinic: window start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return 0, 0, fmt.Errorf("clinic: window end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: window %s-%s ends before it starts", ErrInvalidConfig, w.Start, w.End)
	}
	return start, end, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidConfig, value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Config is the scheduling snapshot for one clinic. It is read fresh for every
// availability computation and never mutated while one is running.
type Config struct {
	ClinicID         string         `json:"clinic_id"`
	Name             string         `json:"name"`
	UTCOffsetMinutes int            `json:"utc_offset_minutes"`
	WorkingWeekdays  []time.Weekday `json:"working_weekdays"`
	Window           Window         `json:"window"`
	SaturdayWindow   *Window        `json:"saturday_window,omitempty"`
	SlotMinutes      int            `json:"slot_minutes"`
	MaxSimultaneous  int            `json:"max_simultaneous"`
	MinLeadHours     int            `json:"min_lead_hours"`
	MaxLeadDays      int            `json:"max_lead_days"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DefaultConfig returns the snapshot used when a clinic has none stored yet.
func DefaultConfig(clinicID string) *Config {
	return &Config{
		ClinicID:         clinicID,
		Name:             "Clinic",
		UTCOffsetMinutes: -300,
		WorkingWeekdays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
		},
		Window:          Window{Start: "08:00", End: "18:00"},
		SaturdayWindow:  &Window{Start: "08:00", End: "12:00"},
		SlotMinutes:     60,
		MaxSimultaneous: 1,
		MinLeadHours:    2,
		MaxLeadDays:     60,
	}
}

// Validate checks the snapshot is usable by the availability calculator.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if c.SlotMinutes <= 0 {
		return fmt.Errorf("%w: slot_minutes must be positive", ErrInvalidConfig)
	}
	if c.MaxSimultaneous <= 0 {
		return fmt.Errorf("%w: max_simultaneous must be positive", ErrInvalidConfig)
	}
	if c.MinLeadHours < 0 || c.MaxLeadDays < 0 {
		return fmt.Errorf("%w: lead times cannot be negative", ErrInvalidConfig)
	}
	if c.UTCOffsetMinutes < -14*60 || c.UTCOffsetMinutes > 14*60 {
		return fmt.Errorf("%w: utc_offset_minutes out of range", ErrInvalidConfig)
	}
	if _, _, err := c.Window.Offsets(); err != nil {
		return err
	}
	if c.SaturdayWindow != nil {
		if _, _, err := c.SaturdayWindow.Offsets(); err != nil {
			return err
		}
	}
	for _, day := range c.WorkingWeekdays {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidConfig, day)
		}
	}
	return nil
}

// Location returns the clinic's fixed-offset zone. The region has no DST.
func (c *Config) Location() *time.Location {
	sign := "+"
	if c.UTCOffsetMinutes < 0 {
		sign = "-"
	}
	offset := abs(c.UTCOffsetMinutes)
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", sign, offset/60, offset%60), c.UTCOffsetMinutes*60)
}

// SlotDuration returns the configured slot length.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotMinutes) * time.Minute
}

// IsWorkingDay reports whether weekday is configured as open.
func (c *Config) IsWorkingDay(weekday time.Weekday) bool {
	for _, day := range c.WorkingWeekdays {
		if day == weekday {
			return true
		}
	}
	return false
}

// WindowFor returns the working window for weekday. Saturday uses the
// Saturday window when one is configured.
func (c *Config) WindowFor(weekday time.Weekday) (Window, bool) {
	if !c.IsWorkingDay(weekday) {
		return Window{}, false
	}
	if weekday == time.Saturday && c.SaturdayWindow != nil {
		return *c.SaturdayWindow, true
	}
	return c.Window, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
