package ews

import (
	"fmt"
	"time"
)

// Cadence is the required interval between observations for each band.
type Cadence struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// DefaultCadence returns 15/30/60 minute observation intervals.
func DefaultCadence() Cadence {
	return Cadence{
		High:   15 * time.Minute,
		Medium: 30 * time.Minute,
		Low:    60 * time.Minute,
	}
}

// Validate checks every interval is positive
func (c Cadence) Validate() error {
	if c.High <= 0 || c.Medium <= 0 || c.Low <= 0 {
		return fmt.Errorf("cadence intervals must be positive (high=%s medium=%s low=%s)", c.High, c.Medium, c.Low)
	}
	return nil
}

// Interval returns the observation interval for band. Unknown bands get the
// shortest interval.
func (c Cadence) Interval(band Band) time.Duration {
	switch band {
	case BandLow:
		return c.Low
	case BandMedium:
		return c.Medium
	default:
		return c.High
	}
}

// NextDue returns when the next observation is due after one taken at last.
func (c Cadence) NextDue(band Band, last time.Time) time.Time {
	return last.Add(c.Interval(band))
}

// NextDue uses the default cadence.
func NextDue(band Band, last time.Time) time.Time {
	return DefaultCadence().NextDue(band, last)
}

// IsOverdue reports whether due has passed at now. A zero due time means no
// observation has been recorded and is never overdue.
func IsOverdue(due, now time.Time) bool {
	if due.IsZero() {
		return false
	}
	return now.After(due)
}

// MonitorStatus distinguishes a patient with no readings from one who is
// overdue.
type MonitorStatus string

const (
	StatusNoReadings MonitorStatus = "no_readings"
	StatusDue        MonitorStatus = "due"
	StatusOverdue    MonitorStatus = "overdue"
)

// Monitor is the observation state of one patient at a point in time.
type Monitor struct {
	Status MonitorStatus `json:"status"`
	Band   Band          `json:"band,omitempty"`
	DueAt  time.Time     `json:"due_at,omitempty"`
}

// Status builds the monitor state from the latest reading's band and due time.
func Status(band Band, due time.Time, hasReading bool, now time.Time) Monitor {
	if !hasReading {
		return Monitor{Status: StatusNoReadings}
	}
	m := Monitor{Status: StatusDue, Band: band, DueAt: due}
	if IsOverdue(due, now) {
		m.Status = StatusOverdue
	}
	return m
}
