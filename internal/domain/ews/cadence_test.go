package ews

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDue_Cadence(t *testing.T) {
	last := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, last.Add(15*time.Minute), NextDue(BandHigh, last))
	assert.Equal(t, last.Add(30*time.Minute), NextDue(BandMedium, last))
	assert.Equal(t, last.Add(60*time.Minute), NextDue(BandLow, last))
}

func TestNextDue_UnknownBandUsesShortestInterval(t *testing.T) {
	last := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, last.Add(15*time.Minute), NextDue(Band("unknown"), last))
}

func TestCadence_Validate(t *testing.T) {
	assert.NoError(t, DefaultCadence().Validate())
	assert.Error(t, Cadence{High: time.Minute}.Validate())
}

func TestIsOverdue(t *testing.T) {
	due := time.Date(2026, 10, 15, 8, 15, 0, 0, time.UTC)

	assert.False(t, IsOverdue(due, due.Add(-time.Second)))
	assert.False(t, IsOverdue(due, due))
	assert.True(t, IsOverdue(due, due.Add(time.Second)))
	assert.False(t, IsOverdue(time.Time{}, due))
}

func TestStatus(t *testing.T) {
	due := time.Date(2026, 10, 15, 8, 15, 0, 0, time.UTC)

	assert.Equal(t, Monitor{Status: StatusNoReadings}, Status("", time.Time{}, false, due))

	m := Status(BandHigh, due, true, due.Add(-time.Minute))
	assert.Equal(t, StatusDue, m.Status)
	assert.Equal(t, BandHigh, m.Band)
	assert.Equal(t, due, m.DueAt)

	assert.Equal(t, StatusOverdue, Status(BandHigh, due, true, due.Add(time.Minute)).Status)
}
