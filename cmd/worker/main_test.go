package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUntilNextRun(t *testing.T) {
	now := time.Date(2026, 8, 28, 4, 30, 0, 0, time.UTC)

	assert.Equal(t, 90*time.Minute, untilNextRun(now, 6))
	// Hour already passed today: wait for tomorrow.
	assert.Equal(t, 21*time.Hour+30*time.Minute, untilNextRun(now, 2))
	// Exactly at the run hour: schedule the next day, not a zero wait.
	atHour := time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, untilNextRun(atHour, 6))
}
