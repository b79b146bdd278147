package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal"
	"memeflow/internal/store"
)

var testLoc = time.FixedZone("Asia/Tomsk", 7*3600)

func TestBuildDailyScheduleProperties(t *testing.T) {
	date := time.Date(2026, 8, 31, 0, 0, 0, 0, testLoc)

	// Randomized jitter: check the invariants over many builds.
	for run := 0; run < 50; run++ {
		times := BuildDailySchedule(date, 3, testLoc)
		require.Len(t, times, 3)

		windowStart := time.Date(2026, 8, 31, 10, 0, 0, 0, testLoc)
		windowEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, testLoc)
		segment := windowEnd.Add(-time.Second).Sub(windowStart) / 3

		for i, ts := range times {
			assert.False(t, ts.Before(windowStart), "slot %d before window", i)
			assert.True(t, ts.Before(windowEnd), "slot %d past window", i)

			segStart := windowStart.Add(time.Duration(i) * segment)
			segEnd := windowStart.Add(time.Duration(i+1) * segment)
			assert.False(t, ts.Before(segStart), "slot %d escaped its segment (early)", i)
			assert.True(t, ts.Before(segEnd.Add(time.Second)), "slot %d escaped its segment (late)", i)
		}

		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "times must strictly increase")
		}
	}
}

func TestBuildDailyScheduleSingleSlot(t *testing.T) {
	date := time.Date(2026, 8, 31, 0, 0, 0, 0, testLoc)
	times := BuildDailySchedule(date, 1, testLoc)
	require.Len(t, times, 1)

	windowStart := time.Date(2026, 8, 31, 10, 0, 0, 0, testLoc)
	windowEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, testLoc)
	assert.False(t, times[0].Before(windowStart))
	assert.True(t, times[0].Before(windowEnd))
}

func TestBuildDailyScheduleZeroCount(t *testing.T) {
	assert.Nil(t, BuildDailySchedule(time.Now(), 0, testLoc))
}

func TestGetOrCreateScheduleRegeneratesWhenStale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := &internal.Config{
		ScheduleJSONKey:  "schedule.json",
		DailyGenerations: 3,
		Location:         testLoc,
	}

	now := time.Date(2026, 8, 31, 9, 0, 0, 0, testLoc)
	first, err := GetOrCreateSchedule(ctx, st, cfg, now)
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	assert.Equal(t, "2026-08-31", first.Date)

	// Same day, same count: reused as-is.
	again, err := GetOrCreateSchedule(ctx, st, cfg, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.Entries, again.Entries)

	// Next day: regenerated.
	tomorrow, err := GetOrCreateSchedule(ctx, st, cfg, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "2026-09-01", tomorrow.Date)

	// Count change: regenerated too.
	cfg.DailyGenerations = 5
	resized, err := GetOrCreateSchedule(ctx, st, cfg, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, resized.Entries, 5)
}

func TestGetNextScheduledTime(t *testing.T) {
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, testLoc)
	sched := &DailySchedule{
		Date: "2026-08-31",
		Entries: []ScheduleEntry{
			{Time: base.Add(1 * time.Hour)},
			{Time: base.Add(5 * time.Hour)},
			{Time: base.Add(9 * time.Hour)},
		},
	}

	next := GetNextScheduledTime(sched, base)
	require.NotNil(t, next)
	assert.Equal(t, base.Add(1*time.Hour), *next)

	next = GetNextScheduledTime(sched, base.Add(6*time.Hour))
	require.NotNil(t, next)
	assert.Equal(t, base.Add(9*time.Hour), *next)

	assert.Nil(t, GetNextScheduledTime(sched, base.Add(10*time.Hour)), "exhausted schedule has no next slot")
}
