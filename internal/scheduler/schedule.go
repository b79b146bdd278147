package scheduler

import (
	"context"
	"math/rand"
	"time"

	"memeflow/internal"
	"memeflow/internal/store"
)

// ScheduleEntry represents a single scheduled post time
type ScheduleEntry struct {
	Time time.Time `json:"time"`
}

// DailySchedule holds the schedule for a single day
type DailySchedule struct {
	Date      string          `json:"date"` // YYYY-MM-DD
	Entries   []ScheduleEntry `json:"entries"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BuildDailySchedule creates count post times within the window
// [10:00, 24:00) local: one per equal segment, at the segment center
// plus jitter of at most a third of the segment width. Jitter is
// clamped inside its own segment, so the times are strictly increasing
// and each segment keeps exactly one slot.
func BuildDailySchedule(date time.Time, count int, loc *time.Location) []time.Time {
	if count <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	start := time.Date(date.Year(), date.Month(), date.Day(), 10, 0, 0, 0, loc)
	end := time.Date(date.Year(), date.Month(), date.Day(), 23, 59, 59, 0, loc)
	totalSeconds := int(end.Sub(start).Seconds())

	segmentSeconds := float64(totalSeconds) / float64(count)
	jitterMax := int(segmentSeconds / 3)
	if jitterMax > 1800 {
		jitterMax = 1800 // cap jitter to 30 minutes
	}

	var times []time.Time
	for i := 0; i < count; i++ {
		segStart := float64(i) * segmentSeconds
		segEnd := float64(i+1) * segmentSeconds
		center := (segStart + segEnd) / 2

		jitter := 0
		if jitterMax > 0 {
			jitter = rand.Intn(2*jitterMax+1) - jitterMax
		}

		offset := int(center) + jitter
		// Keep the slot inside its segment.
		if offset < int(segStart) {
			offset = int(segStart)
		}
		if offset >= int(segEnd) {
			offset = int(segEnd) - 1
		}

		times = append(times, start.Add(time.Duration(offset)*time.Second))
	}

	return times
}

// SaveSchedule persists the schedule document.
func SaveSchedule(ctx context.Context, st store.JSON, key string, schedule *DailySchedule) error {
	return st.WriteJSON(ctx, key, schedule)
}

// LoadSchedule loads the persisted schedule, nil when absent.
func LoadSchedule(ctx context.Context, st store.JSON, key string) (*DailySchedule, error) {
	var schedule DailySchedule
	found, err := st.ReadJSON(ctx, key, &schedule)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &schedule, nil
}

// GetOrCreateSchedule returns the schedule for now's date, regenerating
// it when missing, stale or sized for a different daily count.
func GetOrCreateSchedule(ctx context.Context, st store.JSON, cfg *internal.Config, now time.Time) (*DailySchedule, error) {
	schedule, err := LoadSchedule(ctx, st, cfg.ScheduleJSONKey)
	if err == nil && schedule != nil && schedule.Date == now.In(cfg.Location).Format("2006-01-02") && len(schedule.Entries) == cfg.DailyGenerations {
		return schedule, nil
	}

	times := BuildDailySchedule(now.In(cfg.Location), cfg.DailyGenerations, cfg.Location)
	entries := make([]ScheduleEntry, len(times))
	for i, t := range times {
		entries[i] = ScheduleEntry{Time: t}
	}

	schedule = &DailySchedule{
		Date:      now.In(cfg.Location).Format("2006-01-02"),
		Entries:   entries,
		UpdatedAt: now,
	}

	// Best effort: an unsaved schedule still drives today's posts.
	_ = SaveSchedule(ctx, st, cfg.ScheduleJSONKey, schedule)

	return schedule, nil
}

// GetNextScheduledTime returns the next scheduled time after now.
func GetNextScheduledTime(schedule *DailySchedule, now time.Time) *time.Time {
	for _, entry := range schedule.Entries {
		if entry.Time.After(now) {
			return &entry.Time
		}
	}
	return nil
}
