package activity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStart(t *testing.T) {
	// Wednesday
	ts := time.Date(2026, 4, 15, 13, 47, 12, 0, time.UTC)

	tests := []struct {
		period PeriodType
		want   time.Time
	}{
		{PeriodHour, time.Date(2026, 4, 15, 13, 0, 0, 0, time.UTC)},
		{PeriodDay, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)},
		{PeriodWeek, time.Date(2026, 4, 13, 0, 0, 0, 0, time.UTC)},
		{PeriodMonth, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.period.BucketStart(ts, time.UTC))
		})
	}
}

func TestBucketStart_ReferenceTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:30 UTC on the 15th is still the 14th in New York
	ts := time.Date(2026, 4, 15, 2, 30, 0, 0, time.UTC)
	start := PeriodDay.BucketStart(ts, loc)

	assert.Equal(t, 14, start.In(loc).Day())
	assert.Equal(t, 0, start.In(loc).Hour())
}

func TestBucketsBetween(t *testing.T) {
	from := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	buckets := BucketsBetween(PeriodDay, from, to, time.UTC)
	require.Len(t, buckets, 3)
	assert.Equal(t, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), buckets[0].Start)
	assert.Equal(t, buckets[0].End, buckets[1].Start)
	assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), buckets[2].End)

	months := BucketsBetween(PeriodMonth, from, to, time.UTC)
	require.Len(t, months, 2)
	assert.True(t, months[1].Contains(time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)))
	assert.False(t, months[1].Contains(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestScope(t *testing.T) {
	id := uuid.New()
	other := uuid.New()

	assert.Equal(t, "global", GlobalScope().Key())
	assert.Equal(t, "workspace:"+id.String(), WorkspaceScope(id).Key())

	event := &Event{WorkspaceID: &other}
	assert.True(t, GlobalScope().Includes(event))
	assert.False(t, WorkspaceScope(id).Includes(event))
}

func TestHourBuckets_RepeatedDSTHour(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-11-01: 01:00-02:00 local happens twice, first EDT then EST
	firstPass := time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC)
	secondPass := time.Date(2026, 11, 1, 6, 30, 0, 0, time.UTC)
	require.Equal(t, firstPass.In(loc).Hour(), secondPass.In(loc).Hour())

	for _, ts := range []time.Time{firstPass, secondPass} {
		b := BucketFor(PeriodHour, ts, loc)
		assert.True(t, b.Contains(ts), "%s in [%s, %s)", ts, b.Start, b.End)
		assert.Equal(t, time.Hour, b.End.Sub(b.Start))
	}
	assert.NotEqual(t, BucketFor(PeriodHour, firstPass, loc).Start, BucketFor(PeriodHour, secondPass, loc).Start)

	buckets := BucketsBetween(PeriodHour,
		time.Date(2026, 11, 1, 4, 0, 0, 0, time.UTC),
		time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC), loc)
	require.Len(t, buckets, 4)
	for i := 1; i < len(buckets); i++ {
		assert.Equal(t, buckets[i-1].End, buckets[i].Start)
	}
}

func TestHourBuckets_HalfHourOffset(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	ts := time.Date(2026, 4, 15, 8, 10, 0, 0, time.UTC) // 13:40 IST
	b := BucketFor(PeriodHour, ts, loc)
	assert.Equal(t, time.Date(2026, 4, 15, 7, 30, 0, 0, time.UTC), b.Start)
	assert.True(t, b.Contains(ts))
}
