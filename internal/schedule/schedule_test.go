package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(value string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSchedule_NextRun(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		after    time.Time
		want     time.Time
		wantNone bool
	}{
		{
			name:     "daily later today",
			schedule: Schedule{Enabled: true, Frequency: FrequencyDaily, Time: "02:00"},
			after:    at("2024-03-15 01:00"),
			want:     at("2024-03-15 02:00"),
		},
		{
			name:     "daily exactly at time moves to tomorrow",
			schedule: Schedule{Enabled: true, Frequency: FrequencyDaily, Time: "02:00"},
			after:    at("2024-03-15 02:00"),
			want:     at("2024-03-16 02:00"),
		},
		{
			name:     "daily across month end",
			schedule: Schedule{Enabled: true, Frequency: FrequencyDaily, Time: "23:30"},
			after:    at("2024-03-31 23:45"),
			want:     at("2024-04-01 23:30"),
		},
		{
			name:     "weekly later this week",
			schedule: Schedule{Enabled: true, Frequency: FrequencyWeekly, Time: "03:15", DayOfWeek: int(time.Sunday)},
			after:    at("2024-03-15 12:00"), // Friday
			want:     at("2024-03-17 03:15"),
		},
		{
			name:     "weekly same day already passed",
			schedule: Schedule{Enabled: true, Frequency: FrequencyWeekly, Time: "03:15", DayOfWeek: int(time.Friday)},
			after:    at("2024-03-15 12:00"),
			want:     at("2024-03-22 03:15"),
		},
		{
			name:     "monthly next month",
			schedule: Schedule{Enabled: true, Frequency: FrequencyMonthly, Time: "04:00", DayOfMonth: 10},
			after:    at("2024-03-15 12:00"),
			want:     at("2024-04-10 04:00"),
		},
		{
			name:     "monthly clamps to short month",
			schedule: Schedule{Enabled: true, Frequency: FrequencyMonthly, Time: "04:00", DayOfMonth: 31},
			after:    at("2024-02-01 00:00"),
			want:     at("2024-02-29 04:00"),
		},
		{
			name:     "monthly after clamped day rolls over",
			schedule: Schedule{Enabled: true, Frequency: FrequencyMonthly, Time: "04:00", DayOfMonth: 31},
			after:    at("2024-04-30 05:00"),
			want:     at("2024-05-31 04:00"),
		},
		{
			name:     "disabled frequency",
			schedule: Schedule{Enabled: true, Frequency: FrequencyDisabled, Time: "02:00"},
			after:    at("2024-03-15 01:00"),
			wantNone: true,
		},
		{
			name:     "not enabled",
			schedule: Schedule{Enabled: false, Frequency: FrequencyDaily, Time: "02:00"},
			after:    at("2024-03-15 01:00"),
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.schedule.NextRun(tt.after, time.UTC)
			if tt.wantNone {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestSchedule_NextRunUsesLocation(t *testing.T) {
	plusTwo := time.FixedZone("UTC+2", 2*60*60)
	sched := Schedule{Enabled: true, Frequency: FrequencyDaily, Time: "02:00"}

	got, ok := sched.NextRun(at("2024-03-15 00:30"), plusTwo)
	require.True(t, ok)
	// 02:00 local is 00:00 UTC, already passed at 00:30 UTC
	assert.True(t, at("2024-03-16 00:00").Equal(got), "got %s", got)
}

func TestSchedule_CronSpec(t *testing.T) {
	tests := []struct {
		schedule Schedule
		want     string
	}{
		{Schedule{Frequency: FrequencyDaily, Time: "02:05"}, "5 2 * * *"},
		{Schedule{Frequency: FrequencyWeekly, Time: "23:00", DayOfWeek: int(time.Saturday)}, "0 23 * * 6"},
		{Schedule{Frequency: FrequencyMonthly, Time: "04:30", DayOfMonth: 15}, "30 4 15 * *"},
		{Schedule{Frequency: FrequencyMonthly, Time: "04:30", DayOfMonth: 30}, "30 4 28-31 * *"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := tt.schedule.CronSpec()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&Schedule{Frequency: FrequencyDisabled, Time: "02:00"}).CronSpec()
	assert.Error(t, err)
}

func TestSchedule_NextRunMonthlyClampsEveryMonth(t *testing.T) {
	sched := Schedule{Enabled: true, Frequency: FrequencyMonthly, Time: "01:00", DayOfMonth: 30}

	var got []string
	after := at("2023-01-01 00:00")
	for i := 0; i < 4; i++ {
		next, ok := sched.NextRun(after, time.UTC)
		require.True(t, ok)
		got = append(got, next.Format("2006-01-02 15:04"))
		after = next
	}
	assert.Equal(t, []string{"2023-01-30 01:00", "2023-02-28 01:00", "2023-03-30 01:00", "2023-04-30 01:00"}, got)
}

func TestSchedule_ShouldRunNow(t *testing.T) {
	lastRun := at("2024-03-14 02:00")
	sched := Schedule{
		Enabled:       true,
		Frequency:     FrequencyDaily,
		Time:          "02:00",
		RetentionDays: 7,
		LastRun:       &lastRun,
	}

	assert.True(t, sched.ShouldRunNow(at("2024-03-15 02:01"), time.UTC))
	assert.False(t, sched.ShouldRunNow(at("2024-03-15 01:59"), time.UTC))

	// evaluating again is stable
	assert.True(t, sched.ShouldRunNow(at("2024-03-15 02:01"), time.UTC))

	ran := at("2024-03-15 02:01")
	sched.LastRun = &ran
	assert.False(t, sched.ShouldRunNow(at("2024-03-15 02:05"), time.UTC))
}

func TestSchedule_ShouldRunNowWithoutLastRun(t *testing.T) {
	sched := Schedule{Enabled: true, Frequency: FrequencyDaily, Time: "02:00", CreatedAt: at("2024-03-14 12:00")}
	assert.False(t, sched.ShouldRunNow(at("2024-03-15 01:00"), time.UTC))
	assert.True(t, sched.ShouldRunNow(at("2024-03-15 02:00"), time.UTC))
}

func TestSchedule_DisabledNeverDue(t *testing.T) {
	lastRun := at("2020-01-01 00:00")
	for _, last := range []*time.Time{nil, &lastRun} {
		sched := Schedule{Enabled: true, Frequency: FrequencyDisabled, Time: "02:00", LastRun: last}
		assert.False(t, sched.ShouldRunNow(at("2030-01-01 00:00"), time.UTC))
	}
}

func TestSchedule_Validate(t *testing.T) {
	valid := func() Schedule {
		return Schedule{Name: "nightly", Enabled: true, Frequency: FrequencyDaily, Time: "02:00"}
	}

	tests := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr string
	}{
		{name: "valid", mutate: func(*Schedule) {}},
		{name: "missing name", mutate: func(s *Schedule) { s.Name = " " }, wantErr: "name"},
		{name: "bracket in name", mutate: func(s *Schedule) { s.Name = "a]b" }, wantErr: "name"},
		{name: "bad frequency", mutate: func(s *Schedule) { s.Frequency = "hourly" }, wantErr: "frequency"},
		{name: "bad time", mutate: func(s *Schedule) { s.Time = "25:00" }, wantErr: "time"},
		{name: "bad minutes", mutate: func(s *Schedule) { s.Time = "02:7" }, wantErr: "time"},
		{name: "bad weekday", mutate: func(s *Schedule) {
			s.Frequency = FrequencyWeekly
			s.DayOfWeek = 7
		}, wantErr: "day_of_week"},
		{name: "bad day of month", mutate: func(s *Schedule) {
			s.Frequency = FrequencyMonthly
			s.DayOfMonth = 0
		}, wantErr: "day_of_month"},
		{name: "negative max backups", mutate: func(s *Schedule) { s.MaxBackups = -1 }, wantErr: "max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := valid()
			tt.mutate(&sched)
			err := sched.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSchedule_CreateOptions(t *testing.T) {
	tests := []struct {
		name         string
		database     bool
		media        bool
		wantMedia    bool
		wantSkipDB   bool
		wantDegraded bool
	}{
		{name: "database only", database: true},
		{name: "database and media", database: true, media: true, wantMedia: true},
		{name: "media only degrades", media: true, wantDegraded: true},
		{name: "configuration only", wantSkipDB: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := Schedule{Name: "nightly", IncludeDatabase: tt.database, IncludeMedia: tt.media}
			opts, degraded := sched.CreateOptions()
			assert.Equal(t, tt.wantMedia, opts.IncludeMedia)
			assert.Equal(t, tt.wantSkipDB, opts.SkipDatabase)
			assert.Equal(t, tt.wantDegraded, degraded)
			assert.Contains(t, opts.Description, "[schedule:nightly]")
		})
	}
}

func TestSchedule_IsHealthy(t *testing.T) {
	sched := Schedule{ConsecutiveFailures: 2}
	assert.True(t, sched.IsHealthy(0))
	sched.ConsecutiveFailures = 3
	assert.False(t, sched.IsHealthy(0))
	assert.True(t, sched.IsHealthy(5))
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "schedules.yaml")
	store := NewFileStore(path)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	lastRun := at("2024-03-15 02:00")
	schedules := []*Schedule{
		{Name: "weekly", Enabled: true, Frequency: FrequencyWeekly, Time: "03:00", DayOfWeek: 1, IncludeDatabase: true},
		{Name: "nightly", Enabled: true, Frequency: FrequencyDaily, Time: "02:00", IncludeDatabase: true,
			MaxBackups: 7, LastRun: &lastRun, ConsecutiveFailures: 1, NotifyEmail: "ops@example.com"},
	}
	require.NoError(t, store.Save(schedules))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "nightly", loaded[0].Name)
	assert.Equal(t, "weekly", loaded[1].Name)
	require.NotNil(t, loaded[0].LastRun)
	assert.True(t, lastRun.Equal(*loaded[0].LastRun))
	assert.Equal(t, 1, loaded[0].ConsecutiveFailures)
	assert.Equal(t, "ops@example.com", loaded[0].NotifyEmail)
}

func TestFileStore_RejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	content := "schedules:\n  - name: a\n    frequency: daily\n  - name: a\n    frequency: weekly\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedules: [unterminated"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}
