package discovery

import (
	"fmt"
	"strings"
	"time"
)

// Settings are the operator-tunable knobs for a discovery run.
type Settings struct {
	MaxVideosPerRun      int      `json:"max_videos_per_run" mapstructure:"max_videos_per_run"`
	MaxAPIRequestsPerRun int      `json:"max_api_requests_per_run" mapstructure:"max_api_requests_per_run"`
	MinVideoViews        int64    `json:"min_video_views" mapstructure:"min_video_views"`
	Keywords             []string `json:"keywords" mapstructure:"keywords"`
	TitleWeight          float64  `json:"title_weight" mapstructure:"title_weight"`
	DescriptionWeight    float64  `json:"description_weight" mapstructure:"description_weight"`
	TagsWeight           float64  `json:"tags_weight" mapstructure:"tags_weight"`
	MinimumTotalScore    float64  `json:"minimum_total_score" mapstructure:"minimum_total_score"`
	MinDurationMinutes   int      `json:"min_duration_minutes" mapstructure:"min_duration_minutes"`
	MaxDurationMinutes   int      `json:"max_duration_minutes" mapstructure:"max_duration_minutes"`
	MinLikes             int64    `json:"min_likes" mapstructure:"min_likes"`
}

// DefaultSettings returns the settings used before an operator saves any.
func DefaultSettings() Settings {
	return Settings{
		MaxVideosPerRun:      500,
		MaxAPIRequestsPerRun: 100,
		Keywords:             []string{"конкурс", "розыгрыш", "giveaway"},
		TitleWeight:          1.0,
		DescriptionWeight:    0.7,
		TagsWeight:           0.3,
		MinimumTotalScore:    0.5,
	}
}

// Validate checks the settings are internally consistent.
func (s Settings) Validate() error {
	if len(s.Keywords) == 0 {
		return fmt.Errorf("%w: keywords must not be empty", ErrInvalidSettings)
	}
	for _, kw := range s.Keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("%w: keywords must not contain blank entries", ErrInvalidSettings)
		}
	}
	if s.MaxVideosPerRun <= 0 {
		return fmt.Errorf("%w: max_videos_per_run must be > 0", ErrInvalidSettings)
	}
	if s.MaxAPIRequestsPerRun <= 0 {
		return fmt.Errorf("%w: max_api_requests_per_run must be > 0", ErrInvalidSettings)
	}
	if s.MinVideoViews < 0 || s.MinLikes < 0 {
		return fmt.Errorf("%w: min_video_views and min_likes must be >= 0", ErrInvalidSettings)
	}
	if s.TitleWeight < 0 || s.DescriptionWeight < 0 || s.TagsWeight < 0 {
		return fmt.Errorf("%w: weights must be >= 0", ErrInvalidSettings)
	}
	if s.MinimumTotalScore < 0 {
		return fmt.Errorf("%w: minimum_total_score must be >= 0", ErrInvalidSettings)
	}
	if s.MinDurationMinutes < 0 || s.MaxDurationMinutes < 0 {
		return fmt.Errorf("%w: duration bounds must be >= 0", ErrInvalidSettings)
	}
	if s.MaxDurationMinutes > 0 && s.MinDurationMinutes > s.MaxDurationMinutes {
		return fmt.Errorf("%w: min_duration_minutes exceeds max_duration_minutes", ErrInvalidSettings)
	}
	return nil
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	cp := s
	cp.Keywords = append([]string(nil), s.Keywords...)
	return cp
}

// Frequency is the recurrence unit of the discovery schedule.
type Frequency string

// Supported schedule frequencies.
const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// CronConfig is the stored recurrence rule for scheduled runs.
// Time is "HH:MM" in UTC; Days uses time.Weekday numbering (0 = Sunday).
type CronConfig struct {
	Enabled   bool      `json:"enabled" mapstructure:"enabled"`
	Frequency Frequency `json:"frequency" mapstructure:"frequency"`
	Time      string    `json:"time" mapstructure:"time"`
	Days      []int     `json:"days" mapstructure:"days"`
}

// DefaultCronConfig returns a disabled daily schedule.
func DefaultCronConfig() CronConfig {
	return CronConfig{
		Enabled:   false,
		Frequency: FrequencyDaily,
		Time:      "09:00",
		Days:      []int{1},
	}
}

// Validate checks the recurrence rule.
func (c CronConfig) Validate() error {
	switch c.Frequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidCron, c.Frequency)
	}
	if c.Frequency != FrequencyHourly {
		if _, _, err := c.Clock(); err != nil {
			return err
		}
	}
	if c.Frequency == FrequencyWeekly && len(c.Days) == 0 {
		return fmt.Errorf("%w: weekly schedule needs at least one day", ErrInvalidCron)
	}
	for _, d := range c.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day %d out of range 0..6", ErrInvalidCron, d)
		}
	}
	return nil
}

// Clock parses Time into hour and minute.
func (c CronConfig) Clock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.Time))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidCron, c.Time)
	}
	return t.Hour(), t.Minute(), nil
}
