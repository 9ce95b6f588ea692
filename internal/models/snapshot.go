package models

import "time"

// MetricsSnapshot is one point-in-time reading of an account's counters.
// Counters a platform does not expose stay nil and serialize as null.
type MetricsSnapshot struct {
	ID             string                 `json:"id"`
	AccountID      string                 `json:"account_id"`
	RunID          string                 `json:"run_id,omitempty"`
	CollectedAt    time.Time              `json:"collected_at"`
	Followers      *int64                 `json:"followers"`
	Posts          *int64                 `json:"posts"`
	Likes          *int64                 `json:"likes"`
	Comments       *int64                 `json:"comments"`
	Views          *int64                 `json:"views"`
	Shares         *int64                 `json:"shares"`
	EngagementRate *float64               `json:"engagement_rate"`
	Extra          map[string]interface{} `json:"extra"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

// SetExtra stores a platform-specific value.
func (s *MetricsSnapshot) SetExtra(key string, value interface{}) {
	if s.Extra == nil {
		s.Extra = make(map[string]interface{})
	}
	s.Extra[key] = value
}

// ComputeEngagement sets EngagementRate to (likes+comments+shares) per follower,
// as a percentage over sampled posts. It leaves the rate nil when inputs are missing.
func (s *MetricsSnapshot) ComputeEngagement(sampledPosts int) {
	if s.Followers == nil || *s.Followers <= 0 || sampledPosts <= 0 {
		return
	}
	if s.Likes == nil && s.Comments == nil && s.Shares == nil {
		return
	}
	var interactions int64
	for _, v := range []*int64{s.Likes, s.Comments, s.Shares} {
		if v != nil {
			interactions += *v
		}
	}
	rate := float64(interactions) / float64(sampledPosts) / float64(*s.Followers) * 100
	s.EngagementRate = &rate
}
