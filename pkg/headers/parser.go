// Package headers parses rate-limit information out of platform response headers.
package headers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the throttling state a platform reported on a response.
type RateLimit struct {
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
	// UsagePct is the highest usage percentage from Meta's usage headers, 0-100.
	UsagePct float64
}

// Known reports whether any rate-limit header was present.
func (r RateLimit) Known() bool {
	return r.Limit > 0 || r.Remaining > 0 || !r.Reset.IsZero() || r.RetryAfter > 0 || r.UsagePct > 0
}

// Exhausted reports whether the platform signalled that no budget remains.
func (r RateLimit) Exhausted() bool {
	return (r.Limit > 0 && r.Remaining == 0) || r.UsagePct >= 100
}

// Wait returns how long to back off, preferring Retry-After over Reset.
func (r RateLimit) Wait(now time.Time) time.Duration {
	if r.RetryAfter > 0 {
		return r.RetryAfter
	}
	if !r.Reset.IsZero() && r.Reset.After(now) {
		return r.Reset.Sub(now)
	}
	return 0
}

// Parse reads the headers used by the supported platforms:
//
//	RateLimit-Limit / RateLimit-Remaining / RateLimit-Reset       (Bluesky, IETF draft)
//	X-RateLimit-Limit / X-RateLimit-Remaining / X-RateLimit-Reset (Mastodon, TikTok)
//	Retry-After                                                   (seconds or HTTP date)
//	X-App-Usage / X-Business-Use-Case-Usage                        (Instagram Graph API)
func Parse(h http.Header, now time.Time) RateLimit {
	var rl RateLimit

	rl.Limit = firstInt(h, "RateLimit-Limit", "X-RateLimit-Limit")
	rl.Remaining = firstInt(h, "RateLimit-Remaining", "X-RateLimit-Remaining")
	rl.Reset = parseReset(firstValue(h, "RateLimit-Reset", "X-RateLimit-Reset"), now)
	rl.RetryAfter = parseRetryAfter(h.Get("Retry-After"), now)
	rl.UsagePct = parseMetaUsage(h.Get("X-App-Usage"))
	if pct := parseBusinessUsage(h.Get("X-Business-Use-Case-Usage")); pct > rl.UsagePct {
		rl.UsagePct = pct
	}

	return rl
}

func firstValue(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(h http.Header, keys ...string) int64 {
	v := firstValue(h, keys...)
	if v == "" {
		return 0
	}
	// The IETF draft allows "100, 100;w=60"; the first item is the active limit.
	if i := strings.IndexAny(v, ",;"); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseReset accepts epoch seconds, delta seconds, or an RFC 3339 timestamp.
func parseReset(v string, now time.Time) time.Time {
	if v == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		// Values this small are deltas, larger ones are unix timestamps.
		if n < 1_000_000_000 {
			return now.Add(time.Duration(n) * time.Second)
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

type metaUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

func (u metaUsage) max() float64 {
	m := u.CallCount
	if u.TotalCPUTime > m {
		m = u.TotalCPUTime
	}
	if u.TotalTime > m {
		m = u.TotalTime
	}
	return m
}

func parseMetaUsage(v string) float64 {
	if v == "" {
		return 0
	}
	var u metaUsage
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		return 0
	}
	return u.max()
}

// parseBusinessUsage handles {"<business-id>": [{"call_count": 12, ...}]}.
func parseBusinessUsage(v string) float64 {
	if v == "" {
		return 0
	}
	var byBusiness map[string][]metaUsage
	if err := json.Unmarshal([]byte(v), &byBusiness); err != nil {
		return 0
	}
	var m float64
	for _, entries := range byBusiness {
		for _, u := range entries {
			if pct := u.max(); pct > m {
				m = pct
			}
		}
	}
	return m
}
