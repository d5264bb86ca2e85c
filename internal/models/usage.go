package models

import (
	"time"

	"github.com/google/uuid"
)

// Metric names a usage counter.
type Metric string

const (
	MetricVideos        Metric = "videos"
	MetricRenders       Metric = "renders"
	MetricAPICalls      Metric = "apiCalls"
	MetricRenderSeconds Metric = "renderSeconds"
	MetricRenderPixels  Metric = "renderPixels"
)

// UsageCounters is one (account, period) row. Counters only grow within a period.
type UsageCounters struct {
	AccountID     uuid.UUID `json:"account_id"`
	Period        string    `json:"period"`
	VideosCount   int64     `json:"videos_count"`
	RendersCount  int64     `json:"renders_count"`
	APICallsCount int64     `json:"api_calls_count"`
	RenderSeconds int64     `json:"render_seconds"`
	RenderPixels  int64     `json:"render_pixels"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Value returns the counter for m.
func (u *UsageCounters) Value(m Metric) int64 {
	if u == nil {
		return 0
	}
	switch m {
	case MetricVideos:
		return u.VideosCount
	case MetricRenders:
		return u.RendersCount
	case MetricAPICalls:
		return u.APICallsCount
	case MetricRenderSeconds:
		return u.RenderSeconds
	case MetricRenderPixels:
		return u.RenderPixels
	}
	return 0
}

// UsagePeriod returns the calendar-month period key (UTC) for t.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
