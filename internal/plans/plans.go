// Package plans is the static plan table: quota limits and feature flags per plan id.
package plans

import "github.com/reelcast/backend/internal/models"

// Unlimited is the sentinel limit value that always passes.
const Unlimited int64 = -1

type Feature string

const (
	FeatureAPIAccess       Feature = "apiAccess"
	FeatureTeamSharing     Feature = "teamSharing"
	FeaturePriorityQueue   Feature = "priorityQueue"
	FeatureRemoveWatermark Feature = "removeWatermark"
)

const (
	PlanFree       = "free"
	PlanCreator    = "creator"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Limits is immutable once in the table.
type Limits struct {
	PlanID                string
	VideosPerMonth        int64
	RenderSecondsPerMonth int64
	APICallsPerMonth      int64
	Features              map[Feature]bool
}

var table = map[string]Limits{
	PlanFree: {
		PlanID:                PlanFree,
		VideosPerMonth:        3,
		RenderSecondsPerMonth: 180,
		APICallsPerMonth:      0,
		Features:              map[Feature]bool{},
	},
	PlanCreator: {
		PlanID:                PlanCreator,
		VideosPerMonth:        30,
		RenderSecondsPerMonth: 1800,
		APICallsPerMonth:      1000,
		Features:              map[Feature]bool{FeatureAPIAccess: true, FeatureRemoveWatermark: true},
	},
	PlanPro: {
		PlanID:                PlanPro,
		VideosPerMonth:        200,
		RenderSecondsPerMonth: 12000,
		APICallsPerMonth:      20000,
		Features: map[Feature]bool{
			FeatureAPIAccess: true, FeatureRemoveWatermark: true, FeatureTeamSharing: true,
		},
	},
	PlanEnterprise: {
		PlanID:                PlanEnterprise,
		VideosPerMonth:        Unlimited,
		RenderSecondsPerMonth: Unlimited,
		APICallsPerMonth:      Unlimited,
		Features: map[Feature]bool{
			FeatureAPIAccess: true, FeatureRemoveWatermark: true, FeatureTeamSharing: true, FeaturePriorityQueue: true,
		},
	},
}

// Policy answers limit and feature questions. The zero value uses the built-in table.
type Policy struct {
	plans map[string]Limits
}

// NewPolicy returns a Policy over the built-in table.
func NewPolicy() *Policy { return &Policy{plans: table} }

// NewPolicyFrom returns a Policy over a caller-supplied table (tests, custom deployments).
func NewPolicyFrom(limits ...Limits) *Policy {
	m := make(map[string]Limits, len(limits))
	for _, l := range limits {
		m[l.PlanID] = l
	}
	return &Policy{plans: m}
}

func (p *Policy) lookup() map[string]Limits {
	if p == nil || p.plans == nil {
		return table
	}
	return p.plans
}

// LimitsFor returns the limits for planID. Unknown plans resolve to the free plan.
func (p *Policy) LimitsFor(planID string) Limits {
	plans := p.lookup()
	if l, ok := plans[planID]; ok {
		return l
	}
	if l, ok := plans[PlanFree]; ok {
		return l
	}
	return Limits{PlanID: planID, Features: map[Feature]bool{}}
}

func (p *Policy) HasFeature(planID string, f Feature) bool {
	return p.LimitsFor(planID).Features[f]
}

// Limit returns the monthly limit for metric and whether the metric is capped at all.
// renders and renderPixels are tracked but never capped.
func (l Limits) Limit(metric models.Metric) (int64, bool) {
	switch metric {
	case models.MetricVideos:
		return l.VideosPerMonth, true
	case models.MetricRenderSeconds:
		return l.RenderSecondsPerMonth, true
	case models.MetricAPICalls:
		return l.APICallsPerMonth, true
	}
	return Unlimited, false
}

// IsWithinLimit reports whether one more unit may be consumed when the counter is at currentValue.
func (p *Policy) IsWithinLimit(planID string, metric models.Metric, currentValue int64) bool {
	limit, _ := p.LimitsFor(planID).Limit(metric)
	return limit == Unlimited || currentValue < limit
}
