package entities

import "time"

type PlanLimits struct {
	Name             string
	MessagesPerMonth int
}

const DefaultPlan = "starter"

var plans = map[string]PlanLimits{
	"starter":    {Name: "starter", MessagesPerMonth: 500},
	"pro":        {Name: "pro", MessagesPerMonth: 5000},
	"enterprise": {Name: "enterprise", MessagesPerMonth: 50000},
}

// LimitsForPlan returns the quota for plan; unknown plans get starter limits.
func LimitsForPlan(plan string) PlanLimits {
	if p, ok := plans[plan]; ok {
		return p
	}
	return plans[DefaultPlan]
}

// Period returns the accounting period (YYYY-MM, UTC) containing t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Day returns the daily ledger key (YYYY-MM-DD, UTC) for t.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Notification thresholds, in percent of the monthly quota.
const (
	ThresholdWarning = 80
	ThresholdLimit   = 100
)

type UsageRecord struct {
	TenantID string
	Period   string
	Messages int
}

// UsageCheck is the result of metering one message.
type UsageCheck struct {
	Allowed bool
	Current int
	Limit   int
}
