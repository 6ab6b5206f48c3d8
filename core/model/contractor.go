package model

import "time"

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Polygon is a closed ring of points. The first point need not be repeated.
type Polygon []Coordinates

// ServiceArea describes where a contractor may work. When Coverage is set it
// takes precedence over the radii.
type ServiceArea struct {
	Center        Coordinates `json:"center"`
	PrimaryRadius float64     `json:"primary_radius_miles"`
	MaxRadius     float64     `json:"max_radius_miles"`
	Coverage      Polygon     `json:"coverage,omitempty"`
	ExcludedZones []Polygon   `json:"excluded_zones,omitempty"`
}

// AvailabilityStatus is the contractor's self-reported availability.
type AvailabilityStatus string

const (
	AvailabilityAvailable   AvailabilityStatus = "available"
	AvailabilityBusy        AvailabilityStatus = "busy"
	AvailabilityAtCapacity  AvailabilityStatus = "at_capacity"
	AvailabilityUnavailable AvailabilityStatus = "unavailable"
	AvailabilityOnVacation  AvailabilityStatus = "on_vacation"
	AvailabilitySuspended   AvailabilityStatus = "suspended"
)

// ContractorStatus is the account standing of a contractor.
type ContractorStatus string

const (
	ContractorActive     ContractorStatus = "active"
	ContractorInactive   ContractorStatus = "inactive"
	ContractorSuspended  ContractorStatus = "suspended"
	ContractorProbation  ContractorStatus = "probation"
	ContractorTerminated ContractorStatus = "terminated"
)

// ContractorCapacity holds live job counters and their ceilings. A zero
// ceiling means unlimited.
type ContractorCapacity struct {
	CurrentActiveJobs int `json:"current_active_jobs"`
	MaxActiveJobs     int `json:"max_active_jobs"`
	WeeklyJobs        int `json:"weekly_jobs"`
	MaxWeeklyJobs     int `json:"max_weekly_jobs"`
	MonthlyJobs       int `json:"monthly_jobs"`
	MaxMonthlyJobs    int `json:"max_monthly_jobs"`
}

// UtilizationRate returns active jobs as a percentage of the active ceiling.
func (c ContractorCapacity) UtilizationRate() float64 {
	if c.MaxActiveJobs <= 0 {
		return 0
	}
	return float64(c.CurrentActiveJobs) / float64(c.MaxActiveJobs) * 100
}

// AtCeiling reports whether any counter has reached its ceiling.
func (c ContractorCapacity) AtCeiling() bool {
	return atLimit(c.CurrentActiveJobs, c.MaxActiveJobs) ||
		atLimit(c.WeeklyJobs, c.MaxWeeklyJobs) ||
		atLimit(c.MonthlyJobs, c.MaxMonthlyJobs)
}

func atLimit(v, limit int) bool {
	return limit > 0 && v >= limit
}

// KPIMetric names one component of the composite KPI score.
type KPIMetric string

const (
	MetricResponseTime   KPIMetric = "response_time"
	MetricCompletionTime KPIMetric = "completion_time"
	MetricSatisfaction   KPIMetric = "satisfaction"
	MetricReportQuality  KPIMetric = "report_quality"
	MetricCommunication  KPIMetric = "communication"
	MetricCompliance     KPIMetric = "compliance"
)

// KPIMetrics lists every metric in a stable order.
var KPIMetrics = []KPIMetric{
	MetricResponseTime,
	MetricCompletionTime,
	MetricSatisfaction,
	MetricReportQuality,
	MetricCommunication,
	MetricCompliance,
}

// MetricScore is a raw metric value with its normalised score.
type MetricScore struct {
	Value  float64 `json:"value"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Trend describes the direction of the composite score between versions.
type Trend string

const (
	TrendUp     Trend = "improving"
	TrendDown   Trend = "declining"
	TrendStable Trend = "stable"
)

// KPIScore is a contractor's composite performance rating.
type KPIScore struct {
	OverallScore    float64                   `json:"overall_score"`
	Metrics         map[KPIMetric]MetricScore `json:"metrics,omitempty"`
	Trend           Trend                     `json:"trend"`
	BonusMultiplier float64                   `json:"bonus_multiplier"`
	LastUpdated     time.Time                 `json:"last_updated"`
	Version         int64                     `json:"version"`
}

// LeadStatistics are rolling counters about the leads a contractor received.
type LeadStatistics struct {
	TotalReceived       int           `json:"total_received"`
	Accepted            int           `json:"accepted"`
	Declined            int           `json:"declined"`
	AcceptanceRate      float64       `json:"acceptance_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LeadSharePercentage float64       `json:"lead_share_percentage"`
	LastLeadAssignedAt  time.Time     `json:"last_lead_assigned_at"`
}

// ScheduleWindow is a weekly working window in the contractor's local time.
type ScheduleWindow struct {
	Day       time.Weekday `json:"day"`
	StartHour int          `json:"start_hour"`
	EndHour   int          `json:"end_hour"`
}

// ContractorPreferences restrict which leads a contractor wants.
type ContractorPreferences struct {
	ServiceTypes []ServiceType    `json:"service_types,omitempty"`
	MinJobValue  float64          `json:"min_job_value,omitempty"`
	MaxJobValue  float64          `json:"max_job_value,omitempty"`
	Schedule     []ScheduleWindow `json:"schedule,omitempty"`
	AutoAccept   bool             `json:"auto_accept"`
}

// Accepts reports whether the lead matches the preference filters at t.
func (p ContractorPreferences) Accepts(l Lead, t time.Time) bool {
	if len(p.ServiceTypes) > 0 {
		ok := false
		for _, st := range p.ServiceTypes {
			if st == l.Details.ServiceType || st.RelatedTo(l.Details.ServiceType) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	v := l.Details.EstimatedValue
	if p.MinJobValue > 0 && v > 0 && v < p.MinJobValue {
		return false
	}
	if p.MaxJobValue > 0 && v > p.MaxJobValue {
		return false
	}
	if len(p.Schedule) == 0 {
		return true
	}
	for _, w := range p.Schedule {
		if w.Day == t.Weekday() && t.Hour() >= w.StartHour && t.Hour() < w.EndHour {
			return true
		}
	}
	return false
}

// Contractor is a contractor organisation eligible to receive leads.
type Contractor struct {
	ID           string                `json:"id"`
	CompanyName  string                `json:"company_name"`
	Address      string                `json:"address"`
	Location     Coordinates           `json:"location"`
	ServiceArea  ServiceArea           `json:"service_area"`
	Availability AvailabilityStatus    `json:"availability"`
	Status       ContractorStatus      `json:"status"`
	Capacity     ContractorCapacity    `json:"capacity"`
	KPI          KPIScore              `json:"kpi"`
	Stats        LeadStatistics        `json:"stats"`
	Preferences  ContractorPreferences `json:"preferences"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Eligible reports whether the contractor's standing allows any offer.
func (c Contractor) Eligible() bool {
	return c.Availability == AvailabilityAvailable && c.Status == ContractorActive
}
