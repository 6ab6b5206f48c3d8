package simulator

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/kilianp07/leadalloc/core/model"
)

const milesPerDegreeLat = 69.0

// jitter returns a point uniformly distributed in a disc of radius miles
// around c.
func jitter(rng *rand.Rand, c model.Coordinates, radius float64) model.Coordinates {
	r := radius * math.Sqrt(rng.Float64())
	theta := rng.Float64() * 2 * math.Pi
	dLat := r * math.Cos(theta) / milesPerDegreeLat
	dLng := r * math.Sin(theta) / (milesPerDegreeLat * math.Cos(c.Lat*math.Pi/180))
	return model.Coordinates{Lat: c.Lat + dLat, Lng: c.Lng + dLng}
}

// GenerateContractors creates cfg.Contractors profiles with IDs
// ctr0001..ctrNNNN.
func GenerateContractors(rng *rand.Rand, cfg Config) []model.Contractor {
	out := make([]model.Contractor, cfg.Contractors)
	for i := range out {
		primary := 8 + rng.Float64()*12
		out[i] = model.Contractor{
			ID:          fmt.Sprintf("ctr%04d", i+1),
			CompanyName: fmt.Sprintf("Restoration Co %d", i+1),
			Location:    jitter(rng, cfg.Center, cfg.RadiusMiles/2),
			ServiceArea: model.ServiceArea{PrimaryRadius: primary, MaxRadius: primary * 2},
			Capacity: model.ContractorCapacity{
				MaxActiveJobs:  3 + rng.IntN(8),
				MaxWeeklyJobs:  40,
				MaxMonthlyJobs: 150,
			},
			KPI: model.KPIScore{OverallScore: math.Round(55 + rng.Float64()*40)},
		}
	}
	return out
}

var (
	services   = []model.ServiceType{model.ServiceWaterDamage, model.ServiceFireDamage, model.ServiceStormDamage, model.ServiceMouldRemediation, model.ServiceFloodRecovery}
	priorities = []model.LeadPriority{model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityMedium, model.PriorityLow}
)

// GenerateLeads creates cfg.Leads leads with IDs lead00001...
func GenerateLeads(rng *rand.Rand, cfg Config) []model.Lead {
	out := make([]model.Lead, cfg.Leads)
	for i := range out {
		out[i] = model.Lead{
			ID:       fmt.Sprintf("lead%05d", i+1),
			Priority: priorities[rng.IntN(len(priorities))],
			Customer: model.Customer{Name: fmt.Sprintf("Customer %d", i+1), Phone: fmt.Sprintf("+44 20 7946 %04d", i%10000)},
			Location: model.JobLocation{
				Address:      fmt.Sprintf("%d High Street", i+1),
				Coordinates:  jitter(rng, cfg.Center, cfg.RadiusMiles),
				PropertyType: "residential",
			},
			Details: model.JobDetails{
				ServiceType:    services[rng.IntN(len(services))],
				Urgency:        model.UrgencyStandard,
				EstimatedValue: math.Round(500 + rng.Float64()*9500),
			},
		}
	}
	return out
}
