package api

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/kilianp07/leadalloc/core/model"
)

var errBadRequest = errors.New("bad request")

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateContractor, model.Contractor{})
	return v
}

// validateContractor rejects profiles the registry could never offer a
// lead to.
func validateContractor(sl validator.StructLevel) {
	c := sl.Current().Interface().(model.Contractor)
	if c.CompanyName == "" {
		sl.ReportError(c.CompanyName, "company_name", "CompanyName", "required", "")
	}
	if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lng < -180 || c.Location.Lng > 180 {
		sl.ReportError(c.Location, "location", "Location", "latlng", "")
	}
	a := c.ServiceArea
	if a.PrimaryRadius < 0 || a.MaxRadius < 0 || (a.MaxRadius > 0 && a.MaxRadius < a.PrimaryRadius) {
		sl.ReportError(a.MaxRadius, "max_radius_miles", "MaxRadius", "gtefield", "PrimaryRadius")
	}
	cp := c.Capacity
	if cp.CurrentActiveJobs < 0 || cp.MaxActiveJobs < 0 || cp.MaxWeeklyJobs < 0 || cp.MaxMonthlyJobs < 0 {
		sl.ReportError(cp, "capacity", "Capacity", "gte", "0")
	}
	if s := c.KPI.OverallScore; s < 0 || s > 100 {
		sl.ReportError(s, "overall_score", "OverallScore", "max", "100")
	}
	switch c.Status {
	case "", model.ContractorActive, model.ContractorInactive, model.ContractorSuspended,
		model.ContractorProbation, model.ContractorTerminated:
	default:
		sl.ReportError(c.Status, "status", "Status", "oneof", "")
	}
}
