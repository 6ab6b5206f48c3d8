// Package notify defines the outbound messages the engine hands to the
// notification transport and the inbound contractor responses.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// ErrPublish is returned when a message could not be delivered to the
// transport after retries.
var ErrPublish = errors.New("publish failed")

// Address is the transport address of a contractor.
func Address(contractorID string) string { return "contractor:" + contractorID }

// LeadSummary is the part of a lead shown to a contractor before acceptance.
type LeadSummary struct {
	ServiceType    model.ServiceType  `json:"service_type"`
	Priority       model.LeadPriority `json:"priority"`
	Urgency        model.Urgency      `json:"urgency,omitempty"`
	Address        string             `json:"address"`
	PropertyType   string             `json:"property_type,omitempty"`
	Coordinates    model.Coordinates  `json:"coordinates"`
	EstimatedValue float64            `json:"estimated_value,omitempty"`
	Distance       float64            `json:"distance_miles"`
}

// Summarize builds the offer summary of a lead.
func Summarize(l model.Lead, distance float64) LeadSummary {
	return LeadSummary{
		ServiceType:    l.Details.ServiceType,
		Priority:       l.Priority,
		Urgency:        l.Details.Urgency,
		Address:        l.Location.Address,
		PropertyType:   l.Location.PropertyType,
		Coordinates:    l.Location.Coordinates,
		EstimatedValue: l.Details.EstimatedValue,
		Distance:       distance,
	}
}

// Offer asks a contractor to take a lead before Deadline.
type Offer struct {
	OfferID      string      `json:"offer_id"`
	LeadID       string      `json:"lead_id"`
	ContractorID string      `json:"contractor_id"`
	To           string      `json:"to"`
	Summary      LeadSummary `json:"summary"`
	Deadline     time.Time   `json:"response_deadline"`
	Attempt      int         `json:"attempt"`
}

// StatusUpdate is the customer visible state of a lead.
type StatusUpdate struct {
	LeadID       string           `json:"lead_id"`
	Status       model.LeadStatus `json:"status"`
	SubStatus    model.SubStatus  `json:"sub_status,omitempty"`
	ContractorID string           `json:"contractor_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	At           time.Time        `json:"at"`
}

// Response is a contractor's answer to an offer.
type Response struct {
	OfferID      string    `json:"offer_id"`
	LeadID       string    `json:"lead_id"`
	ContractorID string    `json:"contractor_id"`
	Accepted     bool      `json:"accepted"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers offers and status updates to the transport.
type Publisher interface {
	PublishOffer(ctx context.Context, o Offer) error
	PublishStatus(ctx context.Context, s StatusUpdate) error
}

// ResponseSource streams contractor responses.
type ResponseSource interface {
	Responses() <-chan Response
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishOffer(context.Context, Offer) error         { return nil }
func (NopPublisher) PublishStatus(context.Context, StatusUpdate) error { return nil }
