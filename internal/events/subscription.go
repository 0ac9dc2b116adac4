package events

import (
	"errors"
	"fmt"
	"time"
)

// Subscription is the domain record calendar events are derived from.
type Subscription struct {
	ID             string    `yaml:"id" json:"id"`
	SubscriberID   string    `yaml:"subscriber_id" json:"subscriberId"`
	SubscriberName string    `yaml:"subscriber_name" json:"subscriberName"`
	SubscriberType string    `yaml:"subscriber_type" json:"subscriberType"`
	Plan           string    `yaml:"plan" json:"plan"`
	Amount         float64   `yaml:"amount" json:"amount"`
	Start          time.Time `yaml:"start" json:"start"`
	End            time.Time `yaml:"end" json:"end"`

	// Renewal is an RFC 5545 RRULE body (e.g. "FREQ=MONTHLY") anchored at
	// Start. Empty means the subscription never renews.
	Renewal string `yaml:"renewal,omitempty" json:"renewal,omitempty"`

	// SkipRenewals lists renewal dates that were waived.
	SkipRenewals []time.Time `yaml:"skip_renewals,omitempty" json:"skipRenewals,omitempty"`

	Invoices []Invoice `yaml:"invoices,omitempty" json:"invoices,omitempty"`
}

type Invoice struct {
	Number   string    `yaml:"number" json:"number"`
	Amount   float64   `yaml:"amount" json:"amount"`
	IssuedAt time.Time `yaml:"issued_at" json:"issuedAt"`
}

var ErrInvalidSubscription = errors.New("invalid subscription")

func (s Subscription) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSubscription)
	case s.SubscriberName == "":
		return fmt.Errorf("%w: %s: missing subscriber name", ErrInvalidSubscription, s.ID)
	case s.Start.IsZero():
		return fmt.Errorf("%w: %s: missing start", ErrInvalidSubscription, s.ID)
	case !s.End.IsZero() && s.End.Before(s.Start):
		return fmt.Errorf("%w: %s: end before start", ErrInvalidSubscription, s.ID)
	}
	for _, inv := range s.Invoices {
		if inv.Number == "" || inv.IssuedAt.IsZero() {
			return fmt.Errorf("%w: %s: incomplete invoice", ErrInvalidSubscription, s.ID)
		}
	}
	return nil
}
