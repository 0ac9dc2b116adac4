package events

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"subdash/internal/format"
	appLog "subdash/internal/log"
	"subdash/internal/model"
)

const defaultMaxRenewals = 500

// eventNamespace seeds the SHA-1 UUIDs so the same record, type and date
// always yield the same event ID.
var eventNamespace = uuid.MustParse("6f1c1b3e-5d0a-4b7e-9f57-2f0c8a3d4e21")

// Window bounds derivation. Zero bounds are open.
type Window struct {
	Start time.Time
	End   time.Time

	// Location converts event dates for display. Nil keeps them as stored.
	Location *time.Location

	// MaxRenewals caps renewal events per subscription. Zero means 500.
	MaxRenewals int
}

func (w Window) contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Derive turns subscriptions into calendar events within w, sorted by date.
// Invalid subscriptions are skipped and reported in the joined error; the
// events of valid ones are still returned.
func Derive(subs []Subscription, w Window) ([]model.CalendarEvent, error) {
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return nil, errors.New("derive: window end is before start")
	}
	if w.MaxRenewals <= 0 {
		w.MaxRenewals = defaultMaxRenewals
	}

	var (
		out  []model.CalendarEvent
		errs []error
	)
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		evs, err := deriveOne(s, w)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, evs...)
	}
	Sort(out)
	return out, errors.Join(errs...)
}

func deriveOne(s Subscription, w Window) ([]model.CalendarEvent, error) {
	var out []model.CalendarEvent
	add := func(t model.EventType, date time.Time, title, desc string, extra map[string]any) {
		if !w.contains(date) {
			return
		}
		if w.Location != nil {
			date = date.In(w.Location)
		}
		out = append(out, model.CalendarEvent{
			ID:          EventID(s.ID, t, date),
			Title:       title,
			Type:        t,
			Date:        date,
			Description: desc,
			Metadata:    metadataFor(s, extra),
		})
	}

	add(model.EventSubscription, s.Start,
		"Abonnement: "+s.SubscriberName,
		fmt.Sprintf("Début de l'abonnement %s (%s)", planLabel(s), format.Currency(s.Amount)),
		nil)

	if !s.End.IsZero() {
		add(model.EventExpiration, s.End,
			"Expiration: "+s.SubscriberName,
			fmt.Sprintf("Fin de l'abonnement %s", planLabel(s)),
			nil)
	}

	renewals, err := renewalDates(s, w)
	if err != nil {
		appLog.Error("derive: bad renewal rule", err, "subscription", s.ID, "rule", s.Renewal)
		err = fmt.Errorf("%w: %s: %v", ErrInvalidSubscription, s.ID, err)
	}
	for i, d := range renewals {
		add(model.EventRenewal, d,
			"Renouvellement: "+s.SubscriberName,
			fmt.Sprintf("Renouvellement %s (%s)", planLabel(s), format.Currency(s.Amount)),
			map[string]any{"cycle": i + 1})
	}

	for _, inv := range s.Invoices {
		add(model.EventInvoice, inv.IssuedAt,
			"Facture "+inv.Number,
			fmt.Sprintf("Facture %s pour %s: %s", inv.Number, s.SubscriberName, format.Currency(inv.Amount)),
			map[string]any{"invoiceNumber": inv.Number, "amount": inv.Amount})
	}
	return out, err
}

// renewalDates expands the renewal rule, excluding Start itself, skipped
// dates and anything from End on.
func renewalDates(s Subscription, w Window) ([]time.Time, error) {
	if s.Renewal == "" {
		return nil, nil
	}
	r, err := rrule.StrToRRule(strings.TrimPrefix(s.Renewal, "RRULE:"))
	if err != nil {
		return nil, err
	}
	r.DTStart(s.Start)

	var set rrule.Set
	set.RRule(r)
	for _, d := range s.SkipRenewals {
		set.ExDate(d.In(s.Start.Location()))
	}

	from := s.Start.Add(time.Second)
	if !w.Start.IsZero() && w.Start.After(from) {
		from = w.Start
	}
	to := w.End
	// no renewal on the expiration date itself
	if !s.End.IsZero() && (to.IsZero() || !s.End.After(to)) {
		to = s.End.Add(-time.Second)
	}
	if to.IsZero() {
		return nil, fmt.Errorf("renewal rule %q needs an end date or window end", s.Renewal)
	}

	dates := set.Between(from, to, true)
	if len(dates) > w.MaxRenewals {
		appLog.Info("derive: renewals truncated", "subscription", s.ID, "cap", w.MaxRenewals, "count", len(dates))
		dates = dates[:w.MaxRenewals]
	}
	return dates, nil
}

func planLabel(s Subscription) string {
	if s.Plan == "" {
		return "standard"
	}
	return s.Plan
}

func metadataFor(s Subscription, extra map[string]any) *model.Metadata {
	md := &model.Metadata{
		Subscriber: model.Subscriber{
			ID:   s.SubscriberID,
			Name: s.SubscriberName,
			Type: s.SubscriberType,
		},
		Extra: map[string]any{"subscriptionId": s.ID},
	}
	if s.Plan != "" {
		md.Extra["plan"] = s.Plan
	}
	for k, v := range extra {
		md.Extra[k] = v
	}
	return md
}

// EventID is the stable identifier of the event of type t on date for the
// given record.
func EventID(recordID string, t model.EventType, date time.Time) string {
	name := recordID + "/" + string(t) + "/" + date.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// Sort orders events by date, then type order, then ID.
func Sort(evs []model.CalendarEvent) {
	slices.SortStableFunc(evs, func(a, b model.CalendarEvent) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := slices.Index(model.EventTypes, a.Type) - slices.Index(model.EventTypes, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Filter keeps events whose type is one of types. No types keeps all.
func Filter(evs []model.CalendarEvent, types ...model.EventType) []model.CalendarEvent {
	if len(types) == 0 {
		return slices.Clone(evs)
	}
	out := make([]model.CalendarEvent, 0, len(evs))
	for _, e := range evs {
		if slices.Contains(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

// GroupByDay buckets events by calendar day in loc, keeping order.
func GroupByDay(evs []model.CalendarEvent, loc *time.Location) []Day {
	if loc == nil {
		loc = time.Local
	}
	var days []Day
	for _, e := range evs {
		d := e.Date.In(loc)
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
		if n := len(days); n > 0 && days[n-1].Date.Equal(day) {
			days[n-1].Events = append(days[n-1].Events, e)
			continue
		}
		days = append(days, Day{Date: day, Events: []model.CalendarEvent{e}})
	}
	return days
}

type Day struct {
	Date   time.Time
	Events []model.CalendarEvent
}
