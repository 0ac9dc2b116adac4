package ui

import (
	"fmt"
	"io"
	"net/url"
	"slices"
	"time"

	"subdash/internal/events"
	"subdash/internal/format"
	"subdash/internal/model"
)

// CalendarPage is the /calendar view: a header, type filters and the events
// grouped by day.
type CalendarPage struct {
	Header   PageHeader
	Events   []model.CalendarEvent
	Location *time.Location
	// Active lists the selected type filters; empty means all.
	Active []model.EventType
	// BasePath is the page URL the filter links point to.
	BasePath string
}

var typeLabels = map[model.EventType]string{
	model.EventSubscription: "Abonnement",
	model.EventExpiration:   "Expiration",
	model.EventRenewal:      "Renouvellement",
	model.EventInvoice:      "Facture",
}

var typeBadges = map[model.EventType]string{
	model.EventSubscription: "bg-emerald-100 text-emerald-800",
	model.EventExpiration:   "bg-red-100 text-red-800",
	model.EventRenewal:      "bg-blue-100 text-blue-800",
	model.EventInvoice:      "bg-amber-100 text-amber-800",
}

const (
	badgeBase  = "inline-flex shrink-0 items-center rounded-full px-2 py-0.5 text-xs font-medium bg-gray-100 text-gray-800"
	filterBase = "rounded-md border border-gray-300 bg-white px-3 py-1 text-sm"
	filterOn   = "border-gray-900 bg-gray-900 text-white"
)

// TypeLabel is the French display name of t.
func TypeLabel(t model.EventType) string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}

// BadgeClass is the badge class list for t.
func BadgeClass(t model.EventType) string {
	return format.Cn(badgeBase, typeBadges[t])
}

type calendarView struct {
	Header  headerView
	Filters []filterView
	Days    []dayView
}

type filterView struct {
	Href  string
	Class string
	Label string
}

type dayView struct {
	Label  string
	Events []eventView
}

type eventView struct {
	ID          string
	Type        model.EventType
	TypeLabel   string
	Title       string
	Description string
	Badge       string
}

func RenderCalendar(w io.Writer, p CalendarPage) error {
	return templates.ExecuteTemplate(w, "calendar", p.view())
}

func (p CalendarPage) view() calendarView {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	base := p.BasePath
	if base == "" {
		base = "/calendar"
	}

	v := calendarView{Header: p.Header.view()}

	v.Filters = append(v.Filters, filterView{
		Href:  base,
		Class: format.Cn(filterBase, format.If(len(p.Active) == 0, filterOn)),
		Label: "Tous",
	})
	for _, t := range model.EventTypes {
		v.Filters = append(v.Filters, filterView{
			Href:  base + "?" + url.Values{"type": {string(t)}}.Encode(),
			Class: format.Cn(filterBase, format.If(slices.Contains(p.Active, t), filterOn)),
			Label: TypeLabel(t),
		})
	}

	for _, d := range events.GroupByDay(p.Events, loc) {
		dv := dayView{Label: DayLabel(d.Date)}
		for _, e := range d.Events {
			dv.Events = append(dv.Events, eventView{
				ID:          e.ID,
				Type:        e.Type,
				TypeLabel:   TypeLabel(e.Type),
				Title:       e.Title,
				Description: e.Description,
				Badge:       BadgeClass(e.Type),
			})
		}
		v.Days = append(v.Days, dv)
	}
	return v
}

var (
	frWeekdays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}
	frMonths   = [...]string{"janvier", "février", "mars", "avril", "mai", "juin",
		"juillet", "août", "septembre", "octobre", "novembre", "décembre"}
)

// DayLabel formats a date the fr-TN way, e.g. "mercredi 15 janvier 2025".
func DayLabel(t time.Time) string {
	return fmt.Sprintf("%s %d %s %d", frWeekdays[t.Weekday()], t.Day(), frMonths[t.Month()-1], t.Year())
}
