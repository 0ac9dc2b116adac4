package events

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "subdash/internal/log"
	"subdash/internal/model"
)

const (
	ProductID = "-//subdash//calendar//FR"

	// propEventType carries the exact event type; CATEGORIES is kept for
	// clients that only understand standard properties.
	propEventType     ical.ComponentProperty = "X-SUBDASH-TYPE"
	propSubscriberID  ical.ComponentProperty = "X-SUBDASH-SUBSCRIBER-ID"
	propSubscriberNm  ical.ComponentProperty = "X-SUBDASH-SUBSCRIBER-NAME"
	propSubscriberTyp ical.ComponentProperty = "X-SUBDASH-SUBSCRIBER-TYPE"

	eventDuration = time.Hour
)

// WriteICS serializes events as a VCALENDAR. Each event becomes a one-hour
// VEVENT starting at its date.
func WriteICS(w io.Writer, evs []model.CalendarEvent, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)

	for _, e := range evs {
		ve := cal.AddEvent(e.ID)
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(e.Date)
		ve.SetEndAt(e.Date.Add(eventDuration))
		ve.SetSummary(e.Title)
		ve.SetDescription(e.Description)
		ve.SetProperty(ical.ComponentPropertyCategories, string(e.Type))
		ve.SetProperty(propEventType, string(e.Type))
		if md := e.Metadata; md != nil {
			if md.ID != "" {
				ve.SetProperty(propSubscriberID, md.ID)
			}
			if md.Name != "" {
				ve.SetProperty(propSubscriberNm, md.Name)
			}
			if md.Type != "" {
				ve.SetProperty(propSubscriberTyp, md.Type)
			}
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// ReadICS parses a calendar written by WriteICS (or any feed whose VEVENTs
// carry a known type in X-SUBDASH-TYPE or CATEGORIES). VEVENTs that do not
// form a valid CalendarEvent are skipped and logged.
func ReadICS(r io.Reader) ([]model.CalendarEvent, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make([]model.CalendarEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := fromVEvent(ve)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "uid", propValue(ve, ical.ComponentPropertyUniqueId))
			continue
		}
		out = append(out, ev)
	}
	Sort(out)
	return out, nil
}

func fromVEvent(ve *ical.VEvent) (model.CalendarEvent, error) {
	var ev model.CalendarEvent
	ev.ID = propValue(ve, ical.ComponentPropertyUniqueId)
	ev.Title = propValue(ve, ical.ComponentPropertySummary)
	ev.Description = propValue(ve, ical.ComponentPropertyDescription)

	typ := propValue(ve, propEventType)
	if typ == "" {
		// CATEGORIES may hold a list
		typ, _, _ = strings.Cut(propValue(ve, ical.ComponentPropertyCategories), ",")
	}
	t, err := model.ParseEventType(strings.TrimSpace(typ))
	if err != nil {
		return ev, err
	}
	ev.Type = t

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, err
	}
	ev.Date = start

	sub := model.Subscriber{
		ID:   propValue(ve, propSubscriberID),
		Name: propValue(ve, propSubscriberNm),
		Type: propValue(ve, propSubscriberTyp),
	}
	if sub != (model.Subscriber{}) {
		ev.Metadata = &model.Metadata{Subscriber: sub}
	}

	return ev, ev.Validate()
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}
