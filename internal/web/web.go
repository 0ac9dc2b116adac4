package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subdash/internal/config"
	"subdash/internal/events"
	appLog "subdash/internal/log"
	"subdash/internal/model"
	"subdash/internal/query"
	"subdash/internal/source"
	"subdash/internal/ui"
)

// keySubscriptions is the query key of the subscription list.
const keySubscriptions = "subscriptions"

// Server exposes the calendar UI and its JSON API. Every read of
// subscription data goes through the shared query client.
type Server struct {
	cfg    *config.Config
	client *query.Client
	src    source.Source
	loc    *time.Location
	now    func() time.Time
	mux    *http.ServeMux
}

// NewServer constructs a new Server. The query client is owned by the
// caller, which decides its lifetime.
func NewServer(cfg *config.Config, client *query.Client, src source.Source) *Server {
	s := &Server{
		cfg:    cfg,
		client: client,
		src:    src,
		loc:    cfg.Location(),
		now:    time.Now,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// empty credentials disable auth
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="subdash", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	s.mux.HandleFunc("POST /api/subscriptions", s.handleCreateSubscription)
	s.mux.HandleFunc("POST /api/cache/invalidate", s.handleInvalidate)
	s.mux.HandleFunc("GET /calendar", s.handleCalendar)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/calendar", http.StatusFound)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []model.CalendarEvent `json:"events"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	DisplayTimeZone string                `json:"display_timezone"`
}

// eventsRequest is the parsed query string shared by the event endpoints.
//
//	from, to: YYYY-MM-DD or RFC 3339 (defaults: today - backfill, today + horizon)
//	days:     horizon override when to is absent
//	type:     comma-separated event types (default: all)
type eventsRequest struct {
	from, to time.Time
	types    []model.EventType
}

func (s *Server) parseEventsRequest(r *http.Request) (eventsRequest, error) {
	q := r.URL.Query()
	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	days := parseIntDefault(q.Get("days"), s.cfg.HorizonDays)
	if days <= 0 {
		days = s.cfg.HorizonDays
	}
	req := eventsRequest{
		from: today.AddDate(0, 0, -s.cfg.BackfillDays),
		to:   today.AddDate(0, 0, days),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if req.from, err = parseDateParam(v, s.loc); err != nil {
			return req, fmt.Errorf("from: %w", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if req.to, err = parseDateParam(v, s.loc); err != nil {
			return req, fmt.Errorf("to: %w", err)
		}
	}
	if req.to.Before(req.from) {
		return req, errors.New("to is before from")
	}
	for _, raw := range q["type"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := model.ParseEventType(part)
			if err != nil {
				return req, err
			}
			req.types = append(req.types, t)
		}
	}
	return req, nil
}

func parseDateParam(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return t, nil
	}
	return model.ParseDate(v)
}

func (s *Server) subscriptions(ctx context.Context) ([]events.Subscription, error) {
	return query.Fetch(ctx, s.client, keySubscriptions, s.src.List)
}

// calendarEvents derives the events of req from the cached subscriptions.
// Subscriptions that fail to derive are logged and left out.
func (s *Server) calendarEvents(ctx context.Context, req eventsRequest) ([]model.CalendarEvent, error) {
	subs, err := s.subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	evs, derr := events.Derive(subs, events.Window{
		Start:    req.from,
		End:      req.to,
		Location: s.loc,
	})
	if derr != nil {
		appLog.Error("some subscriptions were skipped", derr)
	}
	return events.Filter(evs, req.types...), nil
}

// handleEvents returns the derived calendar events for a window.
//
// GET /api/events?from=2025-01-01&to=2025-02-01&type=renewal,invoice
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEventsRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs, err := s.calendarEvents(r.Context(), req)
	if err != nil {
		appLog.Error("api events: load failed", err)
		writeError(w, http.StatusBadGateway, "failed to load subscriptions")
		return
	}
	if evs == nil {
		evs = []model.CalendarEvent{}
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:          evs,
		RangeStart:      req.from,
		RangeEnd:        req.to,
		DisplayTimeZone: s.loc.String(),
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subscriptions(r.Context())
	if err != nil {
		appLog.Error("api subscriptions: load failed", err)
		writeError(w, http.StatusBadGateway, "failed to load subscriptions")
		return
	}
	if subs == nil {
		subs = []events.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleCreateSubscription stores a subscription through a mutation, which
// invalidates the cached list on success.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var in events.Subscription
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.client.Mutate(r.Context(), func(ctx context.Context) (any, error) {
		created, err := s.src.Create(ctx, in)
		if errors.Is(err, source.ErrDuplicate) {
			return nil, query.Permanent(err)
		}
		return created, err
	}, keySubscriptions)
	switch {
	case errors.Is(err, source.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		appLog.Error("api subscriptions: create failed", err, "id", in.ID)
		writeError(w, http.StatusBadGateway, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleInvalidate marks cached queries stale.
//
// POST /api/cache/invalidate?prefix=subscriptions
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	prefixes := r.URL.Query()["prefix"]
	if len(prefixes) == 0 {
		prefixes = []string{keySubscriptions}
	}
	n := s.client.Invalidate(prefixes...)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

const calendarIcon = `<svg xmlns="http://www.w3.org/2000/svg" class="h-5 w-5" fill="none" viewBox="0 0 24 24" stroke="currentColor" stroke-width="2"><rect x="3" y="4" width="18" height="18" rx="2"/><path d="M16 2v4M8 2v4M3 10h18"/></svg>`

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEventsRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	evs, err := s.calendarEvents(r.Context(), req)
	if err != nil {
		appLog.Error("calendar: load failed", err)
		http.Error(w, "failed to load subscriptions", http.StatusBadGateway)
		return
	}

	icsHref := "/calendar.ics"
	if r.URL.RawQuery != "" {
		icsHref += "?" + r.URL.RawQuery
	}
	actions := template.HTML(`<a href="` + template.HTMLEscapeString(icsHref) +
		`" class="rounded-md bg-gray-900 px-3 py-2 text-sm font-medium text-white">Exporter (.ics)</a>`)

	page := ui.CalendarPage{
		Header: ui.PageHeader{
			Title: "Calendrier des abonnements",
			Description: fmt.Sprintf("%d événements du %s au %s", len(evs),
				ui.DayLabel(req.from), ui.DayLabel(req.to)),
			Icon:    template.HTML(calendarIcon),
			Actions: actions,
		},
		Events:   evs,
		Location: s.loc,
		Active:   req.types,
		BasePath: "/calendar",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.RenderCalendar(w, page); err != nil {
		appLog.Error("calendar: render failed", err)
	}
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEventsRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	evs, err := s.calendarEvents(r.Context(), req)
	if err != nil {
		appLog.Error("calendar.ics: load failed", err)
		http.Error(w, "failed to load subscriptions", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subdash.ics"`)
	if err := events.WriteICS(w, evs, s.now()); err != nil {
		appLog.Error("calendar.ics: write failed", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
