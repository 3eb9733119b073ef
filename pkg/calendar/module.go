package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

// defaultHorizon is how far calendar_upcoming looks ahead by default.
const defaultHorizon = 7 * 24 * time.Hour

// Module exposes the calendar tool surface.
type Module struct {
	store    *Store
	location *time.Location
}

// NewModule wires the calendar module. Event times parse in the butler's
// configured location.
func NewModule(store *Store, location *time.Location) *Module {
	if location == nil {
		location = time.UTC
	}
	return &Module{store: store, location: location}
}

// Name implements module.Module.
func (m *Module) Name() string { return "calendar" }

// Dependencies implements module.Module.
func (m *Module) Dependencies() []string { return nil }

// Init implements module.Module.
func (m *Module) Init(ctx context.Context) error { return nil }

// Shutdown implements module.Module.
func (m *Module) Shutdown(ctx context.Context) error { return nil }

// Tools implements module.Module.
func (m *Module) Tools() []module.Tool {
	return []module.Tool{
		{Name: "calendar_add_event", Description: "Add a calendar event", Handler: m.addTool},
		{Name: "calendar_upcoming", Description: "List upcoming events", Handler: m.upcomingTool},
		{Name: "calendar_list", Description: "List events in a time range", Handler: m.listTool},
		{Name: "calendar_cancel_event", Description: "Cancel a calendar event", Handler: m.cancelTool},
	}
}

func (m *Module) addTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		Title    string `json:"title"`
		Details  string `json:"details,omitempty"`
		Location string `json:"location,omitempty"`
		StartsAt string `json:"starts_at"`
		EndsAt   string `json:"ends_at,omitempty"`
		AllDay   bool   `json:"all_day,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	if req.Title == "" {
		return nil, errclass.New(errclass.Validation, "title is required")
	}
	starts, err := m.parseTime(req.StartsAt)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "starts_at must be RFC 3339 or 2006-01-02 15:04")
	}
	e := &Event{
		Title:     req.Title,
		Details:   req.Details,
		Location:  req.Location,
		StartsAt:  starts,
		AllDay:    req.AllDay,
		CreatedBy: caller,
	}
	if req.EndsAt != "" {
		ends, err := m.parseTime(req.EndsAt)
		if err != nil {
			return nil, errclass.New(errclass.Validation, "ends_at must be RFC 3339 or 2006-01-02 15:04")
		}
		if !ends.After(starts) {
			return nil, errclass.New(errclass.Validation, "ends_at must be after starts_at")
		}
		e.EndsAt = &ends
	}
	id, err := m.store.Add(ctx, e)
	if err != nil {
		return nil, err
	}
	return map[string]string{"event_id": id.String()}, nil
}

func (m *Module) upcomingTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		WithinHours int `json:"within_hours,omitempty"`
		Limit       int `json:"limit,omitempty"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
		}
	}
	horizon := defaultHorizon
	if req.WithinHours > 0 {
		horizon = time.Duration(req.WithinHours) * time.Hour
	}
	now := time.Now()
	events, err := m.store.Between(ctx, now, now.Add(horizon), req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (m *Module) listTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	from, err := m.parseTime(req.From)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "from must be RFC 3339 or 2006-01-02 15:04")
	}
	to, err := m.parseTime(req.To)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "to must be RFC 3339 or 2006-01-02 15:04")
	}
	events, err := m.store.Between(ctx, from, to, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (m *Module) cancelTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "event_id must be a UUID")
	}
	if err := m.store.Cancel(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errclass.Wrap(errclass.Validation, err, "unknown event")
		}
		return nil, err
	}
	return map[string]string{"status": "canceled"}, nil
}

// parseTime accepts RFC 3339 or a local wall-clock form in the butler's
// timezone.
func (m *Module) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", s, m.location)
}
