package contacts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

// Module exposes the address book tool surface.
type Module struct {
	store *Store
}

// NewModule wires the contacts module.
func NewModule(store *Store) *Module {
	return &Module{store: store}
}

// Name implements module.Module.
func (m *Module) Name() string { return "contacts" }

// Dependencies implements module.Module.
func (m *Module) Dependencies() []string { return nil }

// Init implements module.Module.
func (m *Module) Init(ctx context.Context) error { return nil }

// Shutdown implements module.Module.
func (m *Module) Shutdown(ctx context.Context) error { return nil }

// Tools implements module.Module.
func (m *Module) Tools() []module.Tool {
	return []module.Tool{
		{Name: "contacts_add", Description: "Add a contact to the address book", Handler: m.addTool},
		{Name: "contacts_set_info", Description: "Set a contact's identifier on a channel", Handler: m.setInfoTool},
		{Name: "contacts_list", Description: "List contacts with their channel identifiers", Handler: m.listTool},
		{Name: "contacts_find", Description: "Find a contact by name or channel identifier", Handler: m.findTool},
		{Name: "contacts_remove", Description: "Remove a contact", Handler: m.removeTool},
	}
}

func (m *Module) addTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		Name    string `json:"name"`
		IsOwner bool   `json:"is_owner,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	if req.Name == "" {
		return nil, errclass.New(errclass.Validation, "name is required")
	}
	return m.store.Add(ctx, req.Name, req.IsOwner)
}

func (m *Module) setInfoTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		ContactID  string `json:"contact_id"`
		Channel    string `json:"channel"`
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req.ContactID)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "contact_id must be a UUID")
	}
	if req.Channel == "" || req.Identifier == "" {
		return nil, errclass.New(errclass.Validation, "channel and identifier are required")
	}
	if err := m.store.SetInfo(ctx, id, req.Channel, req.Identifier); err != nil {
		return nil, mapNotFound(err)
	}
	return map[string]string{"status": "updated"}, nil
}

func (m *Module) listTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contacts": list}, nil
}

func (m *Module) findTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		Name       string `json:"name,omitempty"`
		Channel    string `json:"channel,omitempty"`
		Identifier string `json:"identifier,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	switch {
	case req.Channel != "" && req.Identifier != "":
		c, err := m.store.FindByIdentifier(ctx, req.Channel, req.Identifier)
		if err != nil {
			return nil, mapNotFound(err)
		}
		return map[string]any{"contacts": []*Contact{c}}, nil
	case req.Name != "":
		list, err := m.store.FindByName(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contacts": list}, nil
	default:
		return nil, errclass.New(errclass.Validation, "name or channel+identifier is required")
	}
}

func (m *Module) removeTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req.ContactID)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "contact_id must be a UUID")
	}
	if err := m.store.Remove(ctx, id); err != nil {
		return nil, mapNotFound(err)
	}
	return map[string]string{"status": "removed"}, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return errclass.Wrap(errclass.Validation, err, "unknown contact")
	}
	return err
}
