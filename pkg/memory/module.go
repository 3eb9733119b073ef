package memory

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

// Module exposes the memory tool surface and the spawner's context-injection
// hook. The butler's own name is the tenant for all calls.
type Module struct {
	butler       string
	store        *Store
	retriever    *Retriever
	consolidator *Consolidator
	cancel       context.CancelFunc
	logger       *slog.Logger
}

// NewModule wires the memory module. completer may be nil, disabling the
// consolidation worker.
func NewModule(butler string, store *Store, completer Completer, logger *slog.Logger) *Module {
	m := &Module{
		butler:    butler,
		store:     store,
		retriever: NewRetriever(store),
		logger:    logger.With("module", "memory"),
	}
	if completer != nil {
		m.consolidator = NewConsolidator(store, completer, logger)
	}
	return m
}

// Name implements module.Module.
func (m *Module) Name() string { return "memory" }

// Dependencies implements module.Module.
func (m *Module) Dependencies() []string { return nil }

// Init starts the consolidation worker.
func (m *Module) Init(ctx context.Context) error {
	if m.consolidator != nil {
		workerCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.consolidator.Run(workerCtx)
	}
	return nil
}

// Shutdown stops the consolidation worker.
func (m *Module) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// Digest implements spawner.MemoryDigester: ranked memory context for the
// session prompt, scoped to this butler.
func (m *Module) Digest(ctx context.Context, prompt string) (string, error) {
	return m.retriever.Context(ctx, m.butler, m.butler, prompt, DefaultRetrieveOptions())
}

// RecordEpisode implements spawner.MemoryDigester: each completed session is
// written back as an episode so consolidation can learn from it.
func (m *Module) RecordEpisode(ctx context.Context, prompt, result string, sessionID uuid.UUID) error {
	content := "Task: " + prompt
	if result != "" {
		content += "\nOutcome: " + result
	}
	_, err := m.store.AddEpisode(ctx, m.butler, m.butler, content, &sessionID, 0)
	return err
}

// Tools implements module.Module.
func (m *Module) Tools() []module.Tool {
	return []module.Tool{
		{Name: "memory_context", Description: "Retrieve ranked memory context for a query", Handler: m.contextTool},
		{Name: "memory_store_fact", Description: "Assert a durable fact", Handler: m.storeFactTool},
		{Name: "memory_confirm_fact", Description: "Refresh a fact's confidence clock", Handler: m.confirmFactTool},
		{Name: "memory_forget", Description: "Retract a fact", Handler: m.forgetTool},
		{Name: "memory_add_episode", Description: "Record an observation for later consolidation", Handler: m.addEpisodeTool},
		{Name: "memory_add_rule", Description: "Record a candidate behavior rule", Handler: m.addRuleTool},
		{Name: "memory_rule_feedback", Description: "Mark a rule as helpful or harmful", Handler: m.ruleFeedbackTool},
		{Name: "memory_list_rules", Description: "List behavior rules and their maturity", Handler: m.listRulesTool},
	}
}

// tenantFor scopes tool calls: every caller sees its own scope plus global.
func (m *Module) tenantFor(caller string) (tenant, scope string) {
	if caller == "" {
		caller = m.butler
	}
	return m.butler, caller
}

func (m *Module) contextTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		Query           string `json:"query"`
		TokenBudget     int    `json:"token_budget,omitempty"`
		IncludeEpisodes bool   `json:"include_episodes,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	opts := DefaultRetrieveOptions()
	if req.TokenBudget > 0 {
		opts.TokenBudget = req.TokenBudget
	}
	opts.IncludeEpisodes = req.IncludeEpisodes
	tenant, scope := m.tenantFor(caller)
	digest, err := m.retriever.Context(ctx, tenant, scope, req.Query, opts)
	if err != nil {
		return nil, err
	}
	return map[string]string{"context": digest}, nil
}

func (m *Module) storeFactTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence,omitempty"`
		Importance float64 `json:"importance,omitempty"`
		DecayRate  float64 `json:"decay_rate,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	tenant, scope := m.tenantFor(caller)
	id, err := m.store.StoreFact(ctx, &Fact{
		Tenant:     tenant,
		Scope:      scope,
		Subject:    req.Subject,
		Predicate:  req.Predicate,
		Content:    req.Content,
		Confidence: req.Confidence,
		Importance: req.Importance,
		DecayRate:  req.DecayRate,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"fact_id": id.String()}, nil
}

func (m *Module) confirmFactTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	id, err := parseIDArg(args, "fact_id")
	if err != nil {
		return nil, err
	}
	if err := m.store.ConfirmFact(ctx, id); err != nil {
		return nil, err
	}
	return map[string]string{"status": "confirmed"}, nil
}

func (m *Module) forgetTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	id, err := parseIDArg(args, "fact_id")
	if err != nil {
		return nil, err
	}
	if err := m.store.RetractFact(ctx, id); err != nil {
		return nil, err
	}
	return map[string]string{"status": "retracted"}, nil
}

func (m *Module) addEpisodeTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	tenant, scope := m.tenantFor(caller)
	id, err := m.store.AddEpisode(ctx, tenant, scope, req.Content, nil, 0)
	if err != nil {
		return nil, err
	}
	return map[string]string{"episode_id": id.String()}, nil
}

func (m *Module) addRuleTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		Content    string  `json:"content"`
		Importance float64 `json:"importance,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	tenant, scope := m.tenantFor(caller)
	id, err := m.store.AddRule(ctx, tenant, scope, req.Content, req.Importance)
	if err != nil {
		return nil, err
	}
	return map[string]string{"rule_id": id.String()}, nil
}

func (m *Module) ruleFeedbackTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		RuleID  string `json:"rule_id"`
		Helpful bool   `json:"helpful"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req.RuleID)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "rule_id must be a UUID")
	}
	if err := m.store.RecordRuleOutcome(ctx, id, req.Helpful); err != nil {
		return nil, err
	}
	return map[string]string{"status": "recorded"}, nil
}

func (m *Module) listRulesTool(ctx context.Context, caller string, args json.RawMessage) (any, error) {
	var req struct {
		IncludeAntiPatterns bool `json:"include_anti_patterns,omitempty"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
		}
	}
	tenant, scope := m.tenantFor(caller)
	rules, err := m.store.Rules(ctx, tenant, scope, req.IncludeAntiPatterns)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rules": rules}, nil
}

func parseIDArg(args json.RawMessage, field string) (uuid.UUID, error) {
	var req map[string]string
	if err := json.Unmarshal(args, &req); err != nil {
		return uuid.Nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req[field])
	if err != nil {
		return uuid.Nil, errclass.New(errclass.Validation, "%s must be a UUID", field)
	}
	return id, nil
}
