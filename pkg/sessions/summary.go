package sessions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Summary aggregates sessions over a reporting window.
type Summary struct {
	Window        string  `json:"window"`
	Sessions      int     `json:"sessions"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	InFlight      int     `json:"in_flight"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// DailyRow is one day of usage in the butler's timezone.
type DailyRow struct {
	Day          string  `json:"day"`
	Sessions     int     `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TopSession is a session ranked by derived cost.
type TopSession struct {
	ID            uuid.UUID `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	TriggerSource string    `json:"trigger_source"`
	Model         string    `json:"model"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
}

// ScheduleCost aggregates cost per scheduled task name.
type ScheduleCost struct {
	Schedule     string  `json:"schedule"`
	Runs         int     `json:"runs"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Reporter derives cost and usage views from the session log.
type Reporter struct {
	store   *Store
	pricing map[string]config.ModelPricing
	loc     *time.Location
}

// NewReporter creates a reporter using the manifest's pricing table and
// timezone.
func NewReporter(store *Store, pricing map[string]config.ModelPricing, loc *time.Location) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{store: store, pricing: pricing, loc: loc}
}

// Cost derives the USD cost of a token count for a model. Unknown models
// cost zero rather than failing the report.
func Cost(pricing map[string]config.ModelPricing, model string, inputTokens, outputTokens int64) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// WindowStart resolves a named window to its start instant in loc. The "all"
// window returns the zero time. Unknown windows are a validation error.
func WindowStart(window string, now time.Time, loc *time.Location) (time.Time, error) {
	now = now.In(loc)
	switch window {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, -1, 0), nil
	case "all":
		return time.Time{}, nil
	default:
		return time.Time{}, errclass.New(errclass.Validation,
			"unknown window %q: expected today, week, month or all", window)
	}
}

// Summarize builds the usage summary for a named window.
func (r *Reporter) Summarize(ctx context.Context, window string) (*Summary, error) {
	start, err := WindowStart(window, time.Now(), r.loc)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.pool.Query(ctx, `
		SELECT model, success, completed_at IS NULL AS in_flight,
			input_tokens, output_tokens, duration_ms
		FROM sessions
		WHERE $1::timestamptz IS NULL OR started_at >= $1`,
		nullableTime(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	sum := &Summary{Window: window}
	var totalDuration int64
	var completed int
	for rows.Next() {
		var model string
		var success *bool
		var inFlight bool
		var in, out, dur int64
		if err := rows.Scan(&model, &success, &inFlight, &in, &out, &dur); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		sum.Sessions++
		sum.InputTokens += in
		sum.OutputTokens += out
		sum.TotalCostUSD += Cost(r.pricing, model, in, out)
		switch {
		case inFlight:
			sum.InFlight++
		case success != nil && *success:
			sum.Succeeded++
			completed++
			totalDuration += dur
		default:
			sum.Failed++
			completed++
			totalDuration += dur
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if completed > 0 {
		sum.AvgDurationMS = totalDuration / int64(completed)
	}
	return sum, nil
}

// Daily returns per-day usage for the last `days` days in the butler's
// timezone.
func (r *Reporter) Daily(ctx context.Context, days int) ([]DailyRow, error) {
	if days <= 0 || days > 90 {
		days = 14
	}
	start := time.Now().In(r.loc).AddDate(0, 0, -days)
	rows, err := r.store.pool.Query(ctx, `
		SELECT (started_at AT TIME ZONE $2)::date AS day, model,
			input_tokens, output_tokens
		FROM sessions
		WHERE started_at >= $1
		ORDER BY day`,
		start, r.loc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	byDay := map[string]int{}
	for rows.Next() {
		var day time.Time
		var model string
		var in, outTok int64
		if err := rows.Scan(&day, &model, &in, &outTok); err != nil {
			return nil, fmt.Errorf("failed to scan daily row: %w", err)
		}
		key := day.Format("2006-01-02")
		idx, ok := byDay[key]
		if !ok {
			out = append(out, DailyRow{Day: key})
			idx = len(out) - 1
			byDay[key] = idx
		}
		out[idx].Sessions++
		out[idx].InputTokens += in
		out[idx].OutputTokens += outTok
		out[idx].CostUSD += Cost(r.pricing, model, in, outTok)
	}
	return out, rows.Err()
}

// TopSessions returns the most expensive sessions in a window.
func (r *Reporter) TopSessions(ctx context.Context, window string, limit int) ([]TopSession, error) {
	start, err := WindowStart(window, time.Now(), r.loc)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := r.store.pool.Query(ctx, `
		SELECT id, started_at, trigger_source, model, input_tokens, output_tokens
		FROM sessions
		WHERE $1::timestamptz IS NULL OR started_at >= $1`,
		nullableTime(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query top sessions: %w", err)
	}
	defer rows.Close()

	var all []TopSession
	for rows.Next() {
		var s TopSession
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.TriggerSource, &s.Model,
			&s.InputTokens, &s.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan top session row: %w", err)
		}
		s.CostUSD = Cost(r.pricing, s.Model, s.InputTokens, s.OutputTokens)
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Cost ranking happens here because cost is never stored.
	sortTopSessions(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ScheduleCosts aggregates cost per scheduled task over a window. Schedule
// sessions carry the task name in their trigger_source as schedule:<name>.
func (r *Reporter) ScheduleCosts(ctx context.Context, window string) ([]ScheduleCost, error) {
	start, err := WindowStart(window, time.Now(), r.loc)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.pool.Query(ctx, `
		SELECT substring(trigger_source from 10), model, input_tokens, output_tokens
		FROM sessions
		WHERE trigger_source LIKE 'schedule:%'
		  AND ($1::timestamptz IS NULL OR started_at >= $1)`,
		nullableTime(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule costs: %w", err)
	}
	defer rows.Close()

	var out []ScheduleCost
	byName := map[string]int{}
	for rows.Next() {
		var name, model string
		var in, outTok int64
		if err := rows.Scan(&name, &model, &in, &outTok); err != nil {
			return nil, fmt.Errorf("failed to scan schedule cost row: %w", err)
		}
		idx, ok := byName[name]
		if !ok {
			out = append(out, ScheduleCost{Schedule: name})
			idx = len(out) - 1
			byName[name] = idx
		}
		out[idx].Runs++
		out[idx].InputTokens += in
		out[idx].OutputTokens += outTok
		out[idx].CostUSD += Cost(r.pricing, model, in, outTok)
	}
	return out, rows.Err()
}

func sortTopSessions(s []TopSession) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CostUSD != s[j].CostUSD {
			return s[i].CostUSD > s[j].CostUSD
		}
		return s[i].StartedAt.After(s[j].StartedAt)
	})
}
