package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scoring weights for retrieval ranking.
const (
	weightRelevance  = 0.4
	weightImportance = 0.3
	weightRecency    = 0.2
	weightConfidence = 0.1
)

// tokensPerWord approximates the tokenizer for budget enforcement.
const tokensPerWord = 1.3

// recencyHalfLife controls how fast the recency component falls off.
const recencyHalfLife = 7 * 24 * time.Hour

// RetrieveOptions tunes one memory_context call.
type RetrieveOptions struct {
	TokenBudget     int
	FactQuota       int
	RuleQuota       int
	EpisodeQuota    int
	IncludeEpisodes bool
}

// DefaultRetrieveOptions matches the context-injection defaults.
func DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{TokenBudget: 800, FactQuota: 12, RuleQuota: 6, EpisodeQuota: 3}
}

// scored pairs an item with its ranking key.
type scored struct {
	text      string
	score     float64
	createdAt time.Time
	id        string
}

// Retriever assembles deterministic, budgeted memory context.
type Retriever struct {
	store *Store
}

// NewRetriever creates a retriever over the memory store.
func NewRetriever(store *Store) *Retriever {
	return &Retriever{store: store}
}

// Context returns the ranked memory digest for a query, scoped to the
// calling tenant plus global. The output is deterministic for a fixed store
// state and clock.
func (r *Retriever) Context(ctx context.Context, tenant, scope, query string, opts RetrieveOptions) (string, error) {
	if opts.TokenBudget <= 0 {
		opts = DefaultRetrieveOptions()
	}
	now := time.Now()
	queryTerms := terms(query)

	facts, err := r.store.ActiveFacts(ctx, tenant, scope)
	if err != nil {
		return "", err
	}
	rules, err := r.store.Rules(ctx, tenant, scope, false)
	if err != nil {
		return "", err
	}

	scoredFacts := make([]scored, 0, len(facts))
	for _, f := range facts {
		text := fmt.Sprintf("%s %s: %s", f.Subject, f.Predicate, f.Content)
		scoredFacts = append(scoredFacts, scored{
			text:      "- " + text,
			score:     scoreItem(queryTerms, text, f.Importance, f.CreatedAt, f.EffectiveConfidence(now), now),
			createdAt: f.CreatedAt,
			id:        f.ID.String(),
		})
	}
	scoredRules := make([]scored, 0, len(rules))
	for _, rule := range rules {
		// Proven rules carry full confidence; candidates carry half.
		conf := 0.5
		switch rule.Maturity {
		case RuleEstablished:
			conf = 0.75
		case RuleProven:
			conf = 1.0
		}
		scoredRules = append(scoredRules, scored{
			text:      "- " + rule.Content,
			score:     scoreItem(queryTerms, rule.Content, rule.Importance, rule.CreatedAt, conf, now),
			createdAt: rule.CreatedAt,
			id:        rule.ID.String(),
		})
	}

	sortScored(scoredFacts)
	sortScored(scoredRules)

	budget := newTokenBudget(opts.TokenBudget)
	var b strings.Builder
	writeSection(&b, budget, "Facts", scoredFacts, opts.FactQuota)
	writeSection(&b, budget, "Rules", scoredRules, opts.RuleQuota)

	if opts.IncludeEpisodes && opts.EpisodeQuota > 0 {
		episodes, err := r.store.PendingEpisodes(ctx, opts.EpisodeQuota)
		if err == nil {
			scoredEpisodes := make([]scored, 0, len(episodes))
			for _, e := range episodes {
				scoredEpisodes = append(scoredEpisodes, scored{
					text: "- " + e.Content, createdAt: e.CreatedAt, id: e.ID.String(),
				})
			}
			sortScored(scoredEpisodes)
			writeSection(&b, budget, "Recent episodes", scoredEpisodes, opts.EpisodeQuota)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// scoreItem combines the four ranking components with their fixed weights.
func scoreItem(queryTerms map[string]bool, text string, importance float64,
	createdAt time.Time, confidence float64, now time.Time) float64 {
	return weightRelevance*relevance(queryTerms, text) +
		weightImportance*importance +
		weightRecency*recency(createdAt, now) +
		weightConfidence*confidence
}

// relevance is term overlap between the query and the item text.
func relevance(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range strings.Fields(strings.ToLower(text)) {
		if queryTerms[strings.Trim(t, ".,;:!?\"'()")] {
			hits++
		}
	}
	score := float64(hits) / float64(len(queryTerms))
	if score > 1 {
		score = 1
	}
	return score
}

// recency decays exponentially with a one-week half-life.
func recency(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	return 1 / (1 + age.Hours()/recencyHalfLife.Hours())
}

// sortScored orders by score DESC, created_at DESC, id ASC.
func sortScored(items []scored) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		if !items[i].createdAt.Equal(items[j].createdAt) {
			return items[i].createdAt.After(items[j].createdAt)
		}
		return items[i].id < items[j].id
	})
}

// tokenBudget enforces the retrieval token cap across sections.
type tokenBudget struct {
	remaining float64
}

func newTokenBudget(tokens int) *tokenBudget {
	return &tokenBudget{remaining: float64(tokens)}
}

// take charges the budget for text, refusing when it would overrun.
func (tb *tokenBudget) take(text string) bool {
	cost := float64(len(strings.Fields(text))) * tokensPerWord
	if cost > tb.remaining {
		return false
	}
	tb.remaining -= cost
	return true
}

func writeSection(b *strings.Builder, budget *tokenBudget, title string, items []scored, quota int) {
	written := 0
	var section strings.Builder
	header := "### " + title + "\n"
	for _, item := range items {
		if quota > 0 && written >= quota {
			break
		}
		line := item.text + "\n"
		if written == 0 {
			if !budget.take(header + line) {
				return
			}
			section.WriteString(header)
		} else if !budget.take(line) {
			break
		}
		section.WriteString(line)
		written++
	}
	if written > 0 {
		b.WriteString(section.String())
		b.WriteString("\n")
	}
}

// terms normalizes a query into a lookup set.
func terms(query string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, ".,;:!?\"'()")
		if len(t) > 2 {
			out[t] = true
		}
	}
	return out
}
