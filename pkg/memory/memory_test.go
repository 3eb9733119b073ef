package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveConfidenceDecays(t *testing.T) {
	now := time.Now()
	f := &Fact{Confidence: 0.8, DecayRate: 0.1, LastConfirmedAt: now}

	assert.InDelta(t, 0.8, f.EffectiveConfidence(now), 1e-9)

	// e^-1 after ten days at rate 0.1.
	tenDays := now.Add(10 * 24 * time.Hour)
	assert.InDelta(t, 0.8*0.3679, f.EffectiveConfidence(tenDays), 0.001)

	// A clock that runs behind never inflates confidence.
	assert.InDelta(t, 0.8, f.EffectiveConfidence(now.Add(-time.Hour)), 1e-9)
}

func TestDeriveMaturity(t *testing.T) {
	assert.Equal(t, RuleCandidate, DeriveMaturity(0, 0))
	assert.Equal(t, RuleCandidate, DeriveMaturity(2, 0))
	assert.Equal(t, RuleEstablished, DeriveMaturity(3, 0))
	assert.Equal(t, RuleProven, DeriveMaturity(10, 0))

	// Harmful evidence outweighs helpful.
	assert.Equal(t, RuleAntiPattern, DeriveMaturity(4, 2))
	assert.Equal(t, RuleAntiPattern, DeriveMaturity(0, 2))
	assert.Equal(t, RuleEstablished, DeriveMaturity(5, 2))
	assert.Equal(t, RuleCandidate, DeriveMaturity(1, 1))
}

func TestSortScoredTieBreakers(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	items := []scored{
		{id: "c", score: 0.5, createdAt: early},
		{id: "b", score: 0.5, createdAt: late},
		{id: "a", score: 0.5, createdAt: late},
		{id: "d", score: 0.9, createdAt: early},
	}
	sortScored(items)

	// score DESC, created_at DESC, id ASC.
	assert.Equal(t, "d", items[0].id)
	assert.Equal(t, "a", items[1].id)
	assert.Equal(t, "b", items[2].id)
	assert.Equal(t, "c", items[3].id)
}

func TestRelevance(t *testing.T) {
	q := terms("water the ferns daily")
	assert.Greater(t, relevance(q, "the ferns need water"), 0.5)
	assert.Zero(t, relevance(q, "tax season starts soon"))
	assert.Zero(t, relevance(map[string]bool{}, "anything"))
}

func TestTermsDropsShortWords(t *testing.T) {
	q := terms("is it ok to water the ferns?")
	assert.True(t, q["water"])
	assert.True(t, q["ferns"])
	assert.False(t, q["is"])
	assert.False(t, q["to"])
}

func TestTokenBudget(t *testing.T) {
	tb := newTokenBudget(10)
	// Five words cost 6.5 tokens.
	require.True(t, tb.take("one two three four five"))
	// Another five words would overrun.
	assert.False(t, tb.take("six seven eight nine ten"))
	assert.True(t, tb.take("six two"))
}

func TestWriteSectionHonorsQuota(t *testing.T) {
	items := []scored{
		{text: "- alpha", score: 3},
		{text: "- beta", score: 2},
		{text: "- gamma", score: 1},
	}
	var sb strings.Builder
	writeSection(&sb, newTokenBudget(1000), "Facts", items, 2)
	out := sb.String()
	assert.Contains(t, out, "- alpha")
	assert.Contains(t, out, "- beta")
	assert.NotContains(t, out, "- gamma")
}

func TestParseExtractedFacts(t *testing.T) {
	raw := `Here you go:
[{"subject": "owner", "predicate": "prefers", "content": "morning watering", "confidence": 0.9, "importance": 0.6},
 {"subject": "", "predicate": "x", "content": "dropped"}]`
	facts, err := parseExtractedFacts(raw)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "owner", facts[0].Subject)

	_, err = parseExtractedFacts("no json here")
	assert.Error(t, err)

	facts, err = parseExtractedFacts("[]")
	require.NoError(t, err)
	assert.Empty(t, facts)
}
